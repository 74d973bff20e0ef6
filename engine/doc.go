// Package engine connects sources to the repository and the repository to bindings and
// actions.
//
// Each registered source is consumed by its own loop: updates run through the source's
// transform pipeline and land under data.<source id>. A propagation loop collects
// repository changes, hands every change to the action workers and, once per tick, pushes
// the latest change per path through the binding system to a property sink. A tick that
// finds the binding system busy is skipped and retried on the next one.
package engine
