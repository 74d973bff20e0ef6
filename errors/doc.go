// Package errors provides standardized error handling for dataflow.
//
// Errors are classified into three classes: Transient (temporary, retryable), Invalid
// (bad input, do not retry) and Fatal (stop processing). Sources use the classification
// to decide between an Error status with retry and a terminal failure.
//
// All wrapping follows the format
//
//	"component.method: action failed: %w"
//
// and keeps the original error reachable through errors.Is and errors.As:
//
//	if err := src.Start(ctx); err != nil {
//	    return errors.WrapTransient(err, "engine", "StartSource", "start "+id)
//	}
//
// Package-specific sentinels (source.ErrAlreadyRunning, datapath.ErrInvalidPath,
// binding.ErrInvalidMode, ...) live next to the code that returns them and are wrapped
// with the helpers in this package.
package errors
