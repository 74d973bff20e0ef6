// Package config loads and validates the dataflow configuration document.
//
// A document is JSON or YAML (chosen by file extension) and declares the engine settings,
// an optional NATS connection, the status server, auxiliary stores, sources with their
// transform pipelines, bindings and triggers. Loading runs in stages:
//
//  1. the file path, size and nesting depth are checked
//  2. YAML is converted to JSON
//  3. the document is checked against the embedded JSON schema
//  4. it is decoded over Default and DATAFLOW_* environment overrides are applied
//  5. Validate checks cross-references the schema cannot express
//
// # Example
//
//	engine:
//	  tick_interval: 20ms
//	sources:
//	  - id: api
//	    kind: http
//	    config: {url: "https://example.com/temp", interval: 5s}
//	    pipeline:
//	      - {type: select, fields: [temp]}
//	bindings:
//	  - source: data.api.temp
//	    target: {component_id: label, property: text}
//	triggers:
//	  - id: hot
//	    condition: {kind: threshold, path: data.api.temp, threshold: 30, direction: above}
//	    action: log
//
// SafeConfig wraps a Config for concurrent readers and validates replacements.
package config
