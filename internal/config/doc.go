// Package config defines the format-agnostic model of a pipeline
// configuration together with the Loader and Evaluator interfaces that turn
// configuration files into validated stage descriptors.
//
// Loading and evaluation are separate steps: a Model is loaded once, and is
// evaluated against a Scope only after the run it belongs to is known, since
// expressions may reference the run id and run directories.
package config
