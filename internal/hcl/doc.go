// Package hcl provides the HCL implementation of the config.Loader and
// config.Evaluator interfaces. It parses pipeline files, translates their
// blocks into the config model and evaluates stage expressions into stage
// descriptors.
package hcl
