// Package app contains the core application logic. It wires the pipeline
// loader, the run directory, the artifact store, the ledger and the executor
// together and exposes one method per user-facing operation, decoupled from
// any specific entrypoint like a CLI.
package app
