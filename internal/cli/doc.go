// Package cli is responsible for parsing command-line arguments, layering
// flags, STAGEGRID_* environment variables and an optional config file into
// the application configuration, and mapping run outcomes to process exit
// codes.
package cli
