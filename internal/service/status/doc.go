// Package status implements the status subcommand, which queries a running
// controller over gRPC and prints its snapshot.
package status
