// Package common holds helpers shared by several services.
//
// It provides a lightweight gRPC client for the status service, host
// detection for the run log and a single-instance guard.
//
//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common
