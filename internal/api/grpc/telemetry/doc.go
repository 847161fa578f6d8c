// Package telemetry implements the gRPC control plane of the controller.
//
// It exposes dronemarker.v1.StatusService, whose GetStatus call returns the
// current status snapshot as a google.protobuf.Struct, together with the
// standard grpc.health.v1.Health service.
package telemetry
