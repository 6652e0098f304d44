// Package grpc provides the gRPC server exposing the standard health
// service (grpc.health.v1) and server reflection.
package grpc
