// Package rpc contains the wire messages and gRPC service descriptor used to push Snapshots
// from Workers to Collectors. Messages are encoded with protowire using the field numbers
// of s_snapshot.proto, so any protobuf implementation can interoperate with them.
package rpc
