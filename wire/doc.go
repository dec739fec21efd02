// Package wire implements the client protocol: length-prefixed CBOR
// frames over a unix socket, with file descriptors carried as
// SCM_RIGHTS ancillary data.
//
// Each frame addresses a member of a node by (node id, aspect id,
// opcode). Signals are fire-and-forget; methods correlate a reply
// through a pending-call table keyed by request id. A [Messenger] owns
// one connection and is driven by two goroutines, one calling
// [Messenger.Dispatch] and one calling [Messenger.Flush]. Both ends of
// a connection use the same type, so a client is just a messenger plus
// a [Scenegraph] that handles the members the server invokes on it.
//
// Bodies are deterministic CBOR: structs as positional arrays, unions
// as [discriminant, value] pairs, optionals as null-or-value, node
// references as the referenced node's 64-bit id.
package wire
