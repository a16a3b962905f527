/*
Package transport carries node-to-node calls.

Every call is a JSON envelope naming a method, the calling node and a
body. A Mux dispatches envelopes to handlers. Two transports share it:

  - GRPC dials peers over a single unary gRPC method whose request and
    reply are google.protobuf.BytesValue messages holding the envelope
  - Local connects Mux instances inside one process through a Network,
    which can also mark nodes unreachable

Handler errors travel back as RemoteError. Errors implementing
ErrorCode keep their code across the wire.
*/
package transport
