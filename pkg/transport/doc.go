/*
Package transport delivers messages between nodes and the failover manager.

Two implementations share the Transport interface: InmemNetwork connects
transports inside one process and can cut links between them, and
GRPCTransport carries the same envelopes over gRPC unary calls. Handlers
never block the transport; they answer through a ReceiverContext, possibly
long after the handler returned.

FMTransport wraps a Transport on a node and keeps track of where the FM
primary currently lives.
*/
package transport
