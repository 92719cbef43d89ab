// Package udp implements the datagram transport endpoint engine: endpoint
// lifecycle, the bind table that demultiplexes inbound datagrams, IPv4 and
// IPv6 datagram assembly, receive-side classification with ancillary data,
// and the mapping of ICMP errors onto endpoints.
//
// # Lifecycle
//
//  1. Stack.NewEndpoint creates an unbound endpoint for one address family
//  2. Bind assigns a local address and port and inserts it into the bind table
//  3. Connect sets a default peer; Disconnect removes it again
//  4. Send assembles a complete IP datagram and hands it to the NetworkLayer
//  5. Stack.DeliverPacket classifies inbound datagrams and calls Upcalls.Deliver
//  6. Close removes the endpoint from the bind table
//
// # Locking
//
// Each endpoint has a reader/writer lock for its options. Each bind table
// bucket has a mutex guarding its list and the bound address, port, state
// and peer of the endpoints on it. When both are needed the endpoint lock
// is taken first. Classification only takes bucket locks. No lock is held
// while calling the NetworkLayer or the Upcalls.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use.
package udp
