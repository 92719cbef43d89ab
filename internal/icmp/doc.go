// Package icmp decodes ICMP and ICMPv6 error messages that quote a UDP
// datagram, and decides what each one means for the endpoint that sent it.
//
// # Effects
//
// Every notification maps to one of four effects:
//
//   - EffectFatal: the flow is dead. IPv4 port or protocol unreachable,
//     ICMPv6 port unreachable, and ICMPv6 "unrecognized next header"
//     pointing at the header that named UDP. The error is ECONNREFUSED.
//   - EffectPathMTU: ICMPv6 packet too big. The endpoint may ask to be told.
//   - EffectAdvisory: IPv4 fragmentation needed. The IP layer has already
//     adjusted its path MTU; nothing reaches the endpoint.
//   - EffectIgnore: everything else is transient.
//
// Parsing only needs the ICMP message itself, starting at the ICMP type
// byte. The quoted datagram must hold the inner IP header, any IPv6
// extension headers, and at least the UDP port fields.
package icmp
