/*
Package security issues the certificates that secure the failover transport.

A CertAuthority is created once with `failover cert init` and kept in a
directory as ca.crt and ca.key. Every manager, agent and CLI user gets a
certificate signed by it (`failover cert issue`), stored next to a copy of
ca.crt. TLSConfig turns such a directory into a mutual TLS config for the
gRPC transport: peers without a certificate from the same CA are refused.

Keys are ECDSA P-256. Node certificates are valid for 90 days and
CertNeedsRotation reports when fewer than 30 remain.
*/
package security
