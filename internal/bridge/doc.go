// Package bridge relays WebSocket connections to a TCP endpoint.
//
// A Bridge serves WebSocket upgrades and, once given a target with
// Forward, opens one outbound TCP connection per accepted WebSocket and
// copies bytes both ways. Each leg of a relay buffers writes until it is
// ready; the buffer is flushed once, as a single write, and every later
// write passes straight through.
//
// Targets whose host ends in ".local" are resolved with a single mDNS A
// query.
package bridge
