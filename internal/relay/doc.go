// Package relay implements the peer-connection registry and message relay
// engine: it tracks live peers, decodes inbound envelopes, dispatches them
// by method, and fans notifications out to every other connected peer.
//
// Each connection is driven by one Session goroutine running a receive loop.
// The Registry is the only state shared across sessions; all mutation and
// snapshot reads go through its single lock, held only long enough for the
// map operation itself. Physical writes to a peer are serialized by a
// per-peer mutex independent of the registry lock, so a slow peer cannot
// stall registry operations or other peers' sends.
package relay
