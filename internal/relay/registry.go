package relay

import (
	"sort"
	"sync"
)

// Registry is the concurrent store of currently live peers. An entry exists
// in the registry iff its connection is considered live by the relay: peers
// are inserted after a successful upgrade and removed exactly once when
// their session's receive loop exits.
type Registry struct {
	mu    sync.Mutex
	peers map[string]*Peer
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]*Peer)}
}

// Insert adds or replaces the entry for p's id and returns the resulting
// peer count. When a peer with the same id was already registered, it is
// returned as displaced; the caller is responsible for closing it so no
// live connection is left outside the registry.
func (r *Registry) Insert(p *Peer) (count int, displaced *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.peers[p.id]; ok && prev != p {
		displaced = prev
	}
	r.peers[p.id] = p
	return len(r.peers), displaced
}

// Remove deletes p's entry if it is still the registered peer for its id.
// It reports whether this call removed the entry. A double remove, or a
// remove racing a duplicate-id insert that already displaced p, is a no-op.
func (r *Registry) Remove(p *Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.peers[p.id]; ok && cur == p {
		delete(r.peers, p.id)
		return true
	}
	return false
}

// SnapshotExcept returns every registered peer whose id differs from id,
// copied under a single lock acquisition so the fan-out set is consistent
// at one instant. The result is sorted by peer id. Peers that join or
// leave after the snapshot are not retroactively included or excluded.
func (r *Registry) SnapshotExcept(id string) []*Peer {
	r.mu.Lock()
	peers := make([]*Peer, 0, len(r.peers))
	for pid, p := range r.peers {
		if pid == id {
			continue
		}
		peers = append(peers, p)
	}
	r.mu.Unlock()

	sort.Slice(peers, func(i, j int) bool { return peers[i].id < peers[j].id })
	return peers
}

// UpdateDisplayName mutates the registered peer's display name in place.
// It reports whether a peer with the given id was present.
func (r *Registry) UpdateDisplayName(id, name string) bool {
	r.mu.Lock()
	p, ok := r.peers[id]
	r.mu.Unlock()

	if !ok {
		return false
	}
	p.setDisplayName(name)
	return true
}

// Len returns the number of registered peers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// CloseAll closes every registered peer's connection and returns how many
// were closed. Used during shutdown; the sessions' own cleanup paths remove
// the entries as their read loops observe the close.
func (r *Registry) CloseAll() int {
	r.mu.Lock()
	peers := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.mu.Unlock()

	for _, p := range peers {
		_ = p.Close()
	}
	return len(peers)
}
