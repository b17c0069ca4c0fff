package transport

import (
	"sync"

	"go.uber.org/multierr"

	"github.com/luma/relay/message"
)

// Peer is something that can be sent broadcasts. *Session is the only
// implementation outside of tests.
type Peer interface {
	// Deliver queues msg to be sent to the peer. It's called with the
	// registry's read lock held, so while it blocks Add and Remove wait, and
	// because a waiting writer holds off new readers, so does every other
	// broadcast. A Session blocks for at most its throttle timeout, after
	// which it drops itself, so a broadcast reaching n stalled sessions can
	// hold the lock for up to n throttle timeouts once.
	Deliver(msg *message.Message)

	Close() error
}

// Registry is the set of peers that receive broadcasts.
//
// Broadcasts take the read lock so any number can run in parallel. Add and
// Remove take the write lock, so membership never changes under an in
// progress broadcast.
type Registry struct {
	mu    sync.RWMutex
	peers []Peer
}

func NewRegistry() *Registry {
	return &Registry{
		peers: make([]Peer, 0),
	}
}

// Add makes p eligible for every broadcast that starts after Add returns.
// Nothing broadcast before is replayed.
func (r *Registry) Add(p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.peers = append(r.peers, p)
}

// Remove stops p receiving broadcasts. It reports whether p was a member,
// removing a peer twice is harmless.
func (r *Registry) Remove(p Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, peer := range r.peers {
		if peer == p {
			last := len(r.peers) - 1
			copy(r.peers[i:], r.peers[i+1:])
			r.peers[last] = nil
			r.peers = r.peers[:last]
			return true
		}
	}

	return false
}

// Broadcast delivers msg to every member, the sender included, and returns
// how many peers it was delivered to.
func (r *Registry) Broadcast(msg *message.Message) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, peer := range r.peers {
		peer.Deliver(msg)
	}

	return len(r.peers)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.peers)
}

// Close removes and closes every member.
func (r *Registry) Close() (err error) {
	r.mu.Lock()
	peers := r.peers
	r.peers = make([]Peer, 0)
	r.mu.Unlock()

	// Closing a session makes it Remove itself, which needs the write lock
	for _, peer := range peers {
		err = multierr.Append(err, peer.Close())
	}

	return err
}
