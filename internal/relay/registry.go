package relay

import (
	"sync"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"
)

const peerQueueSize = 64

// Peer is one client connection. Frames queued with push are written by the
// peer's write loop in order.
type Peer struct {
	ID      string
	conn    *websocket.Conn
	out     chan []byte
	limiter *rate.Limiter // nil means unlimited

	mu     sync.Mutex
	thread string
}

func newPeer(id string, conn *websocket.Conn, limiter *rate.Limiter) *Peer {
	return &Peer{ID: id, conn: conn, out: make(chan []byte, peerQueueSize), limiter: limiter}
}

// Thread returns the thread the peer is subscribed to.
func (p *Peer) Thread() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.thread
}

func (p *Peer) setThread(id string) (prev string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev, p.thread = p.thread, id
	return prev
}

// push queues a frame. It reports false when the peer's queue is full.
func (p *Peer) push(data []byte) bool {
	select {
	case p.out <- data:
		return true
	default:
		return false
	}
}

// Registry tracks connected peers and their thread subscriptions.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*Peer
}

func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]*Peer)}
}

func (r *Registry) Add(p *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[p.ID] = p
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, id)
}

func (r *Registry) Get(id string) *Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peers[id]
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// All returns every connected peer.
func (r *Registry) All() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		result = append(result, p)
	}
	return result
}

// Subscribers returns the peers subscribed to threadID.
func (r *Registry) Subscribers(threadID string) []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []*Peer
	for _, p := range r.peers {
		if p.Thread() == threadID {
			result = append(result, p)
		}
	}
	return result
}
