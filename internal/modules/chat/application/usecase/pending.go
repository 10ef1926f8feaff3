package usecase

import (
	"sync"

	"chatRelayWs/internal/modules/chat/application/port"
)

// PendingAcks holds the deliveries forwarded to a socket and not yet read, keyed by
// message id.
type PendingAcks struct {
	mu      sync.Mutex
	entries map[string]port.Delivery
}

func NewPendingAcks() *PendingAcks {
	return &PendingAcks{entries: make(map[string]port.Delivery)}
}

// Put records d under id and reports whether an earlier entry was replaced.
func (p *PendingAcks) Put(id string, d port.Delivery) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, replaced := p.entries[id]
	p.entries[id] = d
	return replaced
}

// Take removes and returns the entry for id.
func (p *PendingAcks) Take(id string) (port.Delivery, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.entries[id]
	if ok {
		delete(p.entries, id)
	}
	return d, ok
}

// Restore puts back an entry taken for an ack that failed, unless a newer delivery of
// the same id arrived in between.
func (p *PendingAcks) Restore(id string, d port.Delivery) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[id]; !ok {
		p.entries[id] = d
	}
}

// Reset drops every entry without acking and returns how many there were.
func (p *PendingAcks) Reset() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.entries)
	p.entries = make(map[string]port.Delivery)
	return n
}

func (p *PendingAcks) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
