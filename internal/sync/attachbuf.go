package sync

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/spec-kit/ticket-collab/internal/domain"
)

// AttachBuffer holds attachment events whose owning message is not
// known locally yet. Entries are keyed by message id and discarded
// after a bounded TTL so a message that never arrives (e.g. a send
// that was rolled back) cannot grow the buffer without limit.
type AttachBuffer struct {
	ttl   time.Duration
	clock clockwork.Clock

	mu      sync.Mutex
	gen     uint64
	pending map[string]*pendingAttachments
}

// Each entry carries the generation its timer was armed with. A timer
// that already fired when Take or a rearm stopped it still runs its
// callback; the generation check keeps that stale callback from
// discarding an entry buffered after it.
type pendingAttachments struct {
	atts  []domain.Attachment
	timer clockwork.Timer
	gen   uint64
}

// NewAttachBuffer constructs a buffer with the given TTL.
func NewAttachBuffer(ttl time.Duration, clock clockwork.Clock) *AttachBuffer {
	return &AttachBuffer{
		ttl:     ttl,
		clock:   clock,
		pending: make(map[string]*pendingAttachments),
	}
}

// Hold buffers an attachment under its message id. The first
// attachment for a key arms the discard timer; later ones share it.
func (b *AttachBuffer) Hold(att domain.Attachment) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if entry, ok := b.pending[att.MessageID]; ok {
		entry.atts = append(entry.atts, att)
		return
	}
	b.gen++
	gen := b.gen
	key := att.MessageID
	entry := &pendingAttachments{atts: []domain.Attachment{att}, gen: gen}
	entry.timer = b.clock.AfterFunc(b.ttl, func() {
		b.expire(key, gen)
	})
	b.pending[key] = entry
}

// Take removes and returns every attachment buffered for a message,
// cancelling the discard timer. Returns nil when nothing is pending.
func (b *AttachBuffer) Take(messageID string) []domain.Attachment {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.pending[messageID]
	if !ok {
		return nil
	}
	delete(b.pending, messageID)
	entry.timer.Stop()
	return entry.atts
}

// Len reports how many message keys currently have buffered
// attachments.
func (b *AttachBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Stop cancels every timer and drops all buffered attachments.
func (b *AttachBuffer) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, entry := range b.pending {
		entry.timer.Stop()
		delete(b.pending, key)
	}
}

func (b *AttachBuffer) expire(messageID string, gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.pending[messageID]
	if !ok || entry.gen != gen {
		return
	}
	delete(b.pending, messageID)
}
