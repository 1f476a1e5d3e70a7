package presence

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/spec-kit/ticket-collab/internal/channel"
	"github.com/spec-kit/ticket-collab/internal/config"
	"github.com/spec-kit/ticket-collab/internal/domain"
)

// Publisher is the slice of the channel manager the debouncer uses.
type Publisher interface {
	Publish(destination string, payload any) error
	Connected() bool
}

// Debouncer throttles outgoing typing signals for one ticket and
// expires stale inbound indicators. A typing=true signal is sent at
// most once per throttle interval; typing=false is never suppressed so
// presence clears promptly. Inbound indicators disappear after a fixed
// expiry even when the peer never sends an explicit stop (closed tab,
// crashed client). The own user's indicator is never displayed back.
type Debouncer struct {
	ticketID string
	selfID   string
	ch       Publisher
	clock    clockwork.Clock
	limiter  *rate.Limiter
	expiry   time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	gen    uint64
	active map[string]*typist
}

// gen ties the expiry callback to the arming that created it: a timer
// that already fired when a rearm stopped it still runs its callback,
// and the generation check keeps that stale callback from clearing the
// rearmed indicator.
type typist struct {
	timer clockwork.Timer
	since time.Time
	gen   uint64
}

// NewDebouncer constructs a debouncer scoped to one ticket.
func NewDebouncer(ticketID, selfID string, ch Publisher, cfg config.PresenceConfig, logger *zap.Logger) *Debouncer {
	return newDebouncer(ticketID, selfID, ch, cfg, logger, clockwork.NewRealClock())
}

func newDebouncer(ticketID, selfID string, ch Publisher, cfg config.PresenceConfig, logger *zap.Logger, clock clockwork.Clock) *Debouncer {
	return &Debouncer{
		ticketID: ticketID,
		selfID:   selfID,
		ch:       ch,
		clock:    clock,
		limiter:  rate.NewLimiter(rate.Every(cfg.Throttle()), 1),
		expiry:   cfg.Expiry(),
		logger:   logger,
		active:   make(map[string]*typist),
	}
}

// NotifyTyping publishes the caller's typing state. True signals are
// rate limited per ticket; false goes out immediately. Publish
// failures are swallowed: presence is best effort.
func (d *Debouncer) NotifyTyping(typing bool) {
	if !d.ch.Connected() {
		// nothing goes out, so no throttle token is spent either
		return
	}
	if typing && !d.limiter.AllowN(d.clock.Now(), 1) {
		return
	}
	err := d.ch.Publish(channel.TypingTopic(d.ticketID), channel.TypingPayload{
		UserID: d.selfID,
		Typing: typing,
	})
	if err != nil {
		d.logger.Debug("typing signal dropped", zap.Error(err))
	}
}

// Bind subscribes the debouncer to the ticket's typing topic and
// returns the release function.
func (d *Debouncer) Bind(mgr *channel.Manager) func() {
	return mgr.Subscribe(channel.TypingTopic(d.ticketID), d.HandleFrame)
}

// HandleFrame applies an inbound typing indicator.
func (d *Debouncer) HandleFrame(frame channel.Frame) {
	var payload channel.TypingPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		d.logger.Warn("unparseable typing event", zap.Error(err))
		return
	}
	if payload.UserID == d.selfID {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	userID := payload.UserID
	since := d.clock.Now()
	if entry, armed := d.active[userID]; armed {
		entry.timer.Stop()
		since = entry.since
		delete(d.active, userID)
	}
	if !payload.Typing {
		return
	}
	d.gen++
	gen := d.gen
	entry := &typist{since: since, gen: gen}
	entry.timer = d.clock.AfterFunc(d.expiry, func() {
		d.mu.Lock()
		if current, ok := d.active[userID]; ok && current.gen == gen {
			delete(d.active, userID)
		}
		d.mu.Unlock()
	})
	d.active[userID] = entry
}

// Typists returns the indicators currently shown as typing.
func (d *Debouncer) Typists() []domain.TypingIndicator {
	d.mu.Lock()
	defer d.mu.Unlock()
	indicators := make([]domain.TypingIndicator, 0, len(d.active))
	for userID, entry := range d.active {
		indicators = append(indicators, domain.TypingIndicator{
			TicketID: d.ticketID,
			UserID:   userID,
			Typing:   true,
			At:       entry.since,
		})
	}
	return indicators
}

// Stop cancels every expiry timer. Call on unmount; a disconnect must
// not leak timers, and the debouncer owns them independent of
// connection state.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for userID, entry := range d.active {
		entry.timer.Stop()
		delete(d.active, userID)
	}
}
