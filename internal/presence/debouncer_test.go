package presence

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-collab/internal/channel"
	"github.com/spec-kit/ticket-collab/internal/config"
)

type fakePublisher struct {
	connected bool
	published []channel.TypingPayload
}

func (f *fakePublisher) Publish(_ string, payload any) error {
	f.published = append(f.published, payload.(channel.TypingPayload))
	return nil
}

func (f *fakePublisher) Connected() bool { return f.connected }

func testDebouncer(ch *fakePublisher, clock clockwork.Clock) *Debouncer {
	cfg := config.PresenceConfig{ThrottleSeconds: 3, ExpirySeconds: 4}
	return newDebouncer("t-1", "user-self", ch, cfg, zap.NewNop(), clock)
}

func typingFrame(t *testing.T, userID string, typing bool) channel.Frame {
	t.Helper()
	payload, err := json.Marshal(channel.TypingPayload{UserID: userID, Typing: typing})
	require.NoError(t, err)
	return channel.Frame{
		Type:    channel.FrameEvent,
		Topic:   channel.TypingTopic("t-1"),
		Payload: payload,
	}
}

func TestNotifyTyping_TrueIsThrottled(t *testing.T) {
	req := require.New(t)
	ch := &fakePublisher{connected: true}
	clock := clockwork.NewFakeClock()
	deb := testDebouncer(ch, clock)

	// Given a burst of keystrokes inside one throttle window
	deb.NotifyTyping(true)
	deb.NotifyTyping(true)
	deb.NotifyTyping(true)

	// Then only the first signal went out
	req.Len(ch.published, 1)
	req.True(ch.published[0].Typing)

	// When the window elapses, the next keystroke signals again
	clock.Advance(3 * time.Second)
	deb.NotifyTyping(true)
	req.Len(ch.published, 2)
}

func TestNotifyTyping_FalseIsNeverSuppressed(t *testing.T) {
	req := require.New(t)
	ch := &fakePublisher{connected: true}
	clock := clockwork.NewFakeClock()
	deb := testDebouncer(ch, clock)

	// Given the throttle token was just consumed
	deb.NotifyTyping(true)
	// When the composer empties immediately after
	deb.NotifyTyping(false)

	// Then the stop signal still goes out
	req.Len(ch.published, 2)
	req.False(ch.published[1].Typing)
}

func TestNotifyTyping_SkippedWhileDisconnected(t *testing.T) {
	req := require.New(t)
	ch := &fakePublisher{connected: false}
	deb := testDebouncer(ch, clockwork.NewFakeClock())

	deb.NotifyTyping(true)
	deb.NotifyTyping(false)

	req.Empty(ch.published)
}

func TestNotifyTyping_OfflineKeystrokeDoesNotSpendThrottle(t *testing.T) {
	req := require.New(t)
	ch := &fakePublisher{connected: false}
	deb := testDebouncer(ch, clockwork.NewFakeClock())

	// Given a keystroke while the channel is down
	deb.NotifyTyping(true)
	req.Empty(ch.published)

	// When the connection returns inside the same throttle window
	ch.connected = true
	deb.NotifyTyping(true)

	// Then the first real keystroke still signals
	req.Len(ch.published, 1)
	req.True(ch.published[0].Typing)
}

func TestHandleFrame_IndicatorExpiresWithoutExplicitStop(t *testing.T) {
	req := require.New(t)
	clock := clockwork.NewFakeClock()
	deb := testDebouncer(&fakePublisher{connected: true}, clock)

	// Given a peer starts typing and then their tab dies
	deb.HandleFrame(typingFrame(t, "user-peer", true))
	typists := deb.Typists()
	req.Len(typists, 1)
	req.Equal("user-peer", typists[0].UserID)
	req.Equal("t-1", typists[0].TicketID)

	// When the expiry elapses with no further signal
	clock.Advance(5 * time.Second)

	// Then the indicator clears on its own
	require.Eventually(t, func() bool { return len(deb.Typists()) == 0 },
		time.Second, 5*time.Millisecond)
}

func TestHandleFrame_RepeatSignalRearmsExpiry(t *testing.T) {
	req := require.New(t)
	clock := clockwork.NewFakeClock()
	deb := testDebouncer(&fakePublisher{connected: true}, clock)

	deb.HandleFrame(typingFrame(t, "user-peer", true))
	clock.Advance(3 * time.Second)
	// a fresh signal just before expiry restarts the countdown
	deb.HandleFrame(typingFrame(t, "user-peer", true))
	clock.Advance(3 * time.Second)

	typists := deb.Typists()
	req.Len(typists, 1)
	req.Equal("user-peer", typists[0].UserID)
}

func TestHandleFrame_RearmAtExpiryBoundaryStaysVisible(t *testing.T) {
	req := require.New(t)
	clock := clockwork.NewFakeClock()
	deb := testDebouncer(&fakePublisher{connected: true}, clock)

	deb.HandleFrame(typingFrame(t, "user-peer", true))
	// the expiry fires just as a fresh signal rearms the indicator
	clock.Advance(4 * time.Second)
	deb.HandleFrame(typingFrame(t, "user-peer", true))

	// the first timer's leftover callback does not clear the rearm
	require.Never(t, func() bool { return len(deb.Typists()) == 0 },
		100*time.Millisecond, 5*time.Millisecond)
	req.Len(deb.Typists(), 1)
}

func TestHandleFrame_ExplicitStopClearsImmediately(t *testing.T) {
	req := require.New(t)
	clock := clockwork.NewFakeClock()
	deb := testDebouncer(&fakePublisher{connected: true}, clock)

	deb.HandleFrame(typingFrame(t, "user-peer", true))
	deb.HandleFrame(typingFrame(t, "user-peer", false))

	req.Empty(deb.Typists())
}

func TestHandleFrame_OwnEchoIsIgnored(t *testing.T) {
	req := require.New(t)
	deb := testDebouncer(&fakePublisher{connected: true}, clockwork.NewFakeClock())

	deb.HandleFrame(typingFrame(t, "user-self", true))

	req.Empty(deb.Typists())
}

func TestStop_CancelsPendingExpiryTimers(t *testing.T) {
	req := require.New(t)
	clock := clockwork.NewFakeClock()
	deb := testDebouncer(&fakePublisher{connected: true}, clock)

	deb.HandleFrame(typingFrame(t, "user-a", true))
	deb.HandleFrame(typingFrame(t, "user-b", true))
	deb.Stop()

	req.Empty(deb.Typists())
}
