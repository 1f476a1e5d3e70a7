package channel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-collab/internal/config"
)

type fakeConn struct {
	inbound chan []byte
	errs    chan error
	done    chan struct{}

	mu     sync.Mutex
	writes []Frame
	once   sync.Once
}

func newFakeConn() *fakeConn {
	c := &fakeConn{
		inbound: make(chan []byte, 16),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
	}
	// the server side of a successful handshake
	c.serve(Frame{Type: FrameAuthOK})
	return c
}

func (c *fakeConn) serve(frame Frame) {
	data, _ := json.Marshal(frame)
	c.inbound <- data
}

func (c *fakeConn) failRead(err error) {
	c.errs <- err
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.inbound:
		return 1, data, nil
	case err := <-c.errs:
		return 0, nil, err
	case <-c.done:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, v.(Frame))
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) framesOfType(ft FrameType) []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Frame
	for _, frame := range c.writes {
		if frame.Type == ft {
			out = append(out, frame)
		}
	}
	return out
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	dials int
}

func (d *fakeDialer) dial(context.Context, string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dials >= len(d.conns) {
		return nil, errors.New("no connection available")
	}
	conn := d.conns[d.dials]
	d.dials++
	return conn, nil
}

func testConfig() config.ChannelConfig {
	return config.ChannelConfig{
		URL:                   "ws://127.0.0.1:8081/channel",
		ReconnectDelaySeconds: 3,
		HandshakeTimeoutSec:   10,
		WriteTimeoutSec:       10,
	}
}

func testManager(t *testing.T, conns ...*fakeConn) (*Manager, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	dialer := &fakeDialer{conns: conns}
	mgr := newManager(testConfig(), "token-123", zap.NewNop(), dialer.dial, clock)
	t.Cleanup(func() { _ = mgr.Close() })
	return mgr, clock
}

func TestOpen_PerformsAuthHandshake(t *testing.T) {
	req := require.New(t)
	conn := newFakeConn()
	mgr, _ := testManager(t, conn)

	req.NoError(mgr.Open(context.Background()))
	req.True(mgr.Connected())

	// the first frame out carries the bearer token
	auths := conn.framesOfType(FrameAuth)
	req.Len(auths, 1)
	var payload AuthPayload
	req.NoError(json.Unmarshal(auths[0].Payload, &payload))
	req.Equal("token-123", payload.Token)
}

func TestOpen_FailsWhenHandshakeRefused(t *testing.T) {
	req := require.New(t)
	conn := &fakeConn{
		inbound: make(chan []byte, 16),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
	}
	conn.serve(Frame{Type: FrameError})
	mgr, _ := testManager(t, conn)

	req.Error(mgr.Open(context.Background()))
	req.False(mgr.Connected())
}

func TestSubscribe_SharesOneServerSubscriptionPerTopic(t *testing.T) {
	req := require.New(t)
	conn := newFakeConn()
	mgr, _ := testManager(t, conn)
	req.NoError(mgr.Open(context.Background()))

	topic := MessagesTopic("t-1")

	// Given two consumers of the same topic
	unsubA := mgr.Subscribe(topic, func(Frame) {})
	unsubB := mgr.Subscribe(topic, func(Frame) {})

	// Then only the first arrival subscribed server-side
	req.Len(conn.framesOfType(FrameSubscribe), 1)

	// When the first consumer leaves, the subscription stays
	unsubA()
	req.Empty(conn.framesOfType(FrameUnsubscribe))

	// and only the last one leaving tears it down
	unsubB()
	unsubB() // releasing twice is harmless
	req.Len(conn.framesOfType(FrameUnsubscribe), 1)
}

func TestDispatch_RoutesEventToTopicHandler(t *testing.T) {
	req := require.New(t)
	conn := newFakeConn()
	mgr, _ := testManager(t, conn)
	req.NoError(mgr.Open(context.Background()))

	var mu sync.Mutex
	var got []Frame
	mgr.Subscribe(MessagesTopic("t-1"), func(f Frame) {
		mu.Lock()
		got = append(got, f)
		mu.Unlock()
	})

	conn.serve(Frame{Type: FrameEvent, Topic: MessagesTopic("t-1"), ID: "f-1"})
	// frames for topics nobody subscribed are dropped silently
	conn.serve(Frame{Type: FrameEvent, Topic: MessagesTopic("t-other"), ID: "f-2"})
	conn.serve(Frame{Type: FrameEvent, Topic: MessagesTopic("t-1"), ID: "f-3"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	req.Equal("f-1", got[0].ID)
	req.Equal("f-3", got[1].ID)
	mu.Unlock()
}

func TestPublish_ReturnsErrNotConnectedWhileDown(t *testing.T) {
	req := require.New(t)
	mgr, _ := testManager(t)

	err := mgr.Publish(SendDestination("t-1"), ChatPayload{Body: "hello"})

	req.ErrorIs(err, ErrNotConnected)
}

func TestPublish_WritesFrameOnDestination(t *testing.T) {
	req := require.New(t)
	conn := newFakeConn()
	mgr, _ := testManager(t, conn)
	req.NoError(mgr.Open(context.Background()))

	req.NoError(mgr.Publish(SendDestination("t-1"), ChatPayload{Body: "hello"}))

	frames := conn.framesOfType(FramePublish)
	req.Len(frames, 1)
	req.Equal(SendDestination("t-1"), frames[0].Topic)
	var payload ChatPayload
	req.NoError(json.Unmarshal(frames[0].Payload, &payload))
	req.Equal("hello", payload.Body)
}

func TestReconnect_ReplaysActiveSubscriptions(t *testing.T) {
	req := require.New(t)
	conn1 := newFakeConn()
	conn2 := newFakeConn()
	mgr, clock := testManager(t, conn1, conn2)
	req.NoError(mgr.Open(context.Background()))

	mgr.Subscribe(MessagesTopic("t-1"), func(Frame) {})
	mgr.Subscribe(TypingTopic("t-1"), func(Frame) {})

	// When the connection drops
	conn1.failRead(errors.New("broken pipe"))
	require.Eventually(t, func() bool { return !mgr.Connected() },
		time.Second, 5*time.Millisecond)
	req.ErrorIs(mgr.Publish(SendDestination("t-1"), ChatPayload{Body: "x"}), ErrNotConnected)

	// Then after the fixed delay it redials and resubscribes everything
	clock.BlockUntil(1)
	clock.Advance(3 * time.Second)
	require.Eventually(t, func() bool { return mgr.Connected() },
		time.Second, 5*time.Millisecond)

	req.Len(conn2.framesOfType(FrameAuth), 1)
	resubs := conn2.framesOfType(FrameSubscribe)
	req.Len(resubs, 2)
	topics := []string{resubs[0].Topic, resubs[1].Topic}
	req.ElementsMatch([]string{MessagesTopic("t-1"), TypingTopic("t-1")}, topics)
}

func TestReconnect_KeepsRetryingAfterFailedDial(t *testing.T) {
	req := require.New(t)
	conn1 := newFakeConn()
	// dialer has no second conn yet, so the first retry fails
	dialer := &fakeDialer{conns: []*fakeConn{conn1}}
	clock := clockwork.NewFakeClock()
	mgr := newManager(testConfig(), "token-123", zap.NewNop(), dialer.dial, clock)
	t.Cleanup(func() { _ = mgr.Close() })
	req.NoError(mgr.Open(context.Background()))

	conn1.failRead(errors.New("broken pipe"))
	require.Eventually(t, func() bool { return !mgr.Connected() },
		time.Second, 5*time.Millisecond)

	clock.BlockUntil(1)
	clock.Advance(3 * time.Second)

	// a later attempt finds the server back
	conn2 := newFakeConn()
	dialer.mu.Lock()
	dialer.conns = append(dialer.conns, conn2)
	dialer.mu.Unlock()

	clock.BlockUntil(1)
	clock.Advance(3 * time.Second)
	require.Eventually(t, func() bool { return mgr.Connected() },
		time.Second, 5*time.Millisecond)
	req.Len(conn2.framesOfType(FrameAuth), 1)
}

func TestSubscribe_BeforeOpenIsReplayedOnConnect(t *testing.T) {
	req := require.New(t)
	conn := newFakeConn()
	mgr, _ := testManager(t, conn)

	// subscriptions registered while offline send nothing yet
	mgr.Subscribe(MessagesTopic("t-1"), func(Frame) {})

	req.NoError(mgr.Open(context.Background()))

	subs := conn.framesOfType(FrameSubscribe)
	req.Len(subs, 1)
	req.Equal(MessagesTopic("t-1"), subs[0].Topic)
}
