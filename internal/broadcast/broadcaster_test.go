package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/nowplaying/internal/domain"
	"github.com/pscheid92/nowplaying/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedSource replays a fixed sequence of fetch results, then repeats the last one.
type scriptedSource struct {
	mu    sync.Mutex
	steps []fetchStep
	calls int
}

type fetchStep struct {
	snapshot *domain.PlaybackSnapshot
	err      error
}

func (s *scriptedSource) CurrentPlayback(_ context.Context) (*domain.PlaybackSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := min(s.calls, len(s.steps)-1)
	s.calls++
	step := s.steps[i]
	if step.snapshot == nil {
		return nil, step.err
	}
	snap := *step.snapshot
	return &snap, step.err
}

func (s *scriptedSource) set(steps ...fetchStep) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = steps
	s.calls = 0
}

func playing(snap domain.PlaybackSnapshot) fetchStep { return fetchStep{snapshot: &snap} }

var nothing = fetchStep{}

// recordingConn records every payload it is sent.
type recordingConn struct {
	id uuid.UUID

	mu       sync.Mutex
	received [][]byte
	sendErr  error
	block    bool // block until ctx is done
}

func newRecordingConn() *recordingConn { return &recordingConn{id: uuid.New()} }

func (c *recordingConn) ID() uuid.UUID { return c.id }
func (c *recordingConn) Close() error  { return nil }

func (c *recordingConn) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	block, sendErr := c.block, c.sendErr
	c.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if sendErr != nil {
		return sendErr
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.received = append(c.received, append([]byte(nil), data...))
	return nil
}

func (c *recordingConn) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.received))
	for i, m := range c.received {
		out[i] = string(m)
	}
	return out
}

var (
	trackA = domain.PlaybackSnapshot{Track: "A", Artist: "X", ProgressMs: 1000, DurationMs: 180000, IsPlaying: true}
	trackB = domain.PlaybackSnapshot{Track: "B", Artist: "Y", ProgressMs: 0, DurationMs: 200000, IsPlaying: true}
)

func payloadOf(t *testing.T, s domain.PlaybackSnapshot) string {
	t.Helper()
	data, err := s.Payload()
	require.NoError(t, err)
	return string(data)
}

func newTestBroadcaster(source domain.NowPlayingSource, reg domain.ConnRegistry) *Broadcaster {
	return NewBroadcaster(source, reg, clockwork.NewFakeClock(), Options{
		PollInterval: time.Second,
		FetchTimeout: time.Second,
		SendTimeout:  200 * time.Millisecond,
	})
}

func TestBroadcaster_ChangeSuppression(t *testing.T) {
	source := &scriptedSource{}
	source.set(playing(trackA), playing(trackA), playing(trackB), playing(trackB), playing(trackB), playing(trackA))
	reg := registry.New()
	conn := newRecordingConn()
	reg.Register(conn)
	b := newTestBroadcaster(source, reg)

	var changedAt []int
	for i := range 6 {
		if b.Poll(context.Background()).Changed {
			changedAt = append(changedAt, i)
		}
	}

	assert.Equal(t, []int{0, 2, 5}, changedAt)
	assert.Equal(t, []string{payloadOf(t, trackA), payloadOf(t, trackB), payloadOf(t, trackA)}, conn.messages())
}

func TestBroadcaster_ProgressChangeIsAChange(t *testing.T) {
	later := trackA
	later.ProgressMs += 1000

	source := &scriptedSource{}
	source.set(playing(trackA), playing(later))
	b := newTestBroadcaster(source, registry.New())

	assert.True(t, b.Poll(context.Background()).Changed)
	assert.True(t, b.Poll(context.Background()).Changed)
}

func TestBroadcaster_SendFailureIsIsolated(t *testing.T) {
	source := &scriptedSource{}
	source.set(playing(trackA))
	reg := registry.New()

	broken := newRecordingConn()
	broken.sendErr = domain.ErrConnectionClosed
	y, z := newRecordingConn(), newRecordingConn()
	reg.Register(broken)
	reg.Register(y)
	reg.Register(z)

	result := newTestBroadcaster(source, reg).Poll(context.Background())

	assert.True(t, result.Changed)
	assert.Equal(t, 3, result.Attempted)
	assert.Equal(t, 2, result.Delivered)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, []string{payloadOf(t, trackA)}, y.messages())
	assert.Equal(t, []string{payloadOf(t, trackA)}, z.messages())
	assert.Empty(t, broken.messages())

	// A failed send does not unregister the handle; its own read loop does that.
	assert.Equal(t, 3, reg.Len())
}

func TestBroadcaster_SlowClientBoundedBySendTimeout(t *testing.T) {
	source := &scriptedSource{}
	source.set(playing(trackA))
	reg := registry.New()

	slow := newRecordingConn()
	slow.block = true
	fast := newRecordingConn()
	reg.Register(slow)
	reg.Register(fast)

	b := NewBroadcaster(source, reg, clockwork.NewRealClock(), Options{
		PollInterval: time.Second,
		SendTimeout:  50 * time.Millisecond,
	})

	start := time.Now()
	result := b.Poll(context.Background())

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, result.Delivered)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, []string{payloadOf(t, trackA)}, fast.messages())
	assert.Equal(t, payloadOf(t, trackA), string(b.LastPayload()))
}

// stuckConn ignores its context entirely.
type stuckConn struct {
	id      uuid.UUID
	release chan struct{}
}

func (c *stuckConn) ID() uuid.UUID { return c.id }
func (c *stuckConn) Close() error  { return nil }
func (c *stuckConn) Send(context.Context, []byte) error {
	<-c.release
	return nil
}

func TestBroadcaster_AbandonsSendIgnoringContext(t *testing.T) {
	source := &scriptedSource{}
	source.set(playing(trackA))
	reg := registry.New()

	stuck := &stuckConn{id: uuid.New(), release: make(chan struct{})}
	t.Cleanup(func() { close(stuck.release) })
	ok := newRecordingConn()
	reg.Register(stuck)
	reg.Register(ok)

	b := NewBroadcaster(source, reg, clockwork.NewRealClock(), Options{SendTimeout: 20 * time.Millisecond})

	done := make(chan CycleResult, 1)
	go func() { done <- b.Poll(context.Background()) }()

	select {
	case result := <-done:
		assert.Equal(t, 1, result.Delivered)
		assert.Equal(t, 1, result.Failed)
	case <-time.After(2 * time.Second):
		t.Fatal("poll blocked on a send that ignores its context")
	}
}

func TestBroadcaster_NothingPlayingKeepsLastSent(t *testing.T) {
	source := &scriptedSource{}
	source.set(playing(trackA))
	reg := registry.New()
	conn := newRecordingConn()
	reg.Register(conn)
	b := newTestBroadcaster(source, reg)

	require.True(t, b.Poll(context.Background()).Changed)

	source.set(nothing)
	for range 10 {
		result := b.Poll(context.Background())
		assert.False(t, result.Fetched)
		assert.False(t, result.Changed)
	}

	assert.Len(t, conn.messages(), 1)
	assert.Equal(t, payloadOf(t, trackA), string(b.LastPayload()))

	// Same track resuming after the gap is not re-sent.
	source.set(playing(trackA))
	assert.False(t, b.Poll(context.Background()).Changed)
}

func TestBroadcaster_FetchErrorTreatedAsNothing(t *testing.T) {
	source := &scriptedSource{}
	source.set(playing(trackA))
	reg := registry.New()
	conn := newRecordingConn()
	reg.Register(conn)
	b := newTestBroadcaster(source, reg)
	b.Poll(context.Background())

	source.set(fetchStep{err: errors.New("spotify unreachable")})
	for range 3 {
		assert.Equal(t, CycleResult{}, b.Poll(context.Background()))
	}

	assert.Len(t, conn.messages(), 1)
	assert.Equal(t, payloadOf(t, trackA), string(b.LastPayload()))
}

func TestBroadcaster_LateJoinerWaitsForNextChange(t *testing.T) {
	source := &scriptedSource{}
	source.set(playing(trackA))
	reg := registry.New()
	early := newRecordingConn()
	reg.Register(early)
	b := newTestBroadcaster(source, reg)

	b.Poll(context.Background())

	late := newRecordingConn()
	reg.Register(late)
	b.Poll(context.Background())
	assert.Empty(t, late.messages(), "late joiner must not get the unchanged state")

	source.set(playing(trackB))
	b.Poll(context.Background())

	assert.Equal(t, []string{payloadOf(t, trackB)}, late.messages())
	assert.Equal(t, []string{payloadOf(t, trackA), payloadOf(t, trackB)}, early.messages())
}

func TestBroadcaster_NoClientsStillRecordsLastSent(t *testing.T) {
	source := &scriptedSource{}
	source.set(playing(trackA))
	b := newTestBroadcaster(source, registry.New())

	assert.Nil(t, b.LastPayload())
	result := b.Poll(context.Background())

	assert.True(t, result.Changed)
	assert.Equal(t, 0, result.Attempted)
	assert.Equal(t, payloadOf(t, trackA), string(b.LastPayload()))
}

type panickingSource struct{}

func (panickingSource) CurrentPlayback(context.Context) (*domain.PlaybackSnapshot, error) {
	panic("boom")
}

func TestBroadcaster_PanicRecovered(t *testing.T) {
	b := newTestBroadcaster(panickingSource{}, registry.New())

	assert.NotPanics(t, func() { b.Poll(context.Background()) })
	assert.Nil(t, b.LastPayload())
}

func TestBroadcaster_RunPollsOnEveryTick(t *testing.T) {
	clock := clockwork.NewFakeClock()
	source := &scriptedSource{}
	source.set(playing(trackA))
	reg := registry.New()
	conn := newRecordingConn()
	reg.Register(conn)

	b := NewBroadcaster(source, reg, clock, Options{PollInterval: time.Second, SendTimeout: 100 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	// First poll runs immediately.
	assert.Eventually(t, func() bool { return len(conn.messages()) == 1 }, 2*time.Second, 5*time.Millisecond)
	// LastPayload is stored after the fan-out's deadline timer is stopped, leaving the ticker as the only waiter.
	assert.Eventually(t, func() bool { return b.LastPayload() != nil }, 2*time.Second, 5*time.Millisecond)

	source.set(playing(trackB))
	clock.BlockUntil(1)
	clock.Advance(time.Second)

	assert.Eventually(t, func() bool { return len(conn.messages()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, payloadOf(t, trackB), conn.messages()[1])

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// gateConn reports when its Send starts and then blocks until released.
type gateConn struct {
	id      uuid.UUID
	entered chan struct{}
	release chan struct{}
}

func newGateConn() *gateConn {
	return &gateConn{id: uuid.New(), entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (c *gateConn) ID() uuid.UUID { return c.id }
func (c *gateConn) Close() error  { return nil }
func (c *gateConn) Send(context.Context, []byte) error {
	select {
	case c.entered <- struct{}{}:
	default:
	}
	<-c.release
	return nil
}

func TestBroadcaster_AdmitDuringFanOutReplaysNewPayload(t *testing.T) {
	source := &scriptedSource{}
	source.set(playing(trackA))
	reg := registry.New()
	b := NewBroadcaster(source, reg, clockwork.NewRealClock(), Options{SendTimeout: 200 * time.Millisecond})
	b.Poll(context.Background())

	// Hold the next fan-out open on a client that never answers in time.
	gate := newGateConn()
	t.Cleanup(func() { close(gate.release) })
	reg.Register(gate)

	source.set(playing(trackB))
	done := make(chan struct{})
	go func() {
		b.Poll(context.Background())
		close(done)
	}()

	select {
	case <-gate.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("fan-out did not start")
	}

	late := newRecordingConn()
	require.NoError(t, b.Admit(context.Background(), late, true))
	<-done

	assert.Equal(t, []string{payloadOf(t, trackB)}, late.messages())
}

func TestBroadcaster_AdmitBeforeChangeGetsReplayThenChange(t *testing.T) {
	source := &scriptedSource{}
	source.set(playing(trackA))
	reg := registry.New()
	b := newTestBroadcaster(source, reg)
	b.Poll(context.Background())

	late := newRecordingConn()
	require.NoError(t, b.Admit(context.Background(), late, true))
	assert.Equal(t, 1, reg.Len())

	source.set(playing(trackB))
	b.Poll(context.Background())

	assert.Equal(t, []string{payloadOf(t, trackA), payloadOf(t, trackB)}, late.messages())
}

func TestBroadcaster_AdmitWithoutReplay(t *testing.T) {
	source := &scriptedSource{}
	source.set(playing(trackA))
	reg := registry.New()
	b := newTestBroadcaster(source, reg)
	b.Poll(context.Background())

	conn := newRecordingConn()
	require.NoError(t, b.Admit(context.Background(), conn, false))

	assert.Empty(t, conn.messages())
	assert.Equal(t, 1, reg.Len())
}

func TestBroadcaster_AdmitReplayFailureDoesNotRegister(t *testing.T) {
	source := &scriptedSource{}
	source.set(playing(trackA))
	reg := registry.New()
	b := newTestBroadcaster(source, reg)
	b.Poll(context.Background())

	broken := newRecordingConn()
	broken.sendErr = domain.ErrConnectionClosed

	err := b.Admit(context.Background(), broken, true)

	require.ErrorIs(t, err, domain.ErrConnectionClosed)
	assert.Equal(t, 0, reg.Len())
}

type panickingConn struct{ id uuid.UUID }

func (c panickingConn) ID() uuid.UUID { return c.id }
func (c panickingConn) Close() error  { return nil }
func (c panickingConn) Send(context.Context, []byte) error {
	panic("write on torn-down socket")
}

func TestBroadcaster_PanickingSendIsIsolated(t *testing.T) {
	source := &scriptedSource{}
	source.set(playing(trackA))
	reg := registry.New()
	ok := newRecordingConn()
	reg.Register(panickingConn{id: uuid.New()})
	reg.Register(ok)
	b := newTestBroadcaster(source, reg)

	var result CycleResult
	require.NotPanics(t, func() { result = b.Poll(context.Background()) })

	assert.Equal(t, 2, result.Attempted)
	assert.Equal(t, 1, result.Delivered)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, []string{payloadOf(t, trackA)}, ok.messages())
	assert.Equal(t, payloadOf(t, trackA), string(b.LastPayload()))
}
