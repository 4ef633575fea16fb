package broadcast

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nksrentas/carbonpulse/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSession records frames handed to it and the reason it was closed with.
type fakeSession struct {
	mu          sync.Mutex
	frames      [][]byte
	sendErr     error
	closed      bool
	closeReason string
	closeCount  int
}

func (s *fakeSession) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.frames = append(s.frames, frame)
	return nil
}

func (s *fakeSession) Close(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.closeReason = reason
	s.closeCount++
}

func (s *fakeSession) received() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.frames))
	copy(out, s.frames)
	return out
}

func (s *fakeSession) closedWith() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed, s.closeReason
}

// quietOptions keeps the periodic sweep out of the way so tests drive it with Sweep.
var quietOptions = Options{IdleTimeout: 5 * time.Minute, SweepInterval: 24 * time.Hour}

func newTestRegistry(t *testing.T, opts Options) (*Registry, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	r := NewRegistry(clock, opts, nil)
	t.Cleanup(r.Stop)
	return r, clock
}

func connect(t *testing.T, r *Registry) (string, *fakeSession) {
	t.Helper()
	s := &fakeSession{}
	id := r.Connect(s, ConnectionMeta{RemoteAddr: "127.0.0.1:5000", UserAgent: "test"})
	require.NotEmpty(t, id)
	return id, s
}

// assertIndexesAgree checks that the channel reverse index and every connection's subscription set
// describe the same membership.
func assertIndexesAgree(t *testing.T, r *Registry, ids ...string) {
	t.Helper()
	for _, id := range ids {
		info, ok := r.Connection(id)
		if !ok {
			continue
		}
		for _, ch := range info.Channels {
			assert.Contains(t, r.SubscribersOf(ch), id, "channel %s should list %s", ch, id)
		}
	}
	for _, ch := range r.Channels() {
		assert.Positive(t, ch.Subscribers, "channel %s kept with no subscribers", ch.Name)
		for _, id := range r.SubscribersOf(ch.Name) {
			info, ok := r.Connection(id)
			require.True(t, ok, "channel %s lists unknown connection %s", ch.Name, id)
			assert.Contains(t, info.Channels, ch.Name)
		}
	}
}

func TestRegistry_ConnectAssignsUniqueIDs(t *testing.T) {
	r, clock := newTestRegistry(t, quietOptions)

	id1, _ := connect(t, r)
	id2, _ := connect(t, r)

	assert.NotEqual(t, id1, id2)

	info, ok := r.Connection(id1)
	require.True(t, ok)
	assert.Empty(t, info.UserID)
	assert.Empty(t, info.Channels)
	assert.Equal(t, clock.Now(), info.ConnectedAt)
	assert.Equal(t, clock.Now(), info.LastActivity)
	assert.Equal(t, "127.0.0.1:5000", info.RemoteAddr)
}

func TestRegistry_AuthenticateAutoSubscribes(t *testing.T) {
	r, _ := newTestRegistry(t, quietOptions)
	id, _ := connect(t, r)

	channels, ok := r.Authenticate(id, "u1")
	require.True(t, ok)

	expected := []string{
		"user.u1.carbon",
		"user.u1.activities",
		"user.u1.insights",
		"global.stats",
		"global.challenges",
	}
	assert.Equal(t, expected, channels)

	info, _ := r.Connection(id)
	assert.Equal(t, "u1", info.UserID)
	assert.ElementsMatch(t, expected, info.Channels)
	for _, ch := range expected {
		assert.Equal(t, []string{id}, r.SubscribersOf(ch))
	}
	assertIndexesAgree(t, r, id)
}

func TestRegistry_AuthenticateTwiceAsSameUserIsStable(t *testing.T) {
	r, _ := newTestRegistry(t, quietOptions)
	id, _ := connect(t, r)

	_, _ = r.Authenticate(id, "u1")
	_, ok := r.Authenticate(id, "u1")
	require.True(t, ok)

	info, _ := r.Connection(id)
	assert.Len(t, info.Channels, 5)
	assert.Equal(t, 5, r.Stats().TotalSubscriptions)
}

func TestRegistry_ReauthenticateDropsPreviousUserChannels(t *testing.T) {
	r, _ := newTestRegistry(t, quietOptions)
	id, _ := connect(t, r)

	_, _ = r.Authenticate(id, "u1")
	require.NoError(t, r.Subscribe(id, "leaderboard.weekly"))
	_, ok := r.Authenticate(id, "u2")
	require.True(t, ok)

	info, _ := r.Connection(id)
	assert.Equal(t, "u2", info.UserID)
	assert.ElementsMatch(t, []string{
		"user.u2.carbon",
		"user.u2.activities",
		"user.u2.insights",
		"global.stats",
		"global.challenges",
		"leaderboard.weekly",
	}, info.Channels)
	assert.Empty(t, r.SubscribersOf("user.u1.carbon"))
	assertIndexesAgree(t, r, id)
}

func TestRegistry_AuthenticateUnknownConnection(t *testing.T) {
	r, _ := newTestRegistry(t, quietOptions)

	channels, ok := r.Authenticate("missing", "u1")
	assert.False(t, ok)
	assert.Nil(t, channels)
	assert.Empty(t, r.Channels())
}

func TestRegistry_SubscribeAuthorization(t *testing.T) {
	r, _ := newTestRegistry(t, quietOptions)
	anon, _ := connect(t, r)
	authed, _ := connect(t, r)
	_, _ = r.Authenticate(authed, "u1")

	tests := []struct {
		name    string
		conn    string
		channel string
		allowed bool
	}{
		{"anonymous global", anon, "global.stats", true},
		{"anonymous leaderboard", anon, "leaderboard.weekly", true},
		{"anonymous private", anon, "user.u1.carbon", false},
		{"own private", authed, "user.u1.challenges", true},
		{"foreign private", authed, "user.u2.carbon", false},
		{"unknown namespace", authed, "admin.metrics", false},
		{"bare global prefix", authed, "global.", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Subscribe(tt.conn, tt.channel)
			if tt.allowed {
				require.NoError(t, err)
				assert.Contains(t, r.SubscribersOf(tt.channel), tt.conn)
				return
			}
			require.ErrorIs(t, err, domain.ErrPermissionDenied)
			assert.NotContains(t, r.SubscribersOf(tt.channel), tt.conn)
		})
	}
	assertIndexesAgree(t, r, anon, authed)
}

func TestRegistry_SubscribeIsIdempotent(t *testing.T) {
	r, _ := newTestRegistry(t, quietOptions)
	id, _ := connect(t, r)

	require.NoError(t, r.Subscribe(id, "global.system"))
	require.NoError(t, r.Subscribe(id, "global.system"))

	assert.Equal(t, []string{id}, r.SubscribersOf("global.system"))
	assert.Equal(t, 1, r.Stats().TotalSubscriptions)
}

func TestRegistry_SubscribeUnknownConnectionIsNoop(t *testing.T) {
	r, _ := newTestRegistry(t, quietOptions)

	require.NoError(t, r.Subscribe("missing", "global.system"))
	assert.Empty(t, r.SubscribersOf("global.system"))
}

func TestRegistry_SubscriptionLimit(t *testing.T) {
	opts := quietOptions
	opts.MaxSubscriptionsPerConnection = 2
	r, _ := newTestRegistry(t, opts)
	id, _ := connect(t, r)

	require.NoError(t, r.Subscribe(id, "global.stats"))
	require.NoError(t, r.Subscribe(id, "global.system"))

	err := r.Subscribe(id, "leaderboard.weekly")
	require.ErrorIs(t, err, domain.ErrSubscriptionLimit)
	assert.Empty(t, r.SubscribersOf("leaderboard.weekly"))

	// Re-subscribing to a channel already held is not a new membership.
	require.NoError(t, r.Subscribe(id, "global.stats"))
}

func TestRegistry_Unsubscribe(t *testing.T) {
	r, _ := newTestRegistry(t, quietOptions)
	id, _ := connect(t, r)
	require.NoError(t, r.Subscribe(id, "leaderboard.weekly"))

	assert.True(t, r.Unsubscribe(id, "leaderboard.weekly"))
	assert.False(t, r.Unsubscribe(id, "leaderboard.weekly"))
	assert.False(t, r.Unsubscribe("missing", "leaderboard.weekly"))

	assert.Empty(t, r.SubscribersOf("leaderboard.weekly"))
	assert.Empty(t, r.Channels(), "empty channels are removed from the index")
}

func TestRegistry_DisconnectRemovesEverything(t *testing.T) {
	r, _ := newTestRegistry(t, quietOptions)
	id, s := connect(t, r)
	other, _ := connect(t, r)
	_, _ = r.Authenticate(id, "u1")
	require.NoError(t, r.Subscribe(other, "global.stats"))

	r.Disconnect(id)
	r.Disconnect(id)

	_, ok := r.Connection(id)
	assert.False(t, ok)
	assert.Equal(t, []string{other}, r.SubscribersOf("global.stats"))
	assert.Empty(t, r.SubscribersOf("user.u1.carbon"))
	assert.Equal(t, 1, r.Stats().TotalConnections)

	closed, _ := s.closedWith()
	assert.False(t, closed, "a client-initiated disconnect does not close the session again")
	assertIndexesAgree(t, r, other)
}

func TestRegistry_HeartbeatRefreshesActivity(t *testing.T) {
	r, clock := newTestRegistry(t, quietOptions)
	id, _ := connect(t, r)

	clock.Advance(time.Minute)
	assert.True(t, r.Heartbeat(id))
	assert.False(t, r.Heartbeat("missing"))

	info, _ := r.Connection(id)
	assert.Equal(t, clock.Now(), info.LastActivity)
	assert.True(t, info.ConnectedAt.Before(info.LastActivity))
}

func TestRegistry_Stats(t *testing.T) {
	r, _ := newTestRegistry(t, quietOptions)

	assert.Equal(t, Stats{}, r.Stats())

	authed, _ := connect(t, r)
	anon, _ := connect(t, r)
	_, _ = r.Authenticate(authed, "u1")
	require.NoError(t, r.Subscribe(anon, "global.stats"))

	stats := r.Stats()
	assert.Equal(t, 2, stats.TotalConnections)
	assert.Equal(t, 1, stats.AuthenticatedConnections)
	assert.Equal(t, 5, stats.TotalChannels)
	assert.Equal(t, 6, stats.TotalSubscriptions)
	assert.InDelta(t, 3.0, stats.AverageSubscriptionsPerConnection, 0.0001)

	assert.Contains(t, r.Channels(), ChannelInfo{Name: "global.stats", Subscribers: 2})
}

func TestRegistry_DeliverToSubscribersOnly(t *testing.T) {
	r, _ := newTestRegistry(t, quietOptions)
	c1, s1 := connect(t, r)
	c2, s2 := connect(t, r)
	_, s3 := connect(t, r)
	require.NoError(t, r.Subscribe(c1, "leaderboard.weekly"))
	require.NoError(t, r.Subscribe(c2, "leaderboard.weekly"))

	d := r.Deliver("leaderboard.weekly", "leaderboard_updated", []byte(`{"n":1}`))

	assert.Equal(t, Delivery{Recipients: 2}, d)
	assert.Equal(t, [][]byte{[]byte(`{"n":1}`)}, s1.received())
	assert.Equal(t, [][]byte{[]byte(`{"n":1}`)}, s2.received())
	assert.Empty(t, s3.received())
}

func TestRegistry_DeliverWithoutSubscribers(t *testing.T) {
	r, _ := newTestRegistry(t, quietOptions)

	d := r.Deliver("leaderboard.monthly", "leaderboard_updated", []byte(`{}`))
	assert.Equal(t, Delivery{}, d)
}

func TestRegistry_DeliverEvictsSlowConsumer(t *testing.T) {
	r, _ := newTestRegistry(t, quietOptions)
	fast, fastSession := connect(t, r)
	slowSession := &fakeSession{sendErr: domain.ErrSlowConsumer}
	slow := r.Connect(slowSession, ConnectionMeta{})
	require.NoError(t, r.Subscribe(fast, "global.system"))
	require.NoError(t, r.Subscribe(slow, "global.system"))

	d := r.Deliver("global.system", "system_message", []byte(`{}`))

	assert.Equal(t, Delivery{Recipients: 2, Failed: 1}, d)
	assert.Len(t, fastSession.received(), 1)

	closed, reason := slowSession.closedWith()
	assert.True(t, closed)
	assert.Equal(t, reasonSlowConsumer, reason)
	_, ok := r.Connection(slow)
	assert.False(t, ok)
	assert.Equal(t, []string{fast}, r.SubscribersOf("global.system"))
}

func TestRegistry_DeliverToClosedSessionKeepsOthers(t *testing.T) {
	r, _ := newTestRegistry(t, quietOptions)
	ok1, s1 := connect(t, r)
	gone := r.Connect(&fakeSession{sendErr: domain.ErrSessionClosed}, ConnectionMeta{})
	require.NoError(t, r.Subscribe(ok1, "global.system"))
	require.NoError(t, r.Subscribe(gone, "global.system"))

	d := r.Deliver("global.system", "system_message", []byte(`{}`))

	assert.Equal(t, Delivery{Recipients: 2, Failed: 1}, d)
	assert.Len(t, s1.received(), 1)
	// The read loop owns cleanup of a closed session.
	_, ok := r.Connection(gone)
	assert.True(t, ok)
}

func TestRegistry_SweepReclaimsIdleConnections(t *testing.T) {
	r, clock := newTestRegistry(t, quietOptions)
	idle, idleSession := connect(t, r)
	active, activeSession := connect(t, r)
	_, _ = r.Authenticate(idle, "u1")
	_, _ = r.Authenticate(active, "u2")

	clock.Advance(4 * time.Minute)
	require.True(t, r.Heartbeat(active))
	clock.Advance(2 * time.Minute)

	reclaimed := r.Sweep()

	assert.Equal(t, []string{idle}, reclaimed)
	closed, reason := idleSession.closedWith()
	assert.True(t, closed)
	assert.Equal(t, reasonIdle, reason)
	closed, _ = activeSession.closedWith()
	assert.False(t, closed)

	assert.Empty(t, r.SubscribersOf("user.u1.carbon"))
	assert.Equal(t, []string{active}, r.SubscribersOf("global.stats"))
	assertIndexesAgree(t, r, active)
}

func TestRegistry_SweepKeepsConnectionAtExactThreshold(t *testing.T) {
	r, clock := newTestRegistry(t, quietOptions)
	id, _ := connect(t, r)

	clock.Advance(quietOptions.IdleTimeout)

	assert.Empty(t, r.Sweep())
	_, ok := r.Connection(id)
	assert.True(t, ok)
}

func TestRegistry_PeriodicSweep(t *testing.T) {
	r, clock := newTestRegistry(t, Options{IdleTimeout: time.Minute, SweepInterval: 30 * time.Second})
	_, s := connect(t, r)

	clock.Advance(61 * time.Second)

	require.Eventually(t, func() bool {
		return r.Stats().TotalConnections == 0
	}, time.Second, 5*time.Millisecond)
	closed, reason := s.closedWith()
	assert.True(t, closed)
	assert.Equal(t, reasonIdle, reason)
}

func TestRegistry_StopClosesSessionsAndClearsState(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := NewRegistry(clock, quietOptions, nil)

	id := r.Connect(&fakeSession{}, ConnectionMeta{})
	s := &fakeSession{}
	other := r.Connect(s, ConnectionMeta{})
	_, _ = r.Authenticate(id, "u1")
	require.NotEmpty(t, other)

	r.Stop()
	r.Stop()

	closed, reason := s.closedWith()
	assert.True(t, closed)
	assert.Equal(t, reasonShutdown, reason)

	assert.Empty(t, r.Connect(&fakeSession{}, ConnectionMeta{}), "a stopped registry accepts no connections")
	assert.Equal(t, Stats{}, r.Stats())
	assert.Empty(t, r.SubscribersOf("global.stats"))
}

func TestRegistry_ConcurrentMutationsKeepIndexesConsistent(t *testing.T) {
	r, _ := newTestRegistry(t, quietOptions)

	const clients = 20
	ids := make([]string, clients)
	var wg sync.WaitGroup
	for i := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := r.Connect(&fakeSession{}, ConnectionMeta{})
			ids[i] = id
			_, _ = r.Authenticate(id, "u1")
			_ = r.Subscribe(id, "leaderboard.weekly")
			if i%2 == 0 {
				r.Unsubscribe(id, "global.stats")
			}
			if i%3 == 0 {
				r.Disconnect(id)
			}
		}()
	}
	wg.Wait()

	assertIndexesAgree(t, r, ids...)
	assert.Equal(t, clients-7, r.Stats().TotalConnections)
}
