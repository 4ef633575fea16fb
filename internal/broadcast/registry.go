package broadcast

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/nksrentas/carbonpulse/internal/adapter/metrics"
	"github.com/nksrentas/carbonpulse/internal/domain"
)

const (
	commandTimeout  = 5 * time.Second
	commandCapacity = 1024

	DefaultIdleTimeout   = 5 * time.Minute
	DefaultSweepInterval = 30 * time.Second

	reasonIdle         = "idle timeout"
	reasonSlowConsumer = "slow consumer"
	reasonShutdown     = "server shutting down"
)

// Session is the transport side of one connection.
// Send must not block: it queues the frame or fails with domain.ErrSlowConsumer / domain.ErrSessionClosed.
// Close terminates the underlying transport session and must be safe to call more than once.
type Session interface {
	Send(frame []byte) error
	Close(reason string)
}

// ConnectionMeta is informational transport metadata.
type ConnectionMeta struct {
	RemoteAddr string
	UserAgent  string
}

// Options configures a Registry. Zero values fall back to defaults.
type Options struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	// MaxSubscriptionsPerConnection caps channel memberships per connection. 0 means unlimited.
	MaxSubscriptionsPerConnection int
}

func (o Options) withDefaults() Options {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	return o
}

// Stats is an on-demand aggregate snapshot of the registry.
type Stats struct {
	TotalConnections                  int     `json:"totalConnections"`
	AuthenticatedConnections          int     `json:"authenticatedConnections"`
	TotalChannels                     int     `json:"totalChannels"`
	TotalSubscriptions                int     `json:"totalSubscriptions"`
	AverageSubscriptionsPerConnection float64 `json:"averageSubscriptionsPerConnection"`
}

// ChannelInfo describes one active channel.
type ChannelInfo struct {
	Name        string `json:"name"`
	Subscribers int    `json:"subscribers"`
}

// ConnectionInfo is a read-only copy of one connection's state.
type ConnectionInfo struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId,omitempty"`
	Channels     []string  `json:"channels"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
	RemoteAddr   string    `json:"remoteAddr,omitempty"`
	UserAgent    string    `json:"userAgent,omitempty"`
}

// Delivery reports the outcome of one channel fan-out.
type Delivery struct {
	Recipients int
	Failed     int
}

type connection struct {
	id            string
	userID        string
	subscriptions map[string]struct{}
	connectedAt   time.Time
	lastActivity  time.Time
	meta          ConnectionMeta
	session       Session
}

// registryCmd is the command interface for the Registry actor.
type registryCmd interface{ isRegistryCmd() }

type baseRegistryCmd struct{}

func (baseRegistryCmd) isRegistryCmd() {}

type connectCmd struct {
	baseRegistryCmd
	session Session
	meta    ConnectionMeta
	reply   chan string
}

type authenticateCmd struct {
	baseRegistryCmd
	connectionID string
	userID       string
	reply        chan []string
}

type subscribeCmd struct {
	baseRegistryCmd
	connectionID string
	channel      string
	reply        chan error
}

type unsubscribeCmd struct {
	baseRegistryCmd
	connectionID string
	channel      string
	reply        chan bool
}

type heartbeatCmd struct {
	baseRegistryCmd
	connectionID string
	reply        chan bool
}

type disconnectCmd struct {
	baseRegistryCmd
	connectionID string
	reply        chan struct{}
}

type deliverCmd struct {
	baseRegistryCmd
	channel string
	event   string
	frame   []byte
	reply   chan Delivery
}

type sweepCmd struct {
	baseRegistryCmd
	reply chan []string
}

// queryCmd runs a read-only snapshot function on the actor goroutine.
type queryCmd struct {
	baseRegistryCmd
	fn   func()
	done chan struct{}
}

type stopCmd struct {
	baseRegistryCmd
}

// Registry owns every live connection, its channel subscriptions and the channel reverse index.
// A single goroutine owns both maps, so every mutation updates them together.
type Registry struct {
	cmdCh    chan registryCmd
	clock    clockwork.Clock
	opts     Options
	metrics  *metrics.RealtimeMetrics
	conns    map[string]*connection
	channels map[string]map[string]struct{}
	sweep    clockwork.Ticker
	done     chan struct{}
	stopOnce sync.Once
}

// NewRegistry creates a registry and starts its actor goroutine, including the periodic idle sweep.
// Call Stop during shutdown.
func NewRegistry(clock clockwork.Clock, opts Options, m *metrics.RealtimeMetrics) *Registry {
	opts = opts.withDefaults()
	r := &Registry{
		cmdCh:    make(chan registryCmd, commandCapacity),
		clock:    clock,
		opts:     opts,
		metrics:  m,
		conns:    make(map[string]*connection),
		channels: make(map[string]map[string]struct{}),
		sweep:    clock.NewTicker(opts.SweepInterval),
		done:     make(chan struct{}),
	}
	go r.run()
	return r
}

// Connect registers a new connection and returns its id.
// Returns an empty id if the registry has been stopped.
func (r *Registry) Connect(session Session, meta ConnectionMeta) string {
	reply := make(chan string, 1)
	id, _ := await(r, connectCmd{session: session, meta: meta, reply: reply}, reply)
	return id
}

// Authenticate binds userID to the connection and auto-subscribes its personal and global channels.
// Returns the auto-subscribed channels, or ok=false if the connection is unknown.
func (r *Registry) Authenticate(connectionID, userID string) ([]string, bool) {
	reply := make(chan []string, 1)
	channels, _ := await(r, authenticateCmd{connectionID: connectionID, userID: userID, reply: reply}, reply)
	return channels, channels != nil
}

// Subscribe adds channel to the connection after the permission check.
// Denials wrap domain.ErrPermissionDenied or domain.ErrSubscriptionLimit. Unknown connections are a no-op.
func (r *Registry) Subscribe(connectionID, channel string) error {
	reply := make(chan error, 1)
	err, ok := await(r, subscribeCmd{connectionID: connectionID, channel: channel, reply: reply}, reply)
	if !ok {
		return nil
	}
	return err
}

// Unsubscribe removes channel from the connection. Reports whether a membership was removed.
func (r *Registry) Unsubscribe(connectionID, channel string) bool {
	reply := make(chan bool, 1)
	removed, _ := await(r, unsubscribeCmd{connectionID: connectionID, channel: channel, reply: reply}, reply)
	return removed
}

// Heartbeat refreshes the connection's last activity. Reports whether the connection is known.
func (r *Registry) Heartbeat(connectionID string) bool {
	reply := make(chan bool, 1)
	known, _ := await(r, heartbeatCmd{connectionID: connectionID, reply: reply}, reply)
	return known
}

// Disconnect removes the connection and all of its channel memberships. Idempotent.
func (r *Registry) Disconnect(connectionID string) {
	reply := make(chan struct{}, 1)
	_, _ = await(r, disconnectCmd{connectionID: connectionID, reply: reply}, reply)
}

// Deliver hands frame to every subscriber of channel without waiting for the transport.
// event is only used for metrics and logs.
func (r *Registry) Deliver(channel, event string, frame []byte) Delivery {
	reply := make(chan Delivery, 1)
	d, _ := await(r, deliverCmd{channel: channel, event: event, frame: frame, reply: reply}, reply)
	return d
}

// Sweep runs the idle sweep immediately and returns the reclaimed connection ids.
func (r *Registry) Sweep() []string {
	reply := make(chan []string, 1)
	ids, _ := await(r, sweepCmd{reply: reply}, reply)
	return ids
}

// SubscribersOf returns the ids subscribed to channel, sorted. Unknown channels yield an empty slice.
func (r *Registry) SubscribersOf(channel string) []string {
	ids := []string{}
	r.query(func() {
		for id := range r.channels[channel] {
			ids = append(ids, id)
		}
	})
	slices.Sort(ids)
	return ids
}

// Channels lists every active channel with its subscriber count, sorted by name.
func (r *Registry) Channels() []ChannelInfo {
	infos := []ChannelInfo{}
	r.query(func() {
		for name, members := range r.channels {
			infos = append(infos, ChannelInfo{Name: name, Subscribers: len(members)})
		}
	})
	slices.SortFunc(infos, func(a, b ChannelInfo) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		default:
			return 0
		}
	})
	return infos
}

// Connection returns a snapshot of one connection.
func (r *Registry) Connection(connectionID string) (ConnectionInfo, bool) {
	var (
		info  ConnectionInfo
		found bool
	)
	r.query(func() {
		c, ok := r.conns[connectionID]
		if !ok {
			return
		}
		found = true
		info = ConnectionInfo{
			ID:           c.id,
			UserID:       c.userID,
			Channels:     make([]string, 0, len(c.subscriptions)),
			ConnectedAt:  c.connectedAt,
			LastActivity: c.lastActivity,
			RemoteAddr:   c.meta.RemoteAddr,
			UserAgent:    c.meta.UserAgent,
		}
		for ch := range c.subscriptions {
			info.Channels = append(info.Channels, ch)
		}
	})
	slices.Sort(info.Channels)
	return info, found
}

// Stats computes the aggregate snapshot on demand.
func (r *Registry) Stats() Stats {
	var s Stats
	r.query(func() {
		s.TotalConnections = len(r.conns)
		s.TotalChannels = len(r.channels)
		for _, c := range r.conns {
			if c.userID != "" {
				s.AuthenticatedConnections++
			}
		}
		for _, members := range r.channels {
			s.TotalSubscriptions += len(members)
		}
	})
	if s.TotalConnections > 0 {
		s.AverageSubscriptionsPerConnection = float64(s.TotalSubscriptions) / float64(s.TotalConnections)
	}
	return s
}

// Stop cancels the idle sweep, closes every session and clears all state.
// Blocks until the actor goroutine has exited or the command timeout passes. Idempotent.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		select {
		case r.cmdCh <- stopCmd{}:
		case <-r.done:
			return
		}

		timeout := r.clock.NewTimer(commandTimeout)
		defer timeout.Stop()

		select {
		case <-r.done:
			slog.Info("Connection registry stopped")
		case <-timeout.Chan():
			slog.Warn("Connection registry stop timed out", "timeout", commandTimeout)
		}
	})
}

// await sends cmd to the actor and waits for its reply.
// ok is false if the registry is stopped or the command timed out.
func await[T any](r *Registry, cmd registryCmd, reply chan T) (T, bool) {
	var zero T

	select {
	case r.cmdCh <- cmd:
	case <-r.done:
		return zero, false
	}

	timer := r.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case v := <-reply:
		return v, true
	case <-r.done:
		return zero, false
	case <-timer.Chan():
		slog.Warn("Registry command timed out", "command_type", fmt.Sprintf("%T", cmd), "timeout", commandTimeout)
		return zero, false
	}
}

func (r *Registry) query(fn func()) {
	done := make(chan struct{})
	_, _ = await(r, queryCmd{fn: fn, done: done}, done)
}

func (r *Registry) run() {
	defer close(r.done)
	defer r.sweep.Stop()
	defer func() {
		if p := recover(); p != nil {
			slog.Error("Connection registry panic recovered", "panic", p)
			r.closeAll(reasonShutdown)
		}
	}()

	for {
		select {
		case <-r.sweep.Chan():
			r.handleSweep()
		case cmd := <-r.cmdCh:
			switch c := cmd.(type) {
			case connectCmd:
				c.reply <- r.handleConnect(c)
			case authenticateCmd:
				c.reply <- r.handleAuthenticate(c)
			case subscribeCmd:
				c.reply <- r.handleSubscribe(c)
			case unsubscribeCmd:
				c.reply <- r.handleUnsubscribe(c)
			case heartbeatCmd:
				c.reply <- r.touch(c.connectionID)
			case disconnectCmd:
				r.removeConnection(c.connectionID)
				c.reply <- struct{}{}
			case deliverCmd:
				c.reply <- r.handleDeliver(c)
			case sweepCmd:
				c.reply <- r.handleSweep()
			case queryCmd:
				c.fn()
				close(c.done)
			case stopCmd:
				r.handleStop()
				return
			default:
				slog.Warn("Registry received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
			}
		}
	}
}

func (r *Registry) handleConnect(c connectCmd) string {
	now := r.clock.Now()
	conn := &connection{
		id:            uuid.NewString(),
		subscriptions: make(map[string]struct{}),
		connectedAt:   now,
		lastActivity:  now,
		meta:          c.meta,
		session:       c.session,
	}
	r.conns[conn.id] = conn
	r.metrics.ConnectionOpened()

	slog.Debug("Connection registered", "connection_id", conn.id, "remote_addr", c.meta.RemoteAddr, "total_connections", len(r.conns))
	return conn.id
}

func (r *Registry) handleAuthenticate(c authenticateCmd) []string {
	conn, ok := r.conns[c.connectionID]
	if !ok {
		return nil
	}
	conn.lastActivity = r.clock.Now()

	if conn.userID != "" && conn.userID != c.userID {
		for ch := range conn.subscriptions {
			if owner, ok := domain.ChannelOwner(ch); ok && owner == conn.userID {
				r.unlink(conn, ch)
			}
		}
		slog.Info("Connection re-authenticated as different user", "connection_id", conn.id, "previous_user_id", conn.userID, "user_id", c.userID)
	}
	conn.userID = c.userID

	channels := domain.AutoSubscribeChannels(c.userID)
	for _, ch := range channels {
		r.link(conn, ch)
	}

	slog.Debug("Connection authenticated", "connection_id", conn.id, "user_id", c.userID)
	return channels
}

func (r *Registry) handleSubscribe(c subscribeCmd) error {
	conn, ok := r.conns[c.connectionID]
	if !ok {
		return nil
	}
	conn.lastActivity = r.clock.Now()

	if err := domain.AuthorizeSubscription(c.channel, conn.userID); err != nil {
		slog.Info("Subscription denied", "connection_id", conn.id, "user_id", conn.userID, "channel", c.channel)
		return err
	}

	if _, already := conn.subscriptions[c.channel]; already {
		return nil
	}
	if limit := r.opts.MaxSubscriptionsPerConnection; limit > 0 && len(conn.subscriptions) >= limit {
		return fmt.Errorf("%w: %d channels", domain.ErrSubscriptionLimit, limit)
	}

	r.link(conn, c.channel)
	return nil
}

func (r *Registry) handleUnsubscribe(c unsubscribeCmd) bool {
	conn, ok := r.conns[c.connectionID]
	if !ok {
		return false
	}
	conn.lastActivity = r.clock.Now()

	if _, subscribed := conn.subscriptions[c.channel]; !subscribed {
		return false
	}
	r.unlink(conn, c.channel)
	return true
}

func (r *Registry) touch(connectionID string) bool {
	conn, ok := r.conns[connectionID]
	if !ok {
		return false
	}
	conn.lastActivity = r.clock.Now()
	return true
}

func (r *Registry) handleDeliver(c deliverCmd) Delivery {
	members := r.channels[c.channel]
	d := Delivery{Recipients: len(members)}
	if d.Recipients == 0 {
		return d
	}

	var slow []*connection
	for id := range members {
		conn := r.conns[id]
		err := conn.session.Send(c.frame)
		if err == nil {
			continue
		}

		d.Failed++
		switch {
		case errors.Is(err, domain.ErrSlowConsumer):
			r.metrics.DeliveryFailed("slow_consumer")
			slow = append(slow, conn)
		case errors.Is(err, domain.ErrSessionClosed):
			r.metrics.DeliveryFailed("closed")
		default:
			r.metrics.DeliveryFailed("error")
		}
		slog.Warn("Delivery failed", "connection_id", id, "channel", c.channel, "event", c.event, "error", err)
	}
	r.metrics.Delivered(c.event, d.Recipients-d.Failed)

	for _, conn := range slow {
		slog.Warn("Disconnecting slow client", "connection_id", conn.id, "user_id", conn.userID)
		r.metrics.SlowConsumerEvicted()
		r.forceDisconnect(conn, reasonSlowConsumer)
	}
	return d
}

func (r *Registry) handleSweep() []string {
	var reclaimed []string
	for _, conn := range r.conns {
		if r.clock.Since(conn.lastActivity) <= r.opts.IdleTimeout {
			continue
		}
		reclaimed = append(reclaimed, conn.id)
		slog.Info("Reclaiming idle connection", "connection_id", conn.id, "user_id", conn.userID, "idle", r.clock.Since(conn.lastActivity))
		r.forceDisconnect(conn, reasonIdle)
	}
	r.metrics.IdleReclaimed(len(reclaimed))
	return reclaimed
}

func (r *Registry) handleStop() {
	slog.Info("Connection registry shutting down", "connections", len(r.conns), "channels", len(r.channels))
	r.closeAll(reasonShutdown)
}

// closeAll closes every session and clears all state.
// Used during graceful shutdown and panic recovery.
func (r *Registry) closeAll(reason string) {
	for _, conn := range r.conns {
		r.forceDisconnect(conn, reason)
	}
	clear(r.conns)
	clear(r.channels)
}

func (r *Registry) forceDisconnect(conn *connection, reason string) {
	r.removeConnection(conn.id)
	conn.session.Close(reason)
}

func (r *Registry) removeConnection(connectionID string) {
	conn, ok := r.conns[connectionID]
	if !ok {
		return
	}
	for ch := range conn.subscriptions {
		r.unlink(conn, ch)
	}
	delete(r.conns, connectionID)
	r.metrics.ConnectionClosed()

	slog.Debug("Connection removed", "connection_id", connectionID, "user_id", conn.userID, "remaining_connections", len(r.conns))
}

// link and unlink are the only writers of the two indexes.
func (r *Registry) link(conn *connection, channel string) {
	conn.subscriptions[channel] = struct{}{}
	members, ok := r.channels[channel]
	if !ok {
		members = make(map[string]struct{})
		r.channels[channel] = members
	}
	members[conn.id] = struct{}{}
}

func (r *Registry) unlink(conn *connection, channel string) {
	delete(conn.subscriptions, channel)
	members, ok := r.channels[channel]
	if !ok {
		return
	}
	delete(members, conn.id)
	if len(members) == 0 {
		delete(r.channels, channel)
	}
}
