package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nksrentas/carbonpulse/internal/adapter/metrics"
	"github.com/nksrentas/carbonpulse/internal/domain"
	"github.com/nksrentas/carbonpulse/internal/platform/correlation"
)

// fanout is the part of the Registry the dispatcher needs.
type fanout interface {
	Deliver(channel, event string, frame []byte) Delivery
}

// DispatchResult summarises one dispatch across all of its channels.
type DispatchResult struct {
	Channels   int `json:"channels"`
	Recipients int `json:"recipients"`
	Failed     int `json:"failed"`
}

// Dispatcher turns domain events into channel fan-outs.
type Dispatcher struct {
	registry fanout
	clock    clockwork.Clock
	metrics  *metrics.RealtimeMetrics
}

func NewDispatcher(registry fanout, clock clockwork.Clock, m *metrics.RealtimeMetrics) *Dispatcher {
	return &Dispatcher{registry: registry, clock: clock, metrics: m}
}

// Dispatch validates ev, builds its payload once and delivers it to every target channel.
// Only invalid events produce an error; delivery problems are logged and counted.
func (d *Dispatcher) Dispatch(ctx context.Context, ev domain.Event) (DispatchResult, error) {
	ctx = correlation.Ensure(ctx)
	kind := string(ev.Kind())

	if err := ev.Validate(); err != nil {
		d.metrics.Dispatched(kind, metrics.OutcomeInvalid)
		return DispatchResult{}, fmt.Errorf("dispatch %s: %w", kind, err)
	}

	if c, ok := ev.(domain.ChallengeUpdate); ok {
		for _, p := range c.InvalidParticipants() {
			slog.WarnContext(ctx, "Skipping challenge participant with invalid id", "challenge_id", c.ChallengeID, "participant", p)
		}
	}

	now := d.clock.Now()
	payload, err := domain.Payload(ev, now)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("dispatch %s: %w", kind, err)
	}

	var result DispatchResult
	for _, channel := range uniqueChannels(ev.Channels()) {
		result.Channels++

		delivery, err := d.deliver(channel, ev.ClientEvent(), payload, now)
		if err != nil {
			slog.ErrorContext(ctx, "Failed to encode broadcast frame", "kind", kind, "channel", channel, "error", err)
			continue
		}
		if delivery.Recipients == 0 {
			slog.DebugContext(ctx, "No subscribers for channel", "kind", kind, "channel", channel)
			d.metrics.Dispatched(kind, metrics.OutcomeNoSubscribers)
			continue
		}

		d.metrics.Dispatched(kind, metrics.OutcomeDelivered)
		result.Recipients += delivery.Recipients
		result.Failed += delivery.Failed
	}

	slog.DebugContext(ctx, "Event dispatched", "kind", kind, "channels", result.Channels, "recipients", result.Recipients, "failed", result.Failed)
	return result, nil
}

func (d *Dispatcher) deliver(channel, event string, payload map[string]any, now time.Time) (Delivery, error) {
	frame, err := json.Marshal(domain.OutboundFrame{
		Event: event,
		Data:  domain.Broadcast{Data: payload, Timestamp: now, Channel: channel},
	})
	if err != nil {
		return Delivery{}, fmt.Errorf("failed to marshal frame: %w", err)
	}
	return d.registry.Deliver(channel, event, frame), nil
}

// CarbonUpdate fans a computed carbon result out to user.<id>.carbon and global.stats.
func (d *Dispatcher) CarbonUpdate(ctx context.Context, userID, activityID string, carbonKg float64, confidence string) error {
	_, err := d.Dispatch(ctx, domain.CarbonUpdate{
		UserID:     userID,
		ActivityID: activityID,
		CarbonKg:   carbonKg,
		Confidence: confidence,
	})
	return err
}

// ActivityUpdate fans a recorded activity out to user.<id>.activities and global.activities.
// repository may be empty.
func (d *Dispatcher) ActivityUpdate(ctx context.Context, userID, activityID, activityType, repository string) error {
	_, err := d.Dispatch(ctx, domain.ActivityUpdate{
		UserID:       userID,
		ActivityID:   activityID,
		ActivityType: activityType,
		Repository:   repository,
	})
	return err
}

// LeaderboardUpdate fans a recalculated leaderboard out to leaderboard.<period> and global.leaderboard.
func (d *Dispatcher) LeaderboardUpdate(ctx context.Context, period string, topUsers []domain.LeaderboardEntry) error {
	if topUsers == nil {
		topUsers = []domain.LeaderboardEntry{}
	}
	_, err := d.Dispatch(ctx, domain.LeaderboardUpdate{Period: period, TopUsers: topUsers})
	return err
}

// InsightUpdate fans a generated insight out to user.<id>.insights.
func (d *Dispatcher) InsightUpdate(ctx context.Context, userID, insightID, insightType, title string) error {
	_, err := d.Dispatch(ctx, domain.InsightUpdate{
		UserID:      userID,
		InsightID:   insightID,
		InsightType: insightType,
		Title:       title,
	})
	return err
}

// ChallengeUpdate fans a challenge change out to global.challenges and every participant's challenges channel.
func (d *Dispatcher) ChallengeUpdate(ctx context.Context, challengeID, name, category string, participants []string) error {
	if participants == nil {
		participants = []string{}
	}
	_, err := d.Dispatch(ctx, domain.ChallengeUpdate{
		ChallengeID:  challengeID,
		Name:         name,
		Category:     category,
		Participants: participants,
	})
	return err
}

// SystemMessage broadcasts an operator notice on global.system. An empty level means info.
func (d *Dispatcher) SystemMessage(ctx context.Context, message, level string) error {
	if level == "" {
		level = domain.LevelInfo
	}
	_, err := d.Dispatch(ctx, domain.SystemMessage{Message: message, Level: level})
	return err
}

// MaintenanceNotice broadcasts planned downtime on global.system.
func (d *Dispatcher) MaintenanceNotice(ctx context.Context, message string, scheduledTime time.Time, estimatedDuration string) error {
	_, err := d.Dispatch(ctx, domain.MaintenanceNotice{
		Message:           message,
		ScheduledTime:     scheduledTime,
		EstimatedDuration: estimatedDuration,
	})
	return err
}

// uniqueChannels drops repeats (e.g. a participant listed twice) while keeping emission order.
func uniqueChannels(channels []string) []string {
	seen := make(map[string]struct{}, len(channels))
	out := channels[:0:0]
	for _, ch := range channels {
		if _, dup := seen[ch]; dup {
			continue
		}
		seen[ch] = struct{}{}
		out = append(out, ch)
	}
	return out
}
