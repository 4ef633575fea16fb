package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventKind is the "type" field of a dispatched payload.
type EventKind string

const (
	KindCarbonUpdate      EventKind = "carbon_update"
	KindActivityUpdate    EventKind = "activity_update"
	KindLeaderboardUpdate EventKind = "leaderboard_update"
	KindInsightUpdate     EventKind = "insight_update"
	KindChallengeUpdate   EventKind = "challenge_update"
	KindSystemMessage     EventKind = "system_message"
	KindMaintenanceNotice EventKind = "maintenance_notice"
)

// Event is a fact produced outside the realtime core that must be fanned out to subscribers.
// Implementations are immutable values.
type Event interface {
	Kind() EventKind
	// ClientEvent is the server-to-client event name the payload travels under.
	ClientEvent() string
	Channels() []string
	Validate() error
}

// CarbonUpdate reports a freshly computed carbon footprint for one activity.
type CarbonUpdate struct {
	UserID     string  `json:"userId"`
	ActivityID string  `json:"activityId"`
	CarbonKg   float64 `json:"carbonKg"`
	Confidence string  `json:"confidence"`
}

func (CarbonUpdate) Kind() EventKind     { return KindCarbonUpdate }
func (CarbonUpdate) ClientEvent() string { return EventCarbonUpdated }

func (e CarbonUpdate) Channels() []string {
	return []string{UserChannel(e.UserID, TopicCarbon), ChannelGlobalStats}
}

func (e CarbonUpdate) Validate() error {
	if err := requireUserID(e.UserID); err != nil {
		return err
	}
	if e.ActivityID == "" {
		return fmt.Errorf("%w: activityId is required", ErrInvalidEvent)
	}
	return nil
}

// ActivityUpdate reports a newly recorded activity.
type ActivityUpdate struct {
	UserID       string `json:"userId"`
	ActivityID   string `json:"activityId"`
	ActivityType string `json:"activityType"`
	Repository   string `json:"repository,omitempty"`
}

func (ActivityUpdate) Kind() EventKind     { return KindActivityUpdate }
func (ActivityUpdate) ClientEvent() string { return EventActivityCreated }

func (e ActivityUpdate) Channels() []string {
	return []string{UserChannel(e.UserID, TopicActivities), ChannelGlobalActivities}
}

func (e ActivityUpdate) Validate() error {
	if err := requireUserID(e.UserID); err != nil {
		return err
	}
	if e.ActivityID == "" {
		return fmt.Errorf("%w: activityId is required", ErrInvalidEvent)
	}
	return nil
}

// LeaderboardEntry is one ranked user in a leaderboard update.
type LeaderboardEntry struct {
	UserID   string  `json:"userId"`
	Rank     int     `json:"rank"`
	Username string  `json:"username,omitempty"`
	Score    float64 `json:"score"`
}

// LeaderboardUpdate carries the recalculated top of a leaderboard period.
type LeaderboardUpdate struct {
	Period   string             `json:"period"`
	TopUsers []LeaderboardEntry `json:"topUsers"`
}

func (LeaderboardUpdate) Kind() EventKind     { return KindLeaderboardUpdate }
func (LeaderboardUpdate) ClientEvent() string { return EventLeaderboardUpdated }

func (e LeaderboardUpdate) Channels() []string {
	return []string{LeaderboardChannel(e.Period), ChannelGlobalLeaderboard}
}

func (e LeaderboardUpdate) Validate() error {
	if e.Period == "" || strings.Contains(e.Period, ".") {
		return fmt.Errorf("%w: period must be a non-empty name without dots", ErrInvalidEvent)
	}
	return nil
}

// InsightUpdate announces a generated insight for one user.
type InsightUpdate struct {
	UserID      string `json:"userId"`
	InsightID   string `json:"insightId"`
	InsightType string `json:"insightType"`
	Title       string `json:"title"`
}

func (InsightUpdate) Kind() EventKind     { return KindInsightUpdate }
func (InsightUpdate) ClientEvent() string { return EventInsightCreated }

func (e InsightUpdate) Channels() []string {
	return []string{UserChannel(e.UserID, TopicInsights)}
}

func (e InsightUpdate) Validate() error {
	if err := requireUserID(e.UserID); err != nil {
		return err
	}
	if e.InsightID == "" {
		return fmt.Errorf("%w: insightId is required", ErrInvalidEvent)
	}
	return nil
}

// ChallengeUpdate announces a change to a challenge and reaches every participant personally.
// Participants whose id cannot name a channel are skipped; the rest still receive the update.
type ChallengeUpdate struct {
	ChallengeID  string   `json:"challengeId"`
	Name         string   `json:"name"`
	Category     string   `json:"category"`
	Participants []string `json:"participants"`
}

func (ChallengeUpdate) Kind() EventKind     { return KindChallengeUpdate }
func (ChallengeUpdate) ClientEvent() string { return EventChallengeUpdated }

func (e ChallengeUpdate) Channels() []string {
	channels := make([]string, 0, len(e.Participants)+1)
	channels = append(channels, ChannelGlobalChallenges)
	for _, p := range e.Participants {
		if ValidUserID(p) {
			channels = append(channels, UserChannel(p, TopicChallenges))
		}
	}
	return channels
}

// InvalidParticipants lists the participant ids Channels leaves out.
func (e ChallengeUpdate) InvalidParticipants() []string {
	var invalid []string
	for _, p := range e.Participants {
		if !ValidUserID(p) {
			invalid = append(invalid, p)
		}
	}
	return invalid
}

func (e ChallengeUpdate) Validate() error {
	if e.ChallengeID == "" {
		return fmt.Errorf("%w: challengeId is required", ErrInvalidEvent)
	}
	return nil
}

// Message levels for SystemMessage.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// SystemMessage is an operator notice shown to every client on global.system.
type SystemMessage struct {
	Message string `json:"message"`
	Level   string `json:"level"`
}

func (SystemMessage) Kind() EventKind     { return KindSystemMessage }
func (SystemMessage) ClientEvent() string { return EventSystemMessage }
func (SystemMessage) Channels() []string  { return []string{ChannelGlobalSystem} }

func (e SystemMessage) Validate() error {
	if e.Message == "" {
		return fmt.Errorf("%w: message is required", ErrInvalidEvent)
	}
	switch e.Level {
	case LevelInfo, LevelWarning, LevelError:
		return nil
	default:
		return fmt.Errorf("%w: unsupported level %q", ErrInvalidEvent, e.Level)
	}
}

// MaintenanceNotice announces planned downtime.
type MaintenanceNotice struct {
	Message           string    `json:"message"`
	ScheduledTime     time.Time `json:"scheduledTime"`
	EstimatedDuration string    `json:"estimatedDuration"`
}

func (MaintenanceNotice) Kind() EventKind     { return KindMaintenanceNotice }
func (MaintenanceNotice) ClientEvent() string { return EventMaintenanceNotice }
func (MaintenanceNotice) Channels() []string  { return []string{ChannelGlobalSystem} }

func (e MaintenanceNotice) Validate() error {
	if e.Message == "" {
		return fmt.Errorf("%w: message is required", ErrInvalidEvent)
	}
	if e.ScheduledTime.IsZero() {
		return fmt.Errorf("%w: scheduledTime is required", ErrInvalidEvent)
	}
	return nil
}

func requireUserID(userID string) error {
	if !ValidUserID(userID) {
		return fmt.Errorf("%w: userId must be a non-empty id without dots", ErrInvalidEvent)
	}
	return nil
}

// EventEnvelope is the producer-side wire form used by the HTTP and Redis ingest paths.
type EventEnvelope struct {
	Type EventKind       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// DecodeEvent turns an envelope into a validated Event.
func DecodeEvent(env EventEnvelope) (Event, error) {
	var (
		ev  Event
		err error
	)
	switch env.Type {
	case KindCarbonUpdate:
		ev, err = decodeAs[CarbonUpdate](env.Data)
	case KindActivityUpdate:
		ev, err = decodeAs[ActivityUpdate](env.Data)
	case KindLeaderboardUpdate:
		ev, err = decodeAs[LeaderboardUpdate](env.Data)
	case KindInsightUpdate:
		ev, err = decodeAs[InsightUpdate](env.Data)
	case KindChallengeUpdate:
		ev, err = decodeAs[ChallengeUpdate](env.Data)
	case KindSystemMessage:
		var msg SystemMessage
		msg, err = decodeAs[SystemMessage](env.Data)
		if err == nil && msg.Level == "" {
			msg.Level = LevelInfo
		}
		ev = msg
	case KindMaintenanceNotice:
		ev, err = decodeAs[MaintenanceNotice](env.Data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
	if err != nil {
		return nil, err
	}

	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

// EncodeEvent is the inverse of DecodeEvent.
func EncodeEvent(ev Event) (EventEnvelope, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return EventEnvelope{}, fmt.Errorf("failed to marshal %s event: %w", ev.Kind(), err)
	}
	return EventEnvelope{Type: ev.Kind(), Data: data}, nil
}

func decodeAs[T Event](data json.RawMessage) (T, error) {
	var ev T
	if len(data) == 0 {
		return ev, fmt.Errorf("%w: missing data", ErrInvalidEvent)
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return ev, nil
}

// Payload builds the {type, ...eventFields, timestamp} object delivered to clients.
func Payload(ev Event, timestamp time.Time) (map[string]any, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", ev.Kind(), err)
	}

	payload := make(map[string]any)
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("failed to flatten %s event: %w", ev.Kind(), err)
	}
	payload["type"] = ev.Kind()
	payload["timestamp"] = timestamp
	return payload, nil
}
