package domain

import (
	"encoding/json"
	"time"
)

// Client-to-server event names.
const (
	ClientAuthenticate = "authenticate"
	ClientSubscribe    = "subscribe"
	ClientUnsubscribe  = "unsubscribe"
	ClientHeartbeat    = "heartbeat"
)

// Server-to-client control event names.
const (
	EventConnected           = "connected"
	EventAuthenticated       = "authenticated"
	EventAuthenticationError = "authentication_error"
	EventSubscribed          = "subscribed"
	EventUnsubscribed        = "unsubscribed"
	EventSubscriptionError   = "subscription_error"
	EventHeartbeatAck        = "heartbeat_ack"
)

// Server-to-client domain event names.
const (
	EventCarbonUpdated      = "carbon_updated"
	EventActivityCreated    = "activity_created"
	EventLeaderboardUpdated = "leaderboard_updated"
	EventInsightCreated     = "insight_created"
	EventChallengeUpdated   = "challenge_updated"
	EventSystemMessage      = "system_message"
	EventMaintenanceNotice  = "maintenance_notice"
)

// InboundFrame is one message received from a client.
type InboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// OutboundFrame is one message sent to a client.
type OutboundFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type AuthenticateRequest struct {
	UserID string `json:"userId"`
	Token  string `json:"token,omitempty"`
}

// SubscribeRequest carries an optional userId that is informational only;
// authorization always uses the identity bound by authenticate.
type SubscribeRequest struct {
	Channel string `json:"channel"`
	UserID  string `json:"userId,omitempty"`
}

type UnsubscribeRequest struct {
	Channel string `json:"channel"`
}

type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type Connected struct {
	ConnectionID string     `json:"connectionId"`
	Timestamp    time.Time  `json:"timestamp"`
	ServerInfo   ServerInfo `json:"serverInfo"`
}

type Authenticated struct {
	UserID    string    `json:"userId"`
	Channels  []string  `json:"channels"`
	Timestamp time.Time `json:"timestamp"`
}

type AuthenticationError struct {
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

type Subscribed struct {
	Channel   string    `json:"channel"`
	Timestamp time.Time `json:"timestamp"`
}

type Unsubscribed struct {
	Channel   string    `json:"channel"`
	Timestamp time.Time `json:"timestamp"`
}

type SubscriptionError struct {
	Channel   string    `json:"channel"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

type HeartbeatAck struct {
	Timestamp  time.Time `json:"timestamp"`
	ServerTime int64     `json:"serverTime"`
}

// Broadcast wraps a dispatched payload for one channel.
type Broadcast struct {
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
	Channel   string    `json:"channel"`
}
