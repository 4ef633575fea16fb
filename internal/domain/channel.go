package domain

import (
	"fmt"
	"strings"
)

const (
	userChannelPrefix        = "user."
	globalChannelPrefix      = "global."
	leaderboardChannelPrefix = "leaderboard."
)

// Global channel names.
const (
	ChannelGlobalStats       = "global.stats"
	ChannelGlobalChallenges  = "global.challenges"
	ChannelGlobalActivities  = "global.activities"
	ChannelGlobalLeaderboard = "global.leaderboard"
	ChannelGlobalSystem      = "global.system"
)

// Personal channel topics.
const (
	TopicCarbon     = "carbon"
	TopicActivities = "activities"
	TopicInsights   = "insights"
	TopicChallenges = "challenges"
)

// ValidUserID reports whether id can be embedded in a user channel name.
func ValidUserID(id string) bool {
	return id != "" && !strings.Contains(id, ".")
}

// UserChannel returns the private channel name user.<userID>.<topic>.
func UserChannel(userID, topic string) string {
	return userChannelPrefix + userID + "." + topic
}

// LeaderboardChannel returns leaderboard.<period>.
func LeaderboardChannel(period string) string {
	return leaderboardChannelPrefix + period
}

// AutoSubscribeChannels lists the channels a connection joins when it authenticates as userID.
func AutoSubscribeChannels(userID string) []string {
	return []string{
		UserChannel(userID, TopicCarbon),
		UserChannel(userID, TopicActivities),
		UserChannel(userID, TopicInsights),
		ChannelGlobalStats,
		ChannelGlobalChallenges,
	}
}

// ChannelOwner returns the user id embedded in a user.<id>.<topic> channel.
func ChannelOwner(channel string) (string, bool) {
	rest, ok := strings.CutPrefix(channel, userChannelPrefix)
	if !ok {
		return "", false
	}
	owner, topic, ok := strings.Cut(rest, ".")
	if !ok || owner == "" || topic == "" {
		return "", false
	}
	return owner, true
}

// IsPublicChannel reports whether any connection may subscribe to channel.
func IsPublicChannel(channel string) bool {
	for _, prefix := range []string{globalChannelPrefix, leaderboardChannelPrefix} {
		if topic, ok := strings.CutPrefix(channel, prefix); ok {
			return topic != ""
		}
	}
	return false
}

// AuthorizeSubscription applies the single authorization rule: global.* and leaderboard.* are open,
// user.<id>.* requires the connection to be authenticated as <id>, everything else is denied.
// An empty authUserID means the connection has not authenticated.
func AuthorizeSubscription(channel, authUserID string) error {
	if IsPublicChannel(channel) {
		return nil
	}

	owner, ok := ChannelOwner(channel)
	if !ok {
		return fmt.Errorf("%w: %q", ErrPermissionDenied, channel)
	}
	if authUserID == "" || owner != authUserID {
		return fmt.Errorf("%w: %q", ErrPermissionDenied, channel)
	}
	return nil
}
