package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAutoSubscribeChannels(t *testing.T) {
	assert.Equal(t, []string{
		"user.u1.carbon",
		"user.u1.activities",
		"user.u1.insights",
		"global.stats",
		"global.challenges",
	}, AutoSubscribeChannels("u1"))
}

func TestChannelOwner(t *testing.T) {
	tests := []struct {
		channel string
		owner   string
		ok      bool
	}{
		{"user.u1.carbon", "u1", true},
		{"user.u1.custom.topic", "u1", true},
		{"user.u1", "", false},
		{"user..carbon", "", false},
		{"user.u1.", "", false},
		{"global.stats", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.channel, func(t *testing.T) {
			owner, ok := ChannelOwner(tt.channel)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.owner, owner)
		})
	}
}

func TestAuthorizeSubscription(t *testing.T) {
	tests := []struct {
		name    string
		channel string
		user    string
		allowed bool
	}{
		{"global open to anonymous", "global.system", "", true},
		{"leaderboard open to anonymous", "leaderboard.weekly", "", true},
		{"own user channel", "user.u1.insights", "u1", true},
		{"foreign user channel", "user.u2.insights", "u1", false},
		{"user channel while anonymous", "user.u1.insights", "", false},
		{"bare global prefix", "global.", "u1", false},
		{"bare leaderboard prefix", "leaderboard.", "u1", false},
		{"unknown namespace", "admin.metrics", "u1", false},
		{"empty channel", "", "u1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := AuthorizeSubscription(tt.channel, tt.user)
			if tt.allowed {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrPermissionDenied)
		})
	}
}

func TestValidUserID(t *testing.T) {
	assert.True(t, ValidUserID("u42"))
	assert.False(t, ValidUserID(""))
	assert.False(t, ValidUserID("u.42"))
}
