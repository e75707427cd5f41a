package settings

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"gatekeeper-bot/internal/platform"
)

// Key names a guild setting.
type Key string

const (
	TicketRequestChannel       Key = "ticket_request_channel"
	TicketLogChannel           Key = "ticket_log_channel"
	TicketCooldown             Key = "ticket_cooldown"
	VerificationRequestChannel Key = "verification_request_channel"
	VerificationRole           Key = "verification_role"
	VerificationCooldown       Key = "verification_cooldown"
	AdultRole                  Key = "adult_role"
	JoinChannel                Key = "join_channel"
	JoinMessage                Key = "join_message"
	WelcomeChannel             Key = "welcome_channel"
	WelcomeMessage             Key = "welcome_message"
)

// Keys lists every known setting in display order.
var Keys = []Key{
	TicketRequestChannel,
	TicketLogChannel,
	TicketCooldown,
	VerificationRequestChannel,
	VerificationRole,
	VerificationCooldown,
	AdultRole,
	JoinChannel,
	JoinMessage,
	WelcomeChannel,
	WelcomeMessage,
}

// IsKnown reports whether k is one of Keys.
func IsKnown(k string) bool {
	for _, key := range Keys {
		if string(key) == k {
			return true
		}
	}
	return false
}

// Value is a raw setting value; callers pick the interpretation.
type Value string

func (v Value) String() string {
	return string(v)
}

func (v Value) Int64() (int64, error) {
	n, err := strconv.ParseInt(string(v), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse integer setting %q: %w", string(v), err)
	}
	return n, nil
}

// MaxSeconds is the largest number of seconds a time.Duration can hold.
const MaxSeconds = math.MaxInt64 / int64(time.Second)

// Seconds interprets the value as a whole number of seconds, saturating at
// MaxSeconds.
func (v Value) Seconds() (time.Duration, error) {
	n, err := v.Int64()
	if err != nil {
		return 0, err
	}
	if n > MaxSeconds {
		n = MaxSeconds
	}
	return time.Duration(n) * time.Second, nil
}

func (v Value) Channel() (platform.ChannelRef, error) {
	return platform.ParseChannelRef(string(v))
}

// Store defines the interface for settings persistence
type Store interface {
	// Get resolves the guild value, then the default, then reports unset.
	Get(ctx context.Context, guildID int64, key Key) (Value, bool, error)
	// Set upserts the guild value
	Set(ctx context.Context, guildID int64, key Key, value string) error
	// Unset drops the guild value so the default applies again
	Unset(ctx context.Context, guildID int64, key Key) error
	// Default returns the process-wide value for key
	Default(ctx context.Context, key Key) (Value, bool, error)
	// ReplaceDefaults rewrites the DefaultSettings table
	ReplaceDefaults(ctx context.Context, defaults map[string]string) error
}
