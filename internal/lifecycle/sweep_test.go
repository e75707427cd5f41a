package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatekeeper-bot/internal/roster"
)

func TestRemindUnverified(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.configureVerification(t)

	require.NoError(t, h.engine.MemberJoined(ctx, guild, alice, "Alice", false))
	require.NoError(t, h.engine.MemberJoined(ctx, guild, bob, "Bob", true))
	require.NoError(t, h.engine.MemberJoined(ctx, guild, 4, "Carol", false))
	submitForm(t, h, 4, "18-29", nil)

	res, err := h.engine.RemindUnverified(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Reminded: 2, Skipped: 1}, res)
	assert.Equal(t, []time.Duration{time.Minute, time.Minute}, h.clock.Slept())

	n, err := h.roster.CountReminders(ctx, guild, alice, roster.ReminderVerify)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = h.roster.CountReminders(ctx, guild, bob, roster.ReminderRules)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = h.roster.CountReminders(ctx, guild, bob, roster.ReminderVerify)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRemindUnverifiedKicksAfterThreshold(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.configureVerification(t)

	require.NoError(t, h.engine.MemberJoined(ctx, guild, alice, "Alice", false))

	// The join prompt counts as the first reminder.
	for i := 0; i < 4; i++ {
		res, err := h.engine.RemindUnverified(ctx)
		require.NoError(t, err)
		require.Equal(t, SweepResult{Reminded: 1}, res, "sweep %d", i)
	}
	assert.Empty(t, h.platform.removed)
	assert.Empty(t, h.clock.Slept())

	res, err := h.engine.RemindUnverified(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Kicked: 1}, res)
	require.Len(t, h.platform.removed, 1)
	assert.Equal(t, alice, h.platform.removed[0].UserID)

	for _, m := range h.platform.sentTo(joinChannel) {
		assert.True(t, h.platform.wasDeleted(m.Ref))
	}
	member, err := h.roster.Get(ctx, guild, alice)
	require.NoError(t, err)
	assert.Nil(t, member)

	res, err = h.engine.RemindUnverified(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)
}

func TestRemindUnverifiedCountsFailures(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.configureVerification(t)

	require.NoError(t, h.engine.MemberJoined(ctx, guild, alice, "Alice", false))
	h.platform.sendErr = errors.New("flood wait")

	res, err := h.engine.RemindUnverified(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Failed: 1}, res)
}

func TestRemindUnverifiedStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	h.configureVerification(t)
	require.NoError(t, h.engine.MemberJoined(context.Background(), guild, alice, "Alice", false))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := h.engine.RemindUnverified(ctx)
	assert.Error(t, err)
	assert.Equal(t, SweepResult{}, res)
}

// Scenario: the informational channel of a rejected request expires.
func TestDeleteExpiredChannels(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.configureTickets(t)

	r, err := h.engine.SubmitTicketRequest(ctx, guild, alice, "")
	require.NoError(t, err)
	out, err := h.engine.HandleDecision(ctx, Decision{Kind: "ticket", RequestID: r.ID, Action: Reject, ActorID: staff, Reason: "no"})
	require.NoError(t, err)
	require.NotNil(t, out.Channel)

	h.clock.Add(time.Hour)
	n, err := h.engine.DeleteExpiredChannels(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Add(23*time.Hour + time.Second)
	n, err = h.engine.DeleteExpiredChannels(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, h.platform.dropped, *out.Channel)

	stored, err := h.requests.GetByChannel(ctx, guild, int64(out.Channel.ThreadID))
	require.NoError(t, err)
	assert.Nil(t, stored)

	n, err = h.engine.DeleteExpiredChannels(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
