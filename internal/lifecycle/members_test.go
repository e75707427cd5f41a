package lifecycle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "gatekeeper-bot/internal/errors"
	"gatekeeper-bot/internal/request"
	"gatekeeper-bot/internal/roster"
)

func TestMemberJoinedSendsVerifyPrompt(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.configureVerification(t)

	require.NoError(t, h.engine.MemberJoined(ctx, guild, alice, "Alice", false))

	sent := h.platform.sentTo(joinChannel)
	require.Len(t, sent, 1)
	assert.Equal(t, "Hey @user2, press the button to verify.", sent[0].Content.Text)
	require.Len(t, sent[0].Content.Controls, 1)
	assert.Equal(t, ActionVerify, sent[0].Content.Controls[0][0].Action)

	owner, ok, err := h.roster.ReminderOwner(ctx, sent[0].Ref)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, alice, owner)
}

func TestMemberJoinedWithoutJoinChannel(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	require.NoError(t, h.engine.MemberJoined(ctx, guild, alice, "Alice", false))
	assert.Empty(t, h.platform.sent)

	m, err := h.roster.Get(ctx, guild, alice)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "Alice", m.DisplayName)
}

func TestVerifiedMemberRejoiningIsNotPrompted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.configureVerification(t)

	require.NoError(t, h.roster.Join(ctx, roster.Member{GuildID: guild, UserID: alice, Verified: true}))
	require.NoError(t, h.engine.MemberJoined(ctx, guild, alice, "Alice", false))
	assert.Empty(t, h.platform.sentTo(joinChannel))
}

func TestScreeningCompleted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.configureVerification(t)

	require.NoError(t, h.engine.MemberJoined(ctx, guild, alice, "Alice", true))
	sent := h.platform.sentTo(joinChannel)
	require.Len(t, sent, 1)
	rules := sent[0]
	assert.Contains(t, rules.Content.Text, "accept the rules")
	assert.Equal(t, ActionAcceptRules, rules.Content.Controls[0][0].Action)

	assert.ErrorIs(t, h.engine.ScreeningCompleted(ctx, guild, bob, &rules.Ref), apperrors.ErrNotYourButton)
	require.NoError(t, h.engine.ScreeningCompleted(ctx, guild, alice, &rules.Ref))

	assert.True(t, h.platform.wasDeleted(rules.Ref))
	sent = h.platform.sentTo(joinChannel)
	require.Len(t, sent, 2)
	assert.Equal(t, ActionVerify, sent[1].Content.Controls[0][0].Action)

	m, err := h.roster.Get(ctx, guild, alice)
	require.NoError(t, err)
	assert.False(t, m.ScreeningPending)
	n, err := h.roster.CountReminders(ctx, guild, alice, roster.ReminderRules)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = h.roster.CountReminders(ctx, guild, alice, roster.ReminderVerify)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemberLeftAbandonsPendingRequests(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.configureVerification(t)

	prompt := joinAndPrompt(t, h, alice)
	v := submitForm(t, h, alice, "18-29", &prompt)

	require.NoError(t, h.engine.MemberLeft(ctx, guild, alice))

	stored, err := h.verifications.Get(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, request.StatusAbandoned, stored.Status)
	assert.Zero(t, h.engine.PendingViews())
	assert.Zero(t, h.openAndPending(t, alice))

	edit, ok := h.platform.lastEdit(*v.Notification)
	require.True(t, ok)
	assert.Contains(t, edit.Text, "[USER LEFT]")
	assert.True(t, h.platform.wasDeleted(prompt))

	m, err := h.roster.Get(ctx, guild, alice)
	require.NoError(t, err)
	assert.Nil(t, m)

	// A late decision press finds nothing to do.
	out, err := h.engine.HandleDecision(ctx, Decision{Kind: request.KindVerification, RequestID: v.ID, Action: Accept, ActorID: staff})
	require.NoError(t, err)
	assert.False(t, out.Applied)
	assert.Empty(t, h.platform.roles)
}

func TestMemberLeftAbandonsTicketRequest(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.configureTickets(t)

	r, err := h.engine.SubmitTicketRequest(ctx, guild, alice, "help")
	require.NoError(t, err)
	require.NoError(t, h.engine.MemberLeft(ctx, guild, alice))

	stored, err := h.requests.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, request.StatusAbandoned, stored.Status)
}

func TestPostButtons(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	here := ticketRequestChannel

	err := h.engine.PostTicketButton(ctx, here, staff)
	assert.True(t, apperrors.IsKind(err, apperrors.KindInvalidInput))
	assert.Contains(t, apperrors.GetUserMessage(err), "set a ticket request channel")

	h.configureTickets(t)
	assert.ErrorIs(t, h.engine.PostTicketButton(ctx, here, alice), apperrors.ErrUnauthorized)
	require.NoError(t, h.engine.PostTicketButton(ctx, here, staff))

	err = h.engine.PostVerifyButton(ctx, joinChannel, staff)
	assert.True(t, apperrors.IsKind(err, apperrors.KindConfigurationIncomplete))
	h.configureVerification(t)
	require.NoError(t, h.engine.PostVerifyButton(ctx, joinChannel, staff))

	sent := h.platform.sentTo(here)
	require.Len(t, sent, 1)
	assert.Equal(t, ActionRequestTicket, sent[0].Content.Controls[0][0].Action)
	sent = h.platform.sentTo(joinChannel)
	require.Len(t, sent, 1)
	assert.Equal(t, ActionVerify, sent[0].Content.Controls[0][0].Action)
}
