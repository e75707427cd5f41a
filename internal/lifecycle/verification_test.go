package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "gatekeeper-bot/internal/errors"
	"gatekeeper-bot/internal/feed"
	"gatekeeper-bot/internal/platform"
	"gatekeeper-bot/internal/request"
	"gatekeeper-bot/internal/settings"
)

// joinAndPrompt runs the join flow for userID and returns the verify prompt.
func joinAndPrompt(t *testing.T, h *harness, userID int64) platform.MessageRef {
	t.Helper()
	require.NoError(t, h.engine.MemberJoined(context.Background(), guild, userID, "someone", false))
	sent := h.platform.sentTo(joinChannel)
	require.NotEmpty(t, sent)
	return sent[len(sent)-1].Ref
}

func submitForm(t *testing.T, h *harness, userID int64, age string, button *platform.MessageRef) *request.VerificationRequest {
	t.Helper()
	v, err := h.engine.SubmitVerification(context.Background(), VerificationForm{
		GuildID:     guild,
		UserID:      userID,
		Age:         age,
		Gender:      "female",
		Referrer:    " a friend ",
		Reason:      "I like the community",
		JoinMessage: button,
	})
	require.NoError(t, err)
	return v
}

// Scenario: a new member verifies and staff accepts.
func TestAcceptVerification(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.configureVerification(t)

	prompt := joinAndPrompt(t, h, alice)
	require.NoError(t, h.engine.StartVerification(ctx, guild, alice, &prompt))
	v := submitForm(t, h, alice, "18-29", &prompt)
	assert.Equal(t, "a friend", v.Referrer)

	sent := h.platform.sentTo(verificationChannel)
	require.Len(t, sent, 1)
	assert.True(t, containsAll(sent[0].Content.Text, "Verification Request #1", "User: @user2", "Age: 18-29", "Found us through: a friend", "> I like the community"))
	assert.True(t, hasControls(sent[0].Content))

	pendingEdit, ok := h.platform.lastEdit(prompt)
	require.True(t, ok)
	assert.Contains(t, pendingEdit.Text, "pending")

	out, err := h.engine.HandleDecision(ctx, Decision{Kind: request.KindVerification, RequestID: v.ID, Action: Accept, ActorID: staff})
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Equal(t, request.StatusAccepted, out.Status)

	require.Len(t, h.platform.roles, 2)
	assert.Equal(t, "member", h.platform.roles[0].Role)
	assert.Equal(t, "adult", h.platform.roles[1].Role)

	edit, ok := h.platform.lastEdit(*v.Notification)
	require.True(t, ok)
	assert.Contains(t, edit.Text, "[ACCEPTED] by @user1")
	assert.False(t, hasControls(edit))
	assert.True(t, h.platform.wasDeleted(prompt))

	welcome := h.platform.sentTo(welcomeChannel)
	require.Len(t, welcome, 1)
	assert.Equal(t, "Everyone welcome @user2!", welcome[0].Content.Text)

	remaining, err := h.engine.UserCooldown(ctx, guild, alice)
	require.NoError(t, err)
	assert.Zero(t, remaining)

	m, err := h.roster.Get(ctx, guild, alice)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.True(t, m.Verified)
	n, err := h.roster.CountReminders(ctx, guild, alice, "verify")
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.ErrorIs(t, h.engine.StartVerification(ctx, guild, alice, nil), apperrors.ErrAlreadyVerified)
	assert.Equal(t, []feed.EventType{feed.EventSubmitted, feed.EventAccepted}, h.events.types())
}

func TestSharedVerifyButtonIsLeftAlone(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.configureVerification(t)

	require.NoError(t, h.engine.PostVerifyButton(ctx, joinChannel, staff))
	shared := h.platform.sentTo(joinChannel)[0].Ref

	require.NoError(t, h.engine.StartVerification(ctx, guild, alice, &shared))
	v := submitForm(t, h, alice, "30-39", &shared)
	_, err := h.engine.HandleDecision(ctx, Decision{Kind: request.KindVerification, RequestID: v.ID, Action: Accept, ActorID: staff})
	require.NoError(t, err)

	_, edited := h.platform.lastEdit(shared)
	assert.False(t, edited)
	assert.False(t, h.platform.wasDeleted(shared))
}

func TestAcceptVerificationMinorGetsMemberRoleOnly(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.configureVerification(t)

	v := submitForm(t, h, alice, "16-17", nil)
	_, err := h.engine.HandleDecision(ctx, Decision{Kind: request.KindVerification, RequestID: v.ID, Action: Accept, ActorID: staff})
	require.NoError(t, err)

	require.Len(t, h.platform.roles, 1)
	assert.Equal(t, "member", h.platform.roles[0].Role)
}

// Scenario: staff rejects a verification and the member is removed.
func TestRejectVerification(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.configureVerification(t)
	h.set(t, settings.VerificationCooldown, "3600")

	prompt := joinAndPrompt(t, h, alice)
	v := submitForm(t, h, alice, "30-39", &prompt)

	out, err := h.engine.HandleDecision(ctx, Decision{
		Kind: request.KindVerification, RequestID: v.ID, Action: Reject, ActorID: staff, Reason: "troll",
	})
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Equal(t, request.StatusRejected, out.Status)

	require.Len(t, h.platform.removed, 1)
	assert.Equal(t, alice, h.platform.removed[0].UserID)
	assert.Contains(t, h.platform.removed[0].Reason, "troll")
	assert.Empty(t, h.platform.roles)

	remaining, err := h.engine.UserCooldown(ctx, guild, alice)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, remaining)

	edit, ok := h.platform.lastEdit(*v.Notification)
	require.True(t, ok)
	assert.True(t, containsAll(edit.Text, "[REJECTED] by @user1", "> troll"))
	assert.True(t, h.platform.wasDeleted(prompt))
	assert.Zero(t, h.openAndPending(t, alice))

	err = h.engine.StartVerification(ctx, guild, alice, nil)
	assert.True(t, apperrors.IsKind(err, apperrors.KindCooldownActive))
	assert.Contains(t, h.events.types(), feed.EventKicked)
}

func TestRejectVerificationRemoveFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.configureVerification(t)
	h.platform.removeErr = platform.ErrPermissionDenied

	v := submitForm(t, h, alice, "30-39", nil)
	out, err := h.engine.HandleDecision(ctx, Decision{
		Kind: request.KindVerification, RequestID: v.ID, Action: Reject, ActorID: staff, Reason: "troll",
	})
	assert.True(t, apperrors.IsKind(err, apperrors.KindExternalActionDenied))
	assert.True(t, out.Applied)

	stored, err := h.verifications.Get(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, request.StatusRejected, stored.Status)
}

func TestAcceptVerificationRoleDenied(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.configureVerification(t)
	h.platform.roleErr = platform.ErrPermissionDenied

	v := submitForm(t, h, alice, "18-29", nil)
	out, err := h.engine.HandleDecision(ctx, Decision{Kind: request.KindVerification, RequestID: v.ID, Action: Accept, ActorID: staff})
	assert.True(t, apperrors.IsKind(err, apperrors.KindExternalActionDenied))
	assert.False(t, out.Applied)

	stored, err := h.verifications.Get(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, request.StatusPending, stored.Status)
	assert.Equal(t, 1, h.engine.PendingViews())
	assert.Empty(t, h.platform.sentTo(welcomeChannel))
}

func TestStartVerificationChecks(t *testing.T) {
	ctx := context.Background()

	t.Run("someone else's button", func(t *testing.T) {
		h := newHarness(t)
		h.configureVerification(t)
		prompt := joinAndPrompt(t, h, alice)

		assert.ErrorIs(t, h.engine.StartVerification(ctx, guild, bob, &prompt), apperrors.ErrNotYourButton)
		assert.NoError(t, h.engine.StartVerification(ctx, guild, alice, &prompt))
	})

	t.Run("shared button", func(t *testing.T) {
		h := newHarness(t)
		h.configureVerification(t)
		shared := platform.MessageRef{ChatID: guild, ThreadID: 13, MessageID: 5}

		assert.NoError(t, h.engine.StartVerification(ctx, guild, bob, &shared))
	})

	t.Run("missing settings are listed", func(t *testing.T) {
		h := newHarness(t)
		h.set(t, settings.VerificationRole, "member")

		err := h.engine.StartVerification(ctx, guild, alice, nil)
		require.True(t, apperrors.IsKind(err, apperrors.KindConfigurationIncomplete))
		msg := apperrors.GetUserMessage(err)
		assert.True(t, containsAll(msg, "join_channel", "join_message", "welcome_channel", "welcome_message", "verification_request_channel"))
		assert.NotContains(t, msg, "verification_role")
	})

	t.Run("pending ticket request blocks", func(t *testing.T) {
		h := newHarness(t)
		h.configureTickets(t)
		h.configureVerification(t)
		_, err := h.engine.SubmitTicketRequest(ctx, guild, alice, "")
		require.NoError(t, err)

		err = h.engine.StartVerification(ctx, guild, alice, nil)
		assert.True(t, apperrors.IsKind(err, apperrors.KindDuplicateRequest))
	})

	t.Run("pending verification blocks ticket", func(t *testing.T) {
		h := newHarness(t)
		h.configureTickets(t)
		h.configureVerification(t)
		submitForm(t, h, alice, "18-29", nil)

		_, err := h.engine.SubmitTicketRequest(ctx, guild, alice, "")
		assert.True(t, apperrors.IsKind(err, apperrors.KindDuplicateRequest))
		assert.Equal(t, 1, h.openAndPending(t, alice))
	})
}

func TestSubmitVerificationValidatesAnswers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.configureVerification(t)

	_, err := h.engine.SubmitVerification(ctx, VerificationForm{GuildID: guild, UserID: alice, Age: "99", Gender: "female"})
	assert.True(t, apperrors.IsKind(err, apperrors.KindInvalidInput))
	_, err = h.engine.SubmitVerification(ctx, VerificationForm{GuildID: guild, UserID: alice, Age: "18-29", Gender: "robot"})
	assert.True(t, apperrors.IsKind(err, apperrors.KindInvalidInput))

	assert.Zero(t, h.openAndPending(t, alice))
	assert.Empty(t, h.platform.sentTo(verificationChannel))
}

func TestMinimumAge(t *testing.T) {
	tests := map[string]int{
		"12-15": 12,
		"18-29": 18,
		"40+":   40,
		"":      0,
	}
	for in, want := range tests {
		assert.Equal(t, want, minimumAge(in), in)
	}
}

func TestSubmitVerificationAbandonsWhenNotificationCannotBeRecorded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.configureVerification(t)
	prompt := joinAndPrompt(t, h, alice)

	flaky := &flakyVerifications{
		VerificationStore: h.verifications,
		notifyErr:         apperrors.Storage(errors.New("disk I/O error"), "record notification"),
	}
	h.deps.Verifications = flaky
	h.rebuild()

	_, err := h.engine.SubmitVerification(ctx, VerificationForm{
		GuildID: guild, UserID: alice, Age: "18-29", Gender: "female", JoinMessage: &prompt,
	})
	assert.True(t, apperrors.IsKind(err, apperrors.KindStorage))

	sent := h.platform.sentTo(verificationChannel)
	require.Len(t, sent, 1)
	assert.True(t, h.platform.wasDeleted(sent[0].Ref))
	assert.False(t, h.platform.wasDeleted(prompt))
	assert.Zero(t, h.openAndPending(t, alice))
	assert.Zero(t, h.engine.PendingViews())

	flaky.notifyErr = nil
	v := submitForm(t, h, alice, "18-29", &prompt)
	assert.Equal(t, request.StatusPending, v.Status)
	assert.Equal(t, 1, h.engine.PendingViews())
}
