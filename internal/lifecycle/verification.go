package lifecycle

import (
	"context"
	"slices"
	"strconv"
	"strings"

	apperrors "gatekeeper-bot/internal/errors"
	"gatekeeper-bot/internal/feed"
	"gatekeeper-bot/internal/metrics"
	"gatekeeper-bot/internal/platform"
	"gatekeeper-bot/internal/request"
	"gatekeeper-bot/internal/roster"
	"gatekeeper-bot/internal/settings"
)

var (
	AgeBrackets = []string{"12-15", "16-17", "18-29", "30-39", "40+"}
	Genders     = []string{"male", "female", "non-binary"}
)

const adultAge = 18

// minimumAge returns the lower bound of an age bracket such as "18-29" or "40+".
func minimumAge(bracket string) int {
	end := strings.IndexFunc(bracket, func(r rune) bool { return r < '0' || r > '9' })
	if end < 0 {
		end = len(bracket)
	}
	n, err := strconv.Atoi(bracket[:end])
	if err != nil {
		return 0
	}
	return n
}

// VerificationForm holds a member's answers to the verification questions.
type VerificationForm struct {
	GuildID  int64
	UserID   int64
	Age      string
	Gender   string
	Referrer string
	Reason   string
	// JoinMessage is the message whose button started the form.
	JoinMessage *platform.MessageRef
}

// StartVerification checks that userID may open the verification form from
// button. Buttons addressed to another member are refused.
func (e *Engine) StartVerification(ctx context.Context, guildID, userID int64, button *platform.MessageRef) error {
	if _, err := e.ownsButton(ctx, button, userID); err != nil {
		return err
	}
	return e.checkEligibility(ctx, request.KindVerification, guildID, userID)
}

// ownsButton reports whether button is a reminder addressed to userID. Shared
// buttons belong to nobody.
func (e *Engine) ownsButton(ctx context.Context, button *platform.MessageRef, userID int64) (bool, error) {
	if button == nil {
		return false, nil
	}
	owner, ok, err := e.roster.ReminderOwner(ctx, *button)
	if err != nil {
		return false, err
	}
	if ok && owner != userID {
		return false, apperrors.ErrNotYourButton
	}
	return ok, nil
}

// SubmitVerification files a verification request and posts its decision UI.
func (e *Engine) SubmitVerification(ctx context.Context, f VerificationForm) (*request.VerificationRequest, error) {
	if !slices.Contains(AgeBrackets, f.Age) {
		return nil, apperrors.Invalid("Please pick one of the offered age ranges.")
	}
	if !slices.Contains(Genders, f.Gender) {
		return nil, apperrors.Invalid("Please pick one of the offered genders.")
	}

	release, err := e.acquire(f.GuildID, f.UserID)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := e.StartVerification(ctx, f.GuildID, f.UserID, f.JoinMessage); err != nil {
		metrics.Submissions.WithLabelValues(string(request.KindVerification), apperrors.KindOf(err).String()).Inc()
		return nil, err
	}
	ch, err := e.channelSetting(ctx, f.GuildID, settings.VerificationRequestChannel, "verification")
	if err != nil {
		return nil, err
	}
	// Only the member's own prompt is edited and later removed.
	if own, err := e.ownsButton(ctx, f.JoinMessage, f.UserID); err != nil {
		return nil, err
	} else if !own {
		f.JoinMessage = nil
	}

	v, err := e.verifications.Create(ctx, request.NewVerification{
		GuildID:     f.GuildID,
		UserID:      f.UserID,
		Age:         f.Age,
		Gender:      f.Gender,
		Referrer:    strings.TrimSpace(f.Referrer),
		Reason:      strings.TrimSpace(f.Reason),
		JoinMessage: f.JoinMessage,
	})
	if err != nil {
		return nil, err
	}

	msg, err := e.platform.SendNotification(ctx, ch, platform.Content{
		Text:     e.verificationText(ctx, v),
		Controls: decisionControls(request.KindVerification, v.ID),
	})
	if err != nil {
		if abandonErr := e.verifications.Abandon(ctx, v); abandonErr != nil {
			e.logger.Error("failed to abandon undelivered verification", "request_id", v.ID, "error", abandonErr)
		}
		return nil, platformError(err, "post in the verification request channel")
	}
	if err := e.verifications.SetNotification(ctx, v, msg); err != nil {
		if abandonErr := e.verifications.Abandon(ctx, v); abandonErr != nil {
			e.logger.Error("failed to abandon unrecorded verification", "request_id", v.ID, "error", abandonErr)
		}
		e.deleteMessage(ctx, msg)
		return nil, err
	}
	e.views.register(request.KindVerification, v.ID, v.Notification)

	if v.JoinMessage != nil {
		e.editNotification(ctx, v.JoinMessage, platform.Content{
			Text: e.platform.Mention(ctx, v.GuildID, v.UserID) +
				" Your verification request is pending. A staff member will review it soon.",
		})
	}

	e.logger.Info("verification submitted", "guild_id", v.GuildID, "user_id", v.UserID, "request_id", v.ID)
	metrics.Submissions.WithLabelValues(string(request.KindVerification), "created").Inc()
	e.publish(feed.EventSubmitted, v.GuildID, v.UserID, v.ID, request.KindVerification, 0)
	return v, nil
}

func (e *Engine) acceptVerification(ctx context.Context, view *NotificationView, v *request.VerificationRequest, actorID int64) (Outcome, error) {
	role, ok, err := e.stringSetting(ctx, v.GuildID, settings.VerificationRole)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return Outcome{}, apperrors.NotConfigured("verification", string(settings.VerificationRole))
	}
	actor := e.platform.Mention(ctx, v.GuildID, actorID)

	if err := e.platform.AssignRole(ctx, v.GuildID, v.UserID, role, "verification accepted by "+actor); err != nil {
		return Outcome{}, platformError(err, "assign the verification role")
	}
	if minimumAge(v.Age) >= adultAge {
		adult, ok, err := e.stringSetting(ctx, v.GuildID, settings.AdultRole)
		if err != nil {
			return Outcome{}, err
		}
		if ok {
			if err := e.platform.AssignRole(ctx, v.GuildID, v.UserID, adult, "adult member verified"); err != nil {
				e.logger.Warn("failed to assign adult role", "guild_id", v.GuildID, "user_id", v.UserID, "error", err)
			}
		}
	}

	if err := e.verifications.Accept(ctx, v); err != nil {
		return Outcome{}, err
	}
	e.views.finish(view)
	if err := e.roster.SetVerified(ctx, v.GuildID, v.UserID, true); err != nil {
		e.logger.Error("failed to mark member verified", "guild_id", v.GuildID, "user_id", v.UserID, "error", err)
	}

	e.editNotification(ctx, v.Notification, platform.Content{
		Text: decidedText(e.verificationText(ctx, v), "ACCEPTED", actor, ""),
	})
	e.clearReminders(ctx, v.GuildID, v.UserID)
	if v.JoinMessage != nil {
		e.deleteMessage(ctx, *v.JoinMessage)
	}
	e.welcome(ctx, v.GuildID, v.UserID)

	e.logger.Info("verification accepted", "guild_id", v.GuildID, "user_id", v.UserID, "request_id", v.ID, "actor_id", actorID)
	e.publish(feed.EventAccepted, v.GuildID, v.UserID, v.ID, request.KindVerification, actorID)
	return Outcome{Applied: true, Status: request.StatusAccepted}, nil
}

func (e *Engine) rejectVerification(ctx context.Context, view *NotificationView, v *request.VerificationRequest, actorID int64, reason string) (Outcome, error) {
	if err := e.startCooldown(ctx, v.GuildID, v.UserID, settings.VerificationCooldown, v.ID); err != nil {
		return Outcome{}, err
	}
	if err := e.verifications.Reject(ctx, v); err != nil {
		return Outcome{}, err
	}
	e.views.finish(view)

	actor := e.platform.Mention(ctx, v.GuildID, actorID)
	e.editNotification(ctx, v.Notification, platform.Content{
		Text: decidedText(e.verificationText(ctx, v), "REJECTED", actor, reason),
	})
	e.clearReminders(ctx, v.GuildID, v.UserID)
	if v.JoinMessage != nil {
		e.deleteMessage(ctx, *v.JoinMessage)
	}

	e.logger.Info("verification rejected", "guild_id", v.GuildID, "user_id", v.UserID, "request_id", v.ID, "actor_id", actorID)
	e.publish(feed.EventRejected, v.GuildID, v.UserID, v.ID, request.KindVerification, actorID)

	out := Outcome{Applied: true, Status: request.StatusRejected}
	if err := e.platform.RemoveMember(ctx, v.GuildID, v.UserID, "verification rejected: "+reason); err != nil {
		e.logger.Warn("failed to remove rejected member", "guild_id", v.GuildID, "user_id", v.UserID, "error", err)
		return out, platformError(err, "remove the member")
	}
	e.publish(feed.EventKicked, v.GuildID, v.UserID, v.ID, request.KindVerification, actorID)
	return out, nil
}

// welcome greets a newly verified member when a welcome channel is set.
func (e *Engine) welcome(ctx context.Context, guildID, userID int64) {
	ch, err := e.channelSetting(ctx, guildID, settings.WelcomeChannel, "verification")
	if err != nil {
		e.logger.Debug("no welcome channel", "guild_id", guildID, "error", err)
		return
	}
	tmpl, ok, err := e.stringSetting(ctx, guildID, settings.WelcomeMessage)
	if err != nil || !ok {
		return
	}
	text := fillTemplate(tmpl, e.platform.Mention(ctx, guildID, userID))
	if _, err := e.platform.SendNotification(ctx, ch, platform.Content{Text: text}); err != nil {
		e.logger.Warn("failed to send welcome message", "guild_id", guildID, "user_id", userID, "error", err)
	}
}

// clearReminders deletes every reminder sent to the member, best effort.
func (e *Engine) clearReminders(ctx context.Context, guildID, userID int64) {
	for _, kind := range []roster.ReminderKind{roster.ReminderVerify, roster.ReminderRules} {
		e.clearRemindersOf(ctx, guildID, userID, kind)
	}
}

func (e *Engine) clearRemindersOf(ctx context.Context, guildID, userID int64, kind roster.ReminderKind) {
	reminders, err := e.roster.Reminders(ctx, guildID, userID, kind)
	if err != nil {
		e.logger.Warn("failed to list reminders", "guild_id", guildID, "user_id", userID, "error", err)
		return
	}
	for _, r := range reminders {
		e.deleteMessage(ctx, r.Message)
	}
	if err := e.roster.DeleteReminders(ctx, guildID, userID, kind); err != nil {
		e.logger.Warn("failed to forget reminders", "guild_id", guildID, "user_id", userID, "error", err)
	}
}
