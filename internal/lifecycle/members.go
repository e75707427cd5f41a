package lifecycle

import (
	"context"
	"fmt"

	apperrors "gatekeeper-bot/internal/errors"
	"gatekeeper-bot/internal/platform"
	"gatekeeper-bot/internal/request"
	"gatekeeper-bot/internal/roster"
	"gatekeeper-bot/internal/settings"
)

// Control actions owned by the engine's prompts.
const (
	ActionRequestTicket = "tr:req"
	ActionVerify        = "vr:start"
	ActionAcceptRules   = "rules:ok"
)

const defaultJoinMessage = "Welcome! Press the button below to get verified."

// MemberJoined records the member and greets them with the prompt that fits
// their screening state.
func (e *Engine) MemberJoined(ctx context.Context, guildID, userID int64, displayName string, screeningPending bool) error {
	if err := e.roster.Join(ctx, roster.Member{
		GuildID:          guildID,
		UserID:           userID,
		DisplayName:      displayName,
		JoinedAt:         e.clock.Now(),
		ScreeningPending: screeningPending,
	}); err != nil {
		return err
	}
	m, err := e.roster.Get(ctx, guildID, userID)
	if err != nil {
		return err
	}
	if m != nil && m.Verified {
		return nil
	}

	ch, err := e.channelSetting(ctx, guildID, settings.JoinChannel, "verification")
	if err != nil {
		if apperrors.IsKind(err, apperrors.KindConfigurationIncomplete) {
			e.logger.Debug("join channel not configured", "guild_id", guildID)
			return nil
		}
		return err
	}
	if screeningPending {
		return e.sendRulesPrompt(ctx, guildID, userID, ch)
	}
	return e.sendVerifyPrompt(ctx, guildID, userID, ch)
}

// MemberLeft forgets the member and abandons whatever they left pending.
func (e *Engine) MemberLeft(ctx context.Context, guildID, userID int64) error {
	e.clearReminders(ctx, guildID, userID)
	if err := e.roster.Leave(ctx, guildID, userID); err != nil {
		return err
	}

	tickets, err := e.ticketRequests.PendingForUser(ctx, guildID, userID)
	if err != nil {
		return err
	}
	for _, r := range tickets {
		if err := e.abandonLocked(ctx, request.KindTicket, r.ID); err != nil {
			return err
		}
	}

	verifications, err := e.verifications.PendingForUser(ctx, guildID, userID)
	if err != nil {
		return err
	}
	for _, v := range verifications {
		if err := e.abandonLocked(ctx, request.KindVerification, v.ID); err != nil {
			return err
		}
	}

	e.logger.Info("member left", "guild_id", guildID, "user_id", userID,
		"abandoned", len(tickets)+len(verifications))
	return nil
}

func (e *Engine) abandonLocked(ctx context.Context, kind request.Kind, id int64) error {
	view, unlock := e.lockView(kind, id)
	defer unlock()
	return e.abandon(ctx, view, kind, id)
}

// ScreeningCompleted swaps the member's rule prompt for a verify button.
// rulesMessage is the prompt that was answered, if known.
func (e *Engine) ScreeningCompleted(ctx context.Context, guildID, userID int64, rulesMessage *platform.MessageRef) error {
	if _, err := e.ownsButton(ctx, rulesMessage, userID); err != nil {
		return err
	}

	if err := e.roster.SetScreeningPending(ctx, guildID, userID, false); err != nil {
		return err
	}
	e.clearRemindersOf(ctx, guildID, userID, roster.ReminderRules)

	ch, err := e.channelSetting(ctx, guildID, settings.JoinChannel, "verification")
	if err != nil {
		return err
	}
	return e.sendVerifyPrompt(ctx, guildID, userID, ch)
}

func (e *Engine) sendVerifyPrompt(ctx context.Context, guildID, userID int64, ch platform.ChannelRef) error {
	tmpl, ok, err := e.stringSetting(ctx, guildID, settings.JoinMessage)
	if err != nil {
		return err
	}
	if !ok {
		tmpl = defaultJoinMessage
	}
	return e.sendReminder(ctx, guildID, userID, ch, roster.ReminderVerify, platform.Content{
		Text:     fillTemplate(tmpl, e.platform.Mention(ctx, guildID, userID)),
		Controls: [][]platform.Control{{{Label: "Verify me", Action: ActionVerify}}},
	})
}

func (e *Engine) sendRulesPrompt(ctx context.Context, guildID, userID int64, ch platform.ChannelRef) error {
	return e.sendReminder(ctx, guildID, userID, ch, roster.ReminderRules, platform.Content{
		Text: fmt.Sprintf("Welcome, %s! Please accept the rules to get a verification button.",
			e.platform.Mention(ctx, guildID, userID)),
		Controls: [][]platform.Control{{{Label: "I accept the rules", Action: ActionAcceptRules}}},
	})
}

func (e *Engine) sendReminder(ctx context.Context, guildID, userID int64, ch platform.ChannelRef, kind roster.ReminderKind, content platform.Content) error {
	msg, err := e.platform.SendNotification(ctx, ch, content)
	if err != nil {
		return platformError(err, "post in the join channel")
	}
	return e.roster.AddReminder(ctx, roster.Reminder{
		GuildID: guildID,
		UserID:  userID,
		Kind:    kind,
		Message: msg,
		SentAt:  e.clock.Now(),
	})
}

// PostTicketButton posts the "request a ticket" button into ch.
func (e *Engine) PostTicketButton(ctx context.Context, ch platform.ChannelRef, actorID int64) error {
	guildID := ch.ChatID
	if err := e.authorize(ctx, guildID, actorID); err != nil {
		return err
	}
	if _, ok, err := e.settings.Get(ctx, guildID, settings.TicketRequestChannel); err != nil {
		return err
	} else if !ok {
		return apperrors.Invalid("Cannot create a button. First, set a ticket request channel.")
	}
	_, err := e.platform.SendNotification(ctx, ch, platform.Content{
		Text:     "Need to talk to the staff? Press the button below to request a ticket.",
		Controls: [][]platform.Control{{{Label: "Request a ticket", Action: ActionRequestTicket}}},
	})
	if err != nil {
		return platformError(err, "post the ticket button")
	}
	return nil
}

// PostVerifyButton posts a shared "Verify me" button into ch.
func (e *Engine) PostVerifyButton(ctx context.Context, ch platform.ChannelRef, actorID int64) error {
	guildID := ch.ChatID
	if err := e.authorize(ctx, guildID, actorID); err != nil {
		return err
	}
	if err := e.checkConfigured(ctx, request.KindVerification, guildID); err != nil {
		return err
	}
	_, err := e.platform.SendNotification(ctx, ch, platform.Content{
		Text:     "Press the button below to get verified.",
		Controls: [][]platform.Control{{{Label: "Verify me", Action: ActionVerify}}},
	})
	if err != nil {
		return platformError(err, "post the verification button")
	}
	return nil
}
