package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "gatekeeper-bot/internal/errors"
	"gatekeeper-bot/internal/feed"
	"gatekeeper-bot/internal/metrics"
	"gatekeeper-bot/internal/platform"
	"gatekeeper-bot/internal/request"
	"gatekeeper-bot/internal/settings"
)

// platformError turns a permission failure into an actionable message.
func platformError(err error, action string) error {
	if errors.Is(err, platform.ErrPermissionDenied) {
		return apperrors.ExternalDenied(err, action)
	}
	return fmt.Errorf("%s: %w", action, err)
}

// CheckTicketRequest reports why userID may not request a ticket right now,
// so the reason prompt is only shown to eligible members.
func (e *Engine) CheckTicketRequest(ctx context.Context, guildID, userID int64) error {
	return e.checkEligibility(ctx, request.KindTicket, guildID, userID)
}

// SubmitTicketRequest files a ticket request and posts its decision UI to the
// guild's request channel.
func (e *Engine) SubmitTicketRequest(ctx context.Context, guildID, userID int64, reason string) (*request.TicketRequest, error) {
	release, err := e.acquire(guildID, userID)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := e.checkEligibility(ctx, request.KindTicket, guildID, userID); err != nil {
		metrics.Submissions.WithLabelValues(string(request.KindTicket), apperrors.KindOf(err).String()).Inc()
		return nil, err
	}
	ch, err := e.channelSetting(ctx, guildID, settings.TicketRequestChannel, "ticket")
	if err != nil {
		return nil, err
	}

	r, err := e.ticketRequests.Create(ctx, guildID, userID, reason)
	if err != nil {
		return nil, err
	}

	msg, err := e.platform.SendNotification(ctx, ch, platform.Content{
		Text:     e.ticketRequestText(ctx, r),
		Controls: decisionControls(request.KindTicket, r.ID),
	})
	if err != nil {
		if abandonErr := e.ticketRequests.Abandon(ctx, r); abandonErr != nil {
			e.logger.Error("failed to abandon undelivered ticket request", "request_id", r.ID, "error", abandonErr)
		}
		return nil, platformError(err, "post in the ticket request channel")
	}
	if err := e.ticketRequests.SetNotification(ctx, r, msg); err != nil {
		if abandonErr := e.ticketRequests.Abandon(ctx, r); abandonErr != nil {
			e.logger.Error("failed to abandon unrecorded ticket request", "request_id", r.ID, "error", abandonErr)
		}
		e.deleteMessage(ctx, msg)
		return nil, err
	}
	e.views.register(request.KindTicket, r.ID, r.Notification)

	e.logger.Info("ticket request submitted", "guild_id", guildID, "user_id", userID, "request_id", r.ID)
	metrics.Submissions.WithLabelValues(string(request.KindTicket), "created").Inc()
	e.publish(feed.EventSubmitted, guildID, userID, r.ID, request.KindTicket, 0)
	return r, nil
}

// openTicket creates the ticket and its side channel, rolling the ticket back
// when the channel cannot be created or recorded.
func (e *Engine) openTicket(ctx context.Context, guildID, userID int64, reason string) (*request.Ticket, platform.ChannelRef, error) {
	t, err := e.tickets.Create(ctx, guildID, userID, reason)
	if err != nil {
		return nil, platform.ChannelRef{}, err
	}

	ch, err := e.platform.CreateSideChannel(ctx, guildID, fmt.Sprintf("ticket %d", t.ID), platform.CategoryTicket)
	if err != nil {
		e.rollbackTicket(ctx, t, nil)
		return nil, platform.ChannelRef{}, platformError(err, "create the ticket channel")
	}
	if err := e.platform.SetChannelPermission(ctx, ch, userID, true, true); err != nil {
		e.logger.Warn("failed to grant ticket channel access", "ticket_id", t.ID, "user_id", userID, "error", err)
	}

	thread := int64(ch.ThreadID)
	if err := e.tickets.SetChannel(ctx, t, &thread); err != nil {
		e.rollbackTicket(ctx, t, &ch)
		return nil, platform.ChannelRef{}, err
	}
	return t, ch, nil
}

// rollbackTicket removes a ticket that could not be fully opened, and its
// channel when one was created.
func (e *Engine) rollbackTicket(ctx context.Context, t *request.Ticket, ch *platform.ChannelRef) {
	if ch != nil {
		if err := e.platform.DeleteChannel(ctx, *ch, "ticket not opened"); err != nil && !errors.Is(err, platform.ErrNotFound) {
			e.logger.Error("failed to roll back ticket channel", "ticket_id", t.ID, "error", err)
		}
	}
	if err := e.tickets.Delete(ctx, t); err != nil {
		e.logger.Error("failed to roll back ticket", "ticket_id", t.ID, "error", err)
	}
}

// announceTicket posts the introduction in a freshly opened ticket.
func (e *Engine) announceTicket(ctx context.Context, t *request.Ticket, ch platform.ChannelRef) {
	text := fmt.Sprintf("Ticket #%d\nThis ticket has been created at the request of %s.",
		t.ID, e.platform.Mention(ctx, t.GuildID, t.UserID))
	if t.Reason != "" {
		text += " They wanted to talk about the following:\n" + quote(t.Reason)
	}
	text += "\n\nTo close this ticket use /close."
	if _, err := e.platform.SendNotification(ctx, ch, platform.Content{Text: text}); err != nil {
		e.logger.Warn("failed to post ticket introduction", "ticket_id", t.ID, "error", err)
	}
	e.publish(feed.EventTicketOpened, t.GuildID, t.UserID, t.ID, request.KindTicket, 0)
}

func (e *Engine) acceptTicketRequest(ctx context.Context, view *NotificationView, r *request.TicketRequest, actorID int64) (Outcome, error) {
	open, err := e.tickets.CountOpen(ctx, r.GuildID, r.UserID)
	if err != nil {
		return Outcome{}, err
	}
	if open > 0 {
		return Outcome{}, apperrors.Duplicate("This user already has an open ticket! Close it or reject this request.")
	}

	t, ch, err := e.openTicket(ctx, r.GuildID, r.UserID, r.Reason)
	if err != nil {
		return Outcome{}, err
	}
	if err := e.ticketRequests.Accept(ctx, r, t); err != nil {
		e.rollbackTicket(ctx, t, &ch)
		return Outcome{}, err
	}
	e.views.finish(view)
	e.announceTicket(ctx, t, ch)

	e.editNotification(ctx, r.Notification, platform.Content{
		Text: decidedText(e.ticketRequestText(ctx, r), "ACCEPTED", e.platform.Mention(ctx, r.GuildID, actorID), ""),
	})

	e.logger.Info("ticket request accepted",
		"guild_id", r.GuildID, "user_id", r.UserID, "request_id", r.ID, "ticket_id", t.ID, "actor_id", actorID)
	e.publish(feed.EventAccepted, r.GuildID, r.UserID, r.ID, request.KindTicket, actorID)
	return Outcome{Applied: true, Status: request.StatusAccepted, Channel: &ch}, nil
}

func (e *Engine) rejectTicketRequest(ctx context.Context, view *NotificationView, r *request.TicketRequest, actorID int64, reason string) (Outcome, error) {
	if err := e.startCooldown(ctx, r.GuildID, r.UserID, settings.TicketCooldown, r.ID); err != nil {
		return Outcome{}, err
	}
	if err := e.ticketRequests.Reject(ctx, r); err != nil {
		return Outcome{}, err
	}
	e.views.finish(view)

	e.editNotification(ctx, r.Notification, platform.Content{
		Text: decidedText(e.ticketRequestText(ctx, r), "REJECTED", e.platform.Mention(ctx, r.GuildID, actorID), reason),
	})

	out := Outcome{Applied: true, Status: request.StatusRejected}
	ch, err := e.platform.CreateSideChannel(ctx, r.GuildID, fmt.Sprintf("rejected request %d", r.ID), platform.CategoryRejected)
	if err != nil {
		e.logger.Warn("failed to open rejection channel", "request_id", r.ID, "error", err)
	} else {
		if err := e.platform.SetChannelPermission(ctx, ch, r.UserID, true, false); err != nil {
			e.logger.Warn("failed to grant rejection channel access", "request_id", r.ID, "error", err)
		}
		thread := int64(ch.ThreadID)
		if err := e.ticketRequests.SetChannel(ctx, r, &thread); err != nil {
			return out, err
		}
		text := fmt.Sprintf("Ticket Request #%d [REJECTED]\nThe ticket requested by %s has been rejected. "+
			"This channel only serves to inform them of this decision. It will be auto-deleted in ~%s.\nReason:\n%s",
			r.ID, e.platform.Mention(ctx, r.GuildID, r.UserID), apperrors.FormatDuration(e.opts.RejectedChannelTTL), quote(reason))
		if _, err := e.platform.SendNotification(ctx, ch, platform.Content{Text: text}); err != nil {
			e.logger.Warn("failed to post rejection notice", "request_id", r.ID, "error", err)
		}
		out.Channel = &ch
	}

	e.logger.Info("ticket request rejected",
		"guild_id", r.GuildID, "user_id", r.UserID, "request_id", r.ID, "actor_id", actorID)
	e.publish(feed.EventRejected, r.GuildID, r.UserID, r.ID, request.KindTicket, actorID)
	return out, nil
}

// CreateTicket opens a ticket for userID on a moderator's behalf.
func (e *Engine) CreateTicket(ctx context.Context, guildID, userID int64, reason string, actorID int64) (*request.Ticket, platform.ChannelRef, error) {
	if err := e.authorize(ctx, guildID, actorID); err != nil {
		return nil, platform.ChannelRef{}, err
	}
	requestCh, err := e.channelSetting(ctx, guildID, settings.TicketRequestChannel, "ticket")
	if err != nil {
		return nil, platform.ChannelRef{}, err
	}
	release, err := e.acquire(guildID, userID)
	if errors.Is(err, apperrors.ErrSubmissionInProgress) {
		return nil, platform.ChannelRef{}, apperrors.Duplicate("This user is submitting a request right now. Try again in a moment.")
	}
	if err != nil {
		return nil, platform.ChannelRef{}, err
	}
	defer release()

	open, err := e.tickets.CountOpen(ctx, guildID, userID)
	if err != nil {
		return nil, platform.ChannelRef{}, err
	}
	if open > 0 {
		return nil, platform.ChannelRef{}, apperrors.Duplicate("This user already has an open ticket!")
	}
	pending, err := e.ticketRequests.CountPending(ctx, guildID, userID)
	if err != nil {
		return nil, platform.ChannelRef{}, err
	}
	if pending > 0 {
		return nil, platform.ChannelRef{}, apperrors.Duplicate("This user has a pending ticket request. Accept or reject it instead.")
	}

	t, ch, err := e.openTicket(ctx, guildID, userID, reason)
	if err != nil {
		return nil, platform.ChannelRef{}, err
	}
	e.announceTicket(ctx, t, ch)

	text := fmt.Sprintf("Manual Ticket Creation\n%s opened ticket #%d for %s.",
		e.platform.Mention(ctx, guildID, actorID), t.ID, e.platform.Mention(ctx, guildID, userID))
	if reason != "" {
		text += "\n" + quote(reason)
	}
	if _, err := e.platform.SendNotification(ctx, requestCh, platform.Content{Text: text}); err != nil {
		e.logger.Warn("failed to log manual ticket", "ticket_id", t.ID, "error", err)
	}

	e.logger.Info("ticket created manually", "guild_id", guildID, "user_id", userID, "ticket_id", t.ID, "actor_id", actorID)
	return t, ch, nil
}

// CloseTicket closes the ticket bound to ch, or deletes ch when it is the
// informational channel of a rejected request.
func (e *Engine) CloseTicket(ctx context.Context, ch platform.ChannelRef, actorID int64) error {
	guildID, channelID := ch.ChatID, int64(ch.ThreadID)
	if ch.ThreadID == 0 {
		return apperrors.ErrNotTicketChannel
	}

	t, err := e.tickets.GetByChannel(ctx, guildID, channelID)
	if err != nil {
		return err
	}
	if t != nil {
		if actorID != t.UserID {
			if err := e.authorize(ctx, guildID, actorID); err != nil {
				return err
			}
		}
		return e.closeTicket(ctx, t, ch, actorID)
	}

	r, err := e.ticketRequests.GetByChannel(ctx, guildID, channelID)
	if err != nil {
		return err
	}
	if r == nil {
		return apperrors.ErrNotTicketChannel
	}
	if err := e.authorize(ctx, guildID, actorID); err != nil {
		return err
	}
	if err := e.platform.DeleteChannel(ctx, ch, "close rejected ticket request"); err != nil && !errors.Is(err, platform.ErrNotFound) {
		return platformError(err, "delete the channel")
	}
	return e.ticketRequests.ClearChannel(ctx, guildID, channelID)
}

func (e *Engine) closeTicket(ctx context.Context, t *request.Ticket, ch platform.ChannelRef, actorID int64) error {
	log, err := e.tickets.Messages(ctx, t.ID)
	if err != nil {
		return err
	}
	if err := e.tickets.Close(ctx, t, log); err != nil {
		if errors.Is(err, request.ErrNotOpen) {
			return apperrors.ErrNotTicketChannel
		}
		return err
	}

	logCh, err := e.channelSetting(ctx, t.GuildID, settings.TicketLogChannel, "ticket log")
	switch {
	case err == nil:
		data := transcript(t, e.platform.Mention(ctx, t.GuildID, t.UserID), log)
		name := fmt.Sprintf("ticket_log%d.txt", t.ID)
		if _, err := e.platform.SendFile(ctx, logCh, name, data, fmt.Sprintf("Ticket log #%d", t.ID)); err != nil {
			e.logger.Warn("failed to post ticket log", "ticket_id", t.ID, "error", err)
		}
	case apperrors.IsKind(err, apperrors.KindConfigurationIncomplete):
		e.logger.Debug("no ticket log channel configured", "guild_id", t.GuildID)
	default:
		return err
	}

	if err := e.platform.DeleteChannel(ctx, ch, "ticket closed"); err != nil && !errors.Is(err, platform.ErrNotFound) {
		e.logger.Warn("failed to delete ticket channel", "ticket_id", t.ID, "error", err)
	}

	e.logger.Info("ticket closed", "guild_id", t.GuildID, "user_id", t.UserID, "ticket_id", t.ID, "actor_id", actorID,
		"messages", len(log))
	e.publish(feed.EventTicketClosed, t.GuildID, t.UserID, t.ID, request.KindTicket, actorID)
	return nil
}

// RecordTicketMessage appends a message posted in a ticket channel to its
// transcript. It reports false when ch is not an open ticket.
func (e *Engine) RecordTicketMessage(ctx context.Context, ch platform.ChannelRef, entry request.TranscriptEntry) (bool, error) {
	if ch.ThreadID == 0 {
		return false, nil
	}
	t, err := e.tickets.GetByChannel(ctx, ch.ChatID, int64(ch.ThreadID))
	if err != nil || t == nil {
		return false, err
	}
	if entry.CreatedAt == 0 {
		entry.CreatedAt = e.clock.Now().Unix()
	}
	if err := e.tickets.AppendMessage(ctx, t.ID, entry); err != nil {
		return false, err
	}
	return true, nil
}

// SetUserCooldown replaces the member's cooldown. A zero duration clears it.
func (e *Engine) SetUserCooldown(ctx context.Context, guildID, userID int64, d time.Duration, actorID int64) error {
	if err := e.authorize(ctx, guildID, actorID); err != nil {
		return err
	}
	if err := e.cooldowns.Reset(ctx, guildID, userID); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	return e.cooldowns.Start(ctx, guildID, userID, d, nil)
}

func (e *Engine) UserCooldown(ctx context.Context, guildID, userID int64) (time.Duration, error) {
	return e.cooldowns.Remaining(ctx, guildID, userID)
}

// ClearUser closes the member's open tickets and rejects their pending
// ticket requests.
func (e *Engine) ClearUser(ctx context.Context, guildID, userID, actorID int64) (closed, rejected int, err error) {
	if err := e.authorize(ctx, guildID, actorID); err != nil {
		return 0, 0, err
	}

	tickets, err := e.tickets.CloseAllForUser(ctx, guildID, userID)
	if err != nil {
		return 0, 0, err
	}
	for _, t := range tickets {
		if ch, ok := t.Channel(); ok {
			if err := e.platform.DeleteChannel(ctx, ch, "tickets cleared"); err != nil && !errors.Is(err, platform.ErrNotFound) {
				e.logger.Warn("failed to delete ticket channel", "ticket_id", t.ID, "error", err)
			}
		}
		e.publish(feed.EventTicketClosed, guildID, userID, t.ID, request.KindTicket, actorID)
	}

	pending, err := e.ticketRequests.PendingForUser(ctx, guildID, userID)
	if err != nil {
		return len(tickets), 0, err
	}
	actor := e.platform.Mention(ctx, guildID, actorID)
	for _, r := range pending {
		ok, err := e.clearRequest(ctx, r, actor, actorID)
		if err != nil {
			return len(tickets), rejected, err
		}
		if ok {
			rejected++
		}
	}

	e.logger.Info("cleared user", "guild_id", guildID, "user_id", userID, "actor_id", actorID,
		"tickets_closed", len(tickets), "requests_rejected", rejected)
	return len(tickets), rejected, nil
}

func (e *Engine) clearRequest(ctx context.Context, r *request.TicketRequest, actor string, actorID int64) (bool, error) {
	view, unlock := e.lockView(request.KindTicket, r.ID)
	defer unlock()

	if err := e.ticketRequests.Reject(ctx, r); err != nil {
		if errors.Is(err, request.ErrNotPending) {
			return false, nil
		}
		return false, err
	}
	if view != nil {
		e.views.finish(view)
	}
	e.editNotification(ctx, r.Notification, platform.Content{
		Text: decidedText(e.ticketRequestText(ctx, r), "REJECTED", actor, "Cleared by staff."),
	})
	e.publish(feed.EventRejected, r.GuildID, r.UserID, r.ID, request.KindTicket, actorID)
	return true, nil
}
