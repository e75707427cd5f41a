package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	apperrors "gatekeeper-bot/internal/errors"
	"gatekeeper-bot/internal/feed"
	"gatekeeper-bot/internal/metrics"
	"gatekeeper-bot/internal/platform"
	"gatekeeper-bot/internal/request"
)

type Action string

const (
	Accept Action = "accept"
	Reject Action = "reject"
)

const decisionPrefix = "dec"

// EncodeDecision renders the control action for a decision button.
func EncodeDecision(kind request.Kind, action Action, id int64) string {
	return fmt.Sprintf("%s:%s:%s:%d", decisionPrefix, kind, action, id)
}

// ParseDecision is the inverse of EncodeDecision.
func ParseDecision(data string) (request.Kind, Action, int64, error) {
	parts := strings.Split(data, ":")
	if len(parts) != 4 || parts[0] != decisionPrefix {
		return "", "", 0, fmt.Errorf("malformed decision %q", data)
	}
	kind := request.Kind(parts[1])
	if kind != request.KindTicket && kind != request.KindVerification {
		return "", "", 0, fmt.Errorf("unknown request kind %q", parts[1])
	}
	action := Action(parts[2])
	if action != Accept && action != Reject {
		return "", "", 0, fmt.Errorf("unknown decision action %q", parts[2])
	}
	id, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return "", "", 0, fmt.Errorf("parse request id: %w", err)
	}
	return kind, action, id, nil
}

func decisionControls(kind request.Kind, id int64) [][]platform.Control {
	return [][]platform.Control{{
		{Label: "Accept", Action: EncodeDecision(kind, Accept, id)},
		{Label: "Reject", Action: EncodeDecision(kind, Reject, id)},
	}}
}

// Decision is a staff member's verdict on one request.
type Decision struct {
	Kind      request.Kind
	RequestID int64
	Action    Action
	ActorID   int64
	Reason    string
}

type Outcome struct {
	// Applied is false when the request had already been decided.
	Applied bool
	Status  request.Status
	// Channel is the side channel opened by the decision, if any.
	Channel *platform.ChannelRef
}

// BeginDecision runs the checks that precede a decision and reports whether
// the actor must supply a reason first.
func (e *Engine) BeginDecision(ctx context.Context, kind request.Kind, id int64, action Action, actorID int64) (bool, error) {
	if e.views.get(kind, id) == nil {
		return false, apperrors.ErrAlreadyHandled
	}
	guildID, err := e.requestGuild(ctx, kind, id)
	if err != nil {
		return false, err
	}
	if err := e.authorize(ctx, guildID, actorID); err != nil {
		return false, err
	}
	return action == Reject, nil
}

// HandleDecision applies a decision at most once per request. A second call
// for the same request returns Outcome{Applied: false} without side effects.
func (e *Engine) HandleDecision(ctx context.Context, d Decision) (Outcome, error) {
	view, unlock := e.lockView(d.Kind, d.RequestID)
	defer unlock()

	out, err := e.decide(ctx, view, d)
	metrics.Decisions.WithLabelValues(string(d.Kind), string(d.Action), metrics.Applied(out.Applied)).Inc()
	return out, err
}

func (e *Engine) decide(ctx context.Context, view *NotificationView, d Decision) (Outcome, error) {
	if view == nil {
		return Outcome{}, nil
	}
	if d.Action == Reject && strings.TrimSpace(d.Reason) == "" {
		return Outcome{}, apperrors.ErrReasonRequired
	}

	switch d.Kind {
	case request.KindTicket:
		r, err := e.ticketRequests.Get(ctx, d.RequestID)
		if err != nil {
			return Outcome{}, err
		}
		if r == nil || r.Status != request.StatusPending {
			e.views.finish(view)
			return Outcome{}, nil
		}
		if err := e.authorize(ctx, r.GuildID, d.ActorID); err != nil {
			return Outcome{}, err
		}
		if gone, err := e.targetGone(ctx, view, d, r.GuildID, r.UserID); gone || err != nil {
			return Outcome{Status: request.StatusAbandoned}, err
		}
		if d.Action == Accept {
			return e.acceptTicketRequest(ctx, view, r, d.ActorID)
		}
		return e.rejectTicketRequest(ctx, view, r, d.ActorID, d.Reason)

	case request.KindVerification:
		v, err := e.verifications.Get(ctx, d.RequestID)
		if err != nil {
			return Outcome{}, err
		}
		if v == nil || v.Status != request.StatusPending {
			e.views.finish(view)
			return Outcome{}, nil
		}
		if err := e.authorize(ctx, v.GuildID, d.ActorID); err != nil {
			return Outcome{}, err
		}
		if gone, err := e.targetGone(ctx, view, d, v.GuildID, v.UserID); gone || err != nil {
			return Outcome{Status: request.StatusAbandoned}, err
		}
		if d.Action == Accept {
			return e.acceptVerification(ctx, view, v, d.ActorID)
		}
		return e.rejectVerification(ctx, view, v, d.ActorID, d.Reason)
	}
	return Outcome{}, fmt.Errorf("unknown request kind %q", d.Kind)
}

func (e *Engine) authorize(ctx context.Context, guildID, actorID int64) error {
	ok, err := e.platform.CanModerate(ctx, guildID, actorID)
	if err != nil {
		return fmt.Errorf("check moderator rights: %w", err)
	}
	if !ok {
		return apperrors.ErrUnauthorized
	}
	return nil
}

func (e *Engine) requestGuild(ctx context.Context, kind request.Kind, id int64) (int64, error) {
	switch kind {
	case request.KindTicket:
		r, err := e.ticketRequests.Get(ctx, id)
		if err != nil {
			return 0, err
		}
		if r == nil {
			return 0, apperrors.ErrAlreadyHandled
		}
		return r.GuildID, nil
	case request.KindVerification:
		v, err := e.verifications.Get(ctx, id)
		if err != nil {
			return 0, err
		}
		if v == nil {
			return 0, apperrors.ErrAlreadyHandled
		}
		return v.GuildID, nil
	}
	return 0, fmt.Errorf("unknown request kind %q", kind)
}

// targetGone closes the request as abandoned when its subject already left.
func (e *Engine) targetGone(ctx context.Context, view *NotificationView, d Decision, guildID, userID int64) (bool, error) {
	present, err := e.platform.IsMember(ctx, guildID, userID)
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	if present {
		return false, nil
	}

	e.logger.Info("decision target already left",
		"kind", d.Kind, "request_id", d.RequestID, "guild_id", guildID, "user_id", userID, "actor_id", d.ActorID)
	if err := e.abandon(ctx, view, d.Kind, d.RequestID); err != nil {
		return true, err
	}
	return true, apperrors.TargetGone(userID)
}

// abandon closes a pending request whose subject left and marks its
// notification. The caller holds the request's lock.
func (e *Engine) abandon(ctx context.Context, view *NotificationView, kind request.Kind, id int64) error {
	switch kind {
	case request.KindTicket:
		r, err := e.ticketRequests.Get(ctx, id)
		if err != nil {
			return err
		}
		if r == nil {
			break
		}
		if err := e.ticketRequests.Abandon(ctx, r); err != nil && !errors.Is(err, request.ErrNotPending) {
			return err
		}
		e.editNotification(ctx, r.Notification, platform.Content{
			Text: e.ticketRequestText(ctx, r) + "\n\n[USER LEFT]",
		})
		e.publish(feed.EventAbandoned, r.GuildID, r.UserID, r.ID, kind, 0)

	case request.KindVerification:
		v, err := e.verifications.Get(ctx, id)
		if err != nil {
			return err
		}
		if v == nil {
			break
		}
		if err := e.verifications.Abandon(ctx, v); err != nil && !errors.Is(err, request.ErrNotPending) {
			return err
		}
		e.editNotification(ctx, v.Notification, platform.Content{
			Text: e.verificationText(ctx, v) + "\n\n[USER LEFT]",
		})
		if v.JoinMessage != nil {
			e.deleteMessage(ctx, *v.JoinMessage)
		}
		e.publish(feed.EventAbandoned, v.GuildID, v.UserID, v.ID, kind, 0)
	}
	if view != nil {
		e.views.finish(view)
	}
	return nil
}
