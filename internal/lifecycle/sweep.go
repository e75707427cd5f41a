package lifecycle

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"gatekeeper-bot/internal/feed"
	"gatekeeper-bot/internal/metrics"
	"gatekeeper-bot/internal/platform"
	"gatekeeper-bot/internal/request"
	"gatekeeper-bot/internal/roster"
	"gatekeeper-bot/internal/settings"
)

// SweepResult summarizes one pass over unverified members.
type SweepResult struct {
	Reminded int
	Kicked   int
	Skipped  int
	Failed   int
}

// RemindUnverified nudges every unverified member once and removes those who
// ignored more than RemindersBeforeKick reminders. Per-member failures are
// logged and counted; only cancellation stops the pass early.
func (e *Engine) RemindUnverified(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	members, err := e.roster.Unverified(ctx)
	if err != nil {
		return res, err
	}
	rand.Shuffle(len(members), func(i, j int) { members[i], members[j] = members[j], members[i] })

	for i, m := range members {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if i > 0 {
			if err := e.clock.Sleep(ctx, e.opts.ReminderSpacing); err != nil {
				return res, err
			}
		}

		action, err := e.remindMember(ctx, m)
		switch {
		case err != nil:
			res.Failed++
			e.logger.Error("verification reminder failed", "guild_id", m.GuildID, "user_id", m.UserID, "error", err)
		case action == "kicked":
			res.Kicked++
		case action == "reminded":
			res.Reminded++
		default:
			res.Skipped++
		}
	}

	e.logger.Info("verification sweep finished", "members", len(members),
		"reminded", res.Reminded, "kicked", res.Kicked, "skipped", res.Skipped, "failed", res.Failed)
	return res, nil
}

func (e *Engine) remindMember(ctx context.Context, m roster.Member) (string, error) {
	pending, err := e.verifications.CountPending(ctx, m.GuildID, m.UserID)
	if err != nil {
		return "", err
	}
	if pending > 0 {
		return "", nil
	}

	count, err := e.roster.CountReminders(ctx, m.GuildID, m.UserID, roster.ReminderVerify)
	if err != nil {
		return "", err
	}
	if count == 0 {
		if count, err = e.roster.CountReminders(ctx, m.GuildID, m.UserID, roster.ReminderRules); err != nil {
			return "", err
		}
	}

	if count > e.opts.RemindersBeforeKick {
		if err := e.platform.RemoveMember(ctx, m.GuildID, m.UserID, "did not verify in time"); err != nil {
			return "", platformError(err, "remove the member")
		}
		e.clearReminders(ctx, m.GuildID, m.UserID)
		if err := e.roster.Leave(ctx, m.GuildID, m.UserID); err != nil {
			return "", err
		}
		e.logger.Info("removed unverified member", "guild_id", m.GuildID, "user_id", m.UserID, "reminders", count)
		metrics.SweepActions.WithLabelValues("kicked").Inc()
		e.publish(feed.EventKicked, m.GuildID, m.UserID, 0, request.KindVerification, 0)
		return "kicked", nil
	}

	ch, err := e.channelSetting(ctx, m.GuildID, settings.JoinChannel, "verification")
	if err != nil {
		return "", err
	}
	if m.ScreeningPending {
		err = e.sendRulesPrompt(ctx, m.GuildID, m.UserID, ch)
	} else {
		err = e.sendVerifyPrompt(ctx, m.GuildID, m.UserID, ch)
	}
	if err != nil {
		return "", err
	}
	metrics.SweepActions.WithLabelValues("reminded").Inc()
	e.publish(feed.EventReminded, m.GuildID, m.UserID, 0, request.KindVerification, 0)
	return "reminded", nil
}

// DeleteExpiredChannels removes informational channels of requests rejected
// longer than RejectedChannelTTL ago and forgets them.
func (e *Engine) DeleteExpiredChannels(ctx context.Context) (int, error) {
	due, err := e.ticketRequests.DueForExpiry(ctx, e.opts.RejectedChannelTTL)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, r := range due {
		ch, ok := r.Channel()
		if !ok {
			continue
		}
		err := e.platform.DeleteChannel(ctx, ch, "rejected ticket request expired")
		if err != nil && !errors.Is(err, platform.ErrNotFound) {
			e.logger.Warn("failed to delete expired channel", "request_id", r.ID, "channel", ch.String(), "error", err)
			continue
		}
		if err := e.ticketRequests.ClearChannel(ctx, r.GuildID, *r.ChannelID); err != nil {
			e.logger.Error("failed to clear expired channel", "request_id", r.ID, "error", err)
			continue
		}
		deleted++
		metrics.ExpiredChannels.Inc()
		e.publish(feed.EventChannelGone, r.GuildID, r.UserID, r.ID, request.KindTicket, 0)
	}
	if deleted > 0 {
		e.logger.Info("deleted expired channels", "count", deleted)
	}
	return deleted, nil
}

// Run drives both sweeps until ctx is cancelled. The expiry sweep runs once
// at start; the verification sweep first fires one interval after start.
func (e *Engine) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		e.every(ctx, e.opts.ExpiryInterval, true, func() {
			if _, err := e.DeleteExpiredChannels(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error("expiry sweep failed", "error", err)
			}
		})
	}()
	go func() {
		defer wg.Done()
		e.every(ctx, e.opts.ReminderInterval, false, func() {
			if _, err := e.RemindUnverified(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error("verification sweep failed", "error", err)
			}
		})
	}()

	wg.Wait()
	return ctx.Err()
}

func (e *Engine) every(ctx context.Context, interval time.Duration, immediately bool, fn func()) {
	if interval <= 0 {
		return
	}
	if immediately {
		fn()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
