package lifecycle

import (
	"context"

	apperrors "gatekeeper-bot/internal/errors"
	"gatekeeper-bot/internal/platform"
	"gatekeeper-bot/internal/request"
	"gatekeeper-bot/internal/settings"
)

var requiredSettings = map[request.Kind][]settings.Key{
	request.KindTicket: {settings.TicketRequestChannel},
	request.KindVerification: {
		settings.JoinChannel,
		settings.JoinMessage,
		settings.WelcomeChannel,
		settings.WelcomeMessage,
		settings.VerificationRequestChannel,
		settings.VerificationRole,
	},
}

// checkEligibility stops at the first failing condition: configuration, then
// open ticket, then pending request, then cooldown.
func (e *Engine) checkEligibility(ctx context.Context, kind request.Kind, guildID, userID int64) error {
	if err := e.checkConfigured(ctx, kind, guildID); err != nil {
		return err
	}

	if kind == request.KindVerification {
		m, err := e.roster.Get(ctx, guildID, userID)
		if err != nil {
			return err
		}
		if m != nil && m.Verified {
			return apperrors.ErrAlreadyVerified
		}
	}

	open, err := e.tickets.CountOpen(ctx, guildID, userID)
	if err != nil {
		return err
	}
	if open > 0 {
		return apperrors.Duplicate("You already have an open ticket!")
	}

	pendingTickets, err := e.ticketRequests.CountPending(ctx, guildID, userID)
	if err != nil {
		return err
	}
	pendingVerifications, err := e.verifications.CountPending(ctx, guildID, userID)
	if err != nil {
		return err
	}
	if pendingTickets+pendingVerifications > 0 {
		return apperrors.Duplicate("You already have a pending request! Please wait for staff to respond.")
	}

	remaining, err := e.cooldowns.Remaining(ctx, guildID, userID)
	if err != nil {
		return err
	}
	if remaining > 0 {
		return apperrors.CooldownActive(remaining)
	}
	return nil
}

func (e *Engine) checkConfigured(ctx context.Context, kind request.Kind, guildID int64) error {
	var missing []string
	for _, key := range requiredSettings[kind] {
		_, ok, err := e.settings.Get(ctx, guildID, key)
		if err != nil {
			return err
		}
		if !ok {
			missing = append(missing, string(key))
		}
	}
	if len(missing) > 0 {
		return apperrors.NotConfigured(string(kind), missing...)
	}
	return nil
}

// channelSetting resolves a channel-valued setting, treating an unparsable
// value like a missing one.
func (e *Engine) channelSetting(ctx context.Context, guildID int64, key settings.Key, feature string) (platform.ChannelRef, error) {
	v, ok, err := e.settings.Get(ctx, guildID, key)
	if err != nil {
		return platform.ChannelRef{}, err
	}
	if !ok {
		return platform.ChannelRef{}, apperrors.NotConfigured(feature, string(key))
	}
	ch, err := v.Channel()
	if err != nil {
		e.logger.Warn("invalid channel setting", "guild_id", guildID, "key", key, "value", v.String(), "error", err)
		return platform.ChannelRef{}, apperrors.NotConfigured(feature, string(key))
	}
	return ch, nil
}

func (e *Engine) stringSetting(ctx context.Context, guildID int64, key settings.Key) (string, bool, error) {
	v, ok, err := e.settings.Get(ctx, guildID, key)
	if err != nil || !ok {
		return "", false, err
	}
	return v.String(), true, nil
}

// startCooldown applies the guild's cooldown for key, if one is configured.
func (e *Engine) startCooldown(ctx context.Context, guildID, userID int64, key settings.Key, requestID int64) error {
	v, ok, err := e.settings.Get(ctx, guildID, key)
	if err != nil || !ok {
		return err
	}
	d, err := v.Seconds()
	if err != nil {
		e.logger.Warn("invalid cooldown setting", "guild_id", guildID, "key", key, "value", v.String(), "error", err)
		return nil
	}
	if d <= 0 {
		return nil
	}
	return e.cooldowns.Start(ctx, guildID, userID, d, &requestID)
}
