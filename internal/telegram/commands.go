package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	apperrors "gatekeeper-bot/internal/errors"
	"gatekeeper-bot/internal/platform"
	"gatekeeper-bot/internal/settings"
)

const helpText = "Staff commands:\n" +
	"/ticketbutton - post the \"Request a ticket\" button here\n" +
	"/verifybutton - post the \"Verify me\" button here\n" +
	"/ticket <user> [reason] - open a ticket with a member (or reply to them)\n" +
	"/close - close the ticket in this topic\n" +
	"/cooldown <user> [duration] - show or replace a member's cooldown (0 clears it)\n" +
	"/clear <user> - close a member's tickets and reject their pending requests\n" +
	"/set <setting> [value] - change a setting; channel settings default to this topic\n" +
	"/get [setting] - show settings\n" +
	"/unset <setting> - fall back to the default value"

var errUsage = apperrors.Invalid("Wrong arguments. Use /help to see how the command works.")

func (h *Handler) handleCommand(ctx context.Context, logger *slog.Logger, ch platform.ChannelRef, msg, reply *tgbotapi.Message) {
	actorID := msg.From.ID
	raw := msg.CommandArguments()
	args := strings.Fields(raw)

	var err error
	switch msg.Command() {
	case "start", "help":
		h.reply(ctx, ch, helpText)
	case "ticketbutton":
		err = h.engine.PostTicketButton(ctx, ch, actorID)
	case "verifybutton":
		err = h.engine.PostVerifyButton(ctx, ch, actorID)
	case "ticket":
		err = h.cmdTicket(ctx, logger, ch, actorID, commandTarget(reply, args))
	case "close":
		err = h.engine.CloseTicket(ctx, ch, actorID)
	case "cooldown":
		err = h.cmdCooldown(ctx, ch, actorID, commandTarget(reply, args))
	case "clear":
		err = h.cmdClear(ctx, ch, actorID, commandTarget(reply, args))
	case "set":
		err = h.cmdSet(ctx, ch, actorID, raw)
	case "get":
		err = h.cmdGet(ctx, ch, actorID, args)
	case "unset":
		err = h.cmdUnset(ctx, ch, actorID, args)
	default:
		return
	}

	if err != nil {
		h.fail(ctx, logger, ch, err, "command")
		return
	}
	logger.Debug("command handled")
}

// parseUserArg reads a numeric user ID, with or without a leading "id".
func parseUserArg(s string) (int64, bool) {
	s = strings.TrimPrefix(strings.ToLower(s), "id")
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

type target struct {
	userID int64
	args   []string
	err    error
}

// commandTarget picks the member a command is about: an explicit ID first,
// then the author of the replied-to message. The remaining args are kept.
func commandTarget(reply *tgbotapi.Message, args []string) target {
	if len(args) > 0 {
		if id, ok := parseUserArg(args[0]); ok {
			return target{userID: id, args: args[1:]}
		}
	}
	if reply != nil && reply.From != nil && !reply.From.IsBot {
		return target{userID: reply.From.ID, args: args}
	}
	return target{err: apperrors.Invalid("Tell me who: reply to one of their messages or give their numeric user ID.")}
}

// splitFirst splits off the first word; the remainder keeps its line breaks.
func splitFirst(s string) (string, string) {
	s = strings.TrimSpace(s)
	i := strings.IndexFunc(s, unicode.IsSpace)
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimSpace(s[i:])
}

// parseCooldown accepts Go durations ("90m", "1h30m") or whole seconds.
func parseCooldown(s string) (time.Duration, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0, errUsage
		}
		if n > settings.MaxSeconds {
			return 0, apperrors.Invalid("That duration is too long.")
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, apperrors.Invalid("Durations look like 3600, 90m or 1h30m.")
	}
	return d, nil
}

func (h *Handler) cmdTicket(ctx context.Context, logger *slog.Logger, ch platform.ChannelRef, actorID int64, tgt target) error {
	if tgt.err != nil {
		return tgt.err
	}
	userID := tgt.userID
	t, topic, err := h.engine.CreateTicket(ctx, ch.ChatID, userID, strings.Join(tgt.args, " "), actorID)
	if err != nil {
		return err
	}
	logger.Info("ticket opened by staff", "ticket_id", t.ID, "target_id", userID)
	h.reply(ctx, ch, fmt.Sprintf("Opened ticket #%d with %s in topic %d.", t.ID, h.adapter.Mention(ctx, ch.ChatID, userID), topic.ThreadID))
	return nil
}

func (h *Handler) cmdCooldown(ctx context.Context, ch platform.ChannelRef, actorID int64, tgt target) error {
	if tgt.err != nil {
		return tgt.err
	}
	userID, rest := tgt.userID, tgt.args
	mention := h.adapter.Mention(ctx, ch.ChatID, userID)

	if len(rest) == 0 {
		if err := h.requireModerator(ctx, ch.ChatID, actorID); err != nil {
			return err
		}
		remaining, err := h.engine.UserCooldown(ctx, ch.ChatID, userID)
		if err != nil {
			return err
		}
		if remaining <= 0 {
			h.reply(ctx, ch, mention+" has no active cooldown.")
			return nil
		}
		h.reply(ctx, ch, fmt.Sprintf("%s can submit again in %s.", mention, apperrors.FormatDuration(remaining)))
		return nil
	}

	d, err := parseCooldown(rest[0])
	if err != nil {
		return err
	}
	if err := h.engine.SetUserCooldown(ctx, ch.ChatID, userID, d, actorID); err != nil {
		return err
	}
	if d == 0 {
		h.reply(ctx, ch, "Cleared the cooldown of "+mention+".")
		return nil
	}
	h.reply(ctx, ch, fmt.Sprintf("%s can submit again in %s.", mention, apperrors.FormatDuration(d)))
	return nil
}

func (h *Handler) cmdClear(ctx context.Context, ch platform.ChannelRef, actorID int64, tgt target) error {
	if tgt.err != nil {
		return tgt.err
	}
	closed, rejected, err := h.engine.ClearUser(ctx, ch.ChatID, tgt.userID, actorID)
	if err != nil {
		return err
	}
	h.reply(ctx, ch, fmt.Sprintf("Closed %d ticket(s) and rejected %d request(s) of %s.",
		closed, rejected, h.adapter.Mention(ctx, ch.ChatID, tgt.userID)))
	return nil
}

func (h *Handler) requireModerator(ctx context.Context, guildID, actorID int64) error {
	ok, err := h.adapter.CanModerate(ctx, guildID, actorID)
	if err != nil {
		return apperrors.ExternalDenied(err, "check your permissions")
	}
	if !ok {
		return apperrors.ErrUnauthorized
	}
	return nil
}

func settingKey(s string) (settings.Key, error) {
	if !settings.IsKnown(s) {
		names := make([]string, len(settings.Keys))
		for i, k := range settings.Keys {
			names[i] = string(k)
		}
		return "", apperrors.Invalid("Unknown setting. Known settings: " + strings.Join(names, ", "))
	}
	return settings.Key(s), nil
}

func isChannelKey(k settings.Key) bool {
	return strings.HasSuffix(string(k), "_channel")
}

func isCooldownKey(k settings.Key) bool {
	return strings.HasSuffix(string(k), "_cooldown")
}

// settingValue normalizes what staff typed for key. Channel settings take
// "here" or nothing to mean the current topic.
func settingValue(key settings.Key, ch platform.ChannelRef, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case isChannelKey(key):
		if raw == "" || strings.EqualFold(raw, "here") {
			return ch.String(), nil
		}
		ref, err := platform.ParseChannelRef(raw)
		if err != nil {
			return "", apperrors.Invalid("Channels look like -100123 or -100123/45, or use \"here\".")
		}
		return ref.String(), nil
	case isCooldownKey(key):
		if raw == "" {
			return "", errUsage
		}
		d, err := parseCooldown(raw)
		if err != nil {
			return "", err
		}
		return strconv.FormatInt(int64(d/time.Second), 10), nil
	}
	if raw == "" {
		return "", errUsage
	}
	return raw, nil
}

func (h *Handler) cmdSet(ctx context.Context, ch platform.ChannelRef, actorID int64, raw string) error {
	name, rest := splitFirst(raw)
	if name == "" {
		return errUsage
	}
	if err := h.requireModerator(ctx, ch.ChatID, actorID); err != nil {
		return err
	}
	key, err := settingKey(name)
	if err != nil {
		return err
	}
	value, err := settingValue(key, ch, rest)
	if err != nil {
		return err
	}
	if err := h.settings.Set(ctx, ch.ChatID, key, value); err != nil {
		return err
	}
	h.logger.Info("setting changed", "guild_id", ch.ChatID, "actor_id", actorID, "key", key, "value", value)
	h.reply(ctx, ch, fmt.Sprintf("%s = %s", key, value))
	return nil
}

func (h *Handler) cmdGet(ctx context.Context, ch platform.ChannelRef, actorID int64, args []string) error {
	if err := h.requireModerator(ctx, ch.ChatID, actorID); err != nil {
		return err
	}
	keys := settings.Keys
	if len(args) > 0 {
		key, err := settingKey(args[0])
		if err != nil {
			return err
		}
		keys = []settings.Key{key}
	}

	var b strings.Builder
	for _, key := range keys {
		v, ok, err := h.settings.Get(ctx, ch.ChatID, key)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintf(&b, "%s: (unset)\n", key)
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", key, v)
	}
	h.reply(ctx, ch, strings.TrimSuffix(b.String(), "\n"))
	return nil
}

func (h *Handler) cmdUnset(ctx context.Context, ch platform.ChannelRef, actorID int64, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	if err := h.requireModerator(ctx, ch.ChatID, actorID); err != nil {
		return err
	}
	key, err := settingKey(args[0])
	if err != nil {
		return err
	}
	if err := h.settings.Unset(ctx, ch.ChatID, key); err != nil {
		return err
	}
	h.logger.Info("setting cleared", "guild_id", ch.ChatID, "actor_id", actorID, "key", key)
	h.reply(ctx, ch, fmt.Sprintf("%s reset to its default.", key))
	return nil
}
