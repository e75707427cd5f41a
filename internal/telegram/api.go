package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"gatekeeper-bot/internal/platform"
)

// Forum topic icon colors accepted by createForumTopic.
const (
	topicBlue  = 0x6FB9F0
	topicGreen = 0x8EEE98
	topicRed   = 0xFB6F5F
)

func topicColor(c platform.Category) int {
	switch c {
	case platform.CategoryTicket:
		return topicGreen
	case platform.CategoryRejected:
		return topicRed
	default:
		return topicBlue
	}
}

// Adapter implements platform.Platform on the Bot API. Forum topics are not
// modelled by the client library, so topic-aware calls go through MakeRequest.
type Adapter struct {
	api    *tgbotapi.BotAPI
	names  *nameCache
	logger *slog.Logger
}

func NewAdapter(api *tgbotapi.BotAPI, logger *slog.Logger) *Adapter {
	return &Adapter{
		api:    api,
		names:  newNameCache(),
		logger: logger,
	}
}

// mapError folds Bot API failures into the platform sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	msg := strings.ToLower(apiErr.Message)
	switch {
	case apiErr.Code == 403,
		strings.Contains(msg, "not enough rights"),
		strings.Contains(msg, "have no rights"),
		strings.Contains(msg, "chat_admin_required"),
		strings.Contains(msg, "can't remove chat owner"),
		strings.Contains(msg, "user is an administrator"):
		return fmt.Errorf("%w: %s", platform.ErrPermissionDenied, apiErr.Message)
	case apiErr.Code == 400 && (strings.Contains(msg, "not found") ||
		strings.Contains(msg, "topic_id_invalid") ||
		strings.Contains(msg, "message can't be deleted") ||
		strings.Contains(msg, "message to edit not found")):
		return fmt.Errorf("%w: %s", platform.ErrNotFound, apiErr.Message)
	}
	return fmt.Errorf("telegram api: %w", err)
}

// isNotModified reports the harmless error returned when an edit changes nothing.
func isNotModified(err error) bool {
	var apiErr *tgbotapi.Error
	return errors.As(err, &apiErr) && strings.Contains(apiErr.Message, "message is not modified")
}

func keyboard(rows [][]platform.Control) *tgbotapi.InlineKeyboardMarkup {
	if len(rows) == 0 {
		return nil
	}
	markup := tgbotapi.InlineKeyboardMarkup{InlineKeyboard: make([][]tgbotapi.InlineKeyboardButton, 0, len(rows))}
	for _, row := range rows {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, c := range row {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(c.Label, c.Action))
		}
		markup.InlineKeyboard = append(markup.InlineKeyboard, buttons)
	}
	return &markup
}

func (a *Adapter) call(endpoint string, params tgbotapi.Params) (json.RawMessage, error) {
	resp, err := a.api.MakeRequest(endpoint, params)
	if err != nil {
		return nil, mapError(err)
	}
	return resp.Result, nil
}

func messageRef(ch platform.ChannelRef, raw json.RawMessage) (platform.MessageRef, error) {
	var m tgbotapi.Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return platform.MessageRef{}, fmt.Errorf("decode sent message: %w", err)
	}
	return platform.MessageRef{ChatID: ch.ChatID, ThreadID: ch.ThreadID, MessageID: m.MessageID}, nil
}

func (a *Adapter) SendNotification(_ context.Context, ch platform.ChannelRef, content platform.Content) (platform.MessageRef, error) {
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", ch.ChatID)
	params.AddNonZero("message_thread_id", ch.ThreadID)
	params["text"] = content.Text
	params.AddBool("disable_web_page_preview", true)
	if kb := keyboard(content.Controls); kb != nil {
		if err := params.AddInterface("reply_markup", kb); err != nil {
			return platform.MessageRef{}, fmt.Errorf("encode keyboard: %w", err)
		}
	}
	raw, err := a.call("sendMessage", params)
	if err != nil {
		return platform.MessageRef{}, err
	}
	return messageRef(ch, raw)
}

// sendPrompt posts a force-reply question aimed at one member.
func (a *Adapter) sendPrompt(ch platform.ChannelRef, text, placeholder string) (platform.MessageRef, error) {
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", ch.ChatID)
	params.AddNonZero("message_thread_id", ch.ThreadID)
	params["text"] = text
	if err := params.AddInterface("reply_markup", tgbotapi.ForceReply{
		ForceReply:            true,
		InputFieldPlaceholder: placeholder,
		Selective:             true,
	}); err != nil {
		return platform.MessageRef{}, fmt.Errorf("encode force reply: %w", err)
	}
	raw, err := a.call("sendMessage", params)
	if err != nil {
		return platform.MessageRef{}, err
	}
	return messageRef(ch, raw)
}

func (a *Adapter) EditNotification(_ context.Context, msg platform.MessageRef, content platform.Content) error {
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", msg.ChatID)
	params.AddNonZero("message_id", msg.MessageID)
	params["text"] = content.Text
	params.AddBool("disable_web_page_preview", true)
	if kb := keyboard(content.Controls); kb != nil {
		if err := params.AddInterface("reply_markup", kb); err != nil {
			return fmt.Errorf("encode keyboard: %w", err)
		}
	}
	_, err := a.call("editMessageText", params)
	if isNotModified(err) {
		return nil
	}
	return err
}

func (a *Adapter) DeleteMessage(_ context.Context, msg platform.MessageRef) error {
	_, err := a.api.Request(tgbotapi.NewDeleteMessage(msg.ChatID, msg.MessageID))
	return mapError(err)
}

// deleteQuietly removes a message the bot no longer needs; failures are logged.
func (a *Adapter) deleteQuietly(ctx context.Context, msg platform.MessageRef) {
	if err := a.DeleteMessage(ctx, msg); err != nil && !errors.Is(err, platform.ErrNotFound) {
		a.logger.Debug("failed to delete message", "chat_id", msg.ChatID, "message_id", msg.MessageID, "error", err)
	}
}

func (a *Adapter) SendFile(_ context.Context, ch platform.ChannelRef, name string, data []byte, caption string) (platform.MessageRef, error) {
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", ch.ChatID)
	params.AddNonZero("message_thread_id", ch.ThreadID)
	params.AddNonEmpty("caption", caption)
	resp, err := a.api.UploadFiles("sendDocument", params, []tgbotapi.RequestFile{{
		Name: "document",
		Data: tgbotapi.FileBytes{Name: name, Bytes: data},
	}})
	if err != nil {
		return platform.MessageRef{}, mapError(err)
	}
	return messageRef(ch, resp.Result)
}

func (a *Adapter) CreateSideChannel(_ context.Context, guildID int64, name string, category platform.Category) (platform.ChannelRef, error) {
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", guildID)
	params["name"] = name
	params.AddNonZero("icon_color", topicColor(category))
	raw, err := a.call("createForumTopic", params)
	if err != nil {
		return platform.ChannelRef{}, err
	}
	var topic struct {
		MessageThreadID int `json:"message_thread_id"`
	}
	if err := json.Unmarshal(raw, &topic); err != nil {
		return platform.ChannelRef{}, fmt.Errorf("decode forum topic: %w", err)
	}
	return platform.ChannelRef{ChatID: guildID, ThreadID: topic.MessageThreadID}, nil
}

func (a *Adapter) DeleteChannel(_ context.Context, ch platform.ChannelRef, reason string) error {
	if ch.ThreadID == 0 {
		return fmt.Errorf("refusing to delete chat %d: not a forum topic", ch.ChatID)
	}
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", ch.ChatID)
	params.AddNonZero("message_thread_id", ch.ThreadID)
	if _, err := a.call("deleteForumTopic", params); err != nil {
		return err
	}
	a.logger.Debug("deleted forum topic", "channel", ch.String(), "reason", reason)
	return nil
}

// SetChannelPermission is a no-op: forum topics share the group's member list.
func (a *Adapter) SetChannelPermission(_ context.Context, ch platform.ChannelRef, userID int64, canRead, canWrite bool) error {
	a.logger.Debug("topic permissions are group-wide", "channel", ch.String(), "user_id", userID,
		"can_read", canRead, "can_write", canWrite)
	return nil
}

func fullPermissions() *tgbotapi.ChatPermissions {
	return &tgbotapi.ChatPermissions{
		CanSendMessages:       true,
		CanSendMediaMessages:  true,
		CanSendPolls:          true,
		CanSendOtherMessages:  true,
		CanAddWebPagePreviews: true,
		CanInviteUsers:        true,
	}
}

// AssignRole lifts the newcomer restrictions. Telegram has no named roles, so
// role only shows up in the log.
func (a *Adapter) AssignRole(_ context.Context, guildID, userID int64, role, reason string) error {
	_, err := a.api.Request(tgbotapi.RestrictChatMemberConfig{
		ChatMemberConfig: tgbotapi.ChatMemberConfig{ChatID: guildID, UserID: userID},
		Permissions:      fullPermissions(),
	})
	if err != nil {
		return mapError(err)
	}
	a.logger.Info("granted member permissions", "guild_id", guildID, "user_id", userID, "role", role, "reason", reason)
	return nil
}

// RestrictNewcomer limits an unverified member to plain text.
func (a *Adapter) RestrictNewcomer(guildID, userID int64) error {
	_, err := a.api.Request(tgbotapi.RestrictChatMemberConfig{
		ChatMemberConfig: tgbotapi.ChatMemberConfig{ChatID: guildID, UserID: userID},
		Permissions:      &tgbotapi.ChatPermissions{CanSendMessages: true},
	})
	return mapError(err)
}

// RemoveMember kicks: a ban immediately lifted so the member may rejoin.
func (a *Adapter) RemoveMember(_ context.Context, guildID, userID int64, reason string) error {
	member := tgbotapi.ChatMemberConfig{ChatID: guildID, UserID: userID}
	if _, err := a.api.Request(tgbotapi.BanChatMemberConfig{ChatMemberConfig: member}); err != nil {
		return mapError(err)
	}
	if _, err := a.api.Request(tgbotapi.UnbanChatMemberConfig{ChatMemberConfig: member, OnlyIfBanned: true}); err != nil {
		a.logger.Warn("failed to lift kick ban", "guild_id", guildID, "user_id", userID, "error", err)
	}
	a.logger.Info("removed member", "guild_id", guildID, "user_id", userID, "reason", reason)
	return nil
}

func (a *Adapter) member(guildID, userID int64) (tgbotapi.ChatMember, error) {
	m, err := a.api.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{ChatID: guildID, UserID: userID},
	})
	if err != nil {
		return tgbotapi.ChatMember{}, mapError(err)
	}
	if m.User != nil {
		a.names.remember(m.User)
	}
	return m, nil
}

func present(m tgbotapi.ChatMember) bool {
	switch m.Status {
	case "creator", "administrator", "member":
		return true
	case "restricted":
		return m.IsMember
	}
	return false
}

func (a *Adapter) IsMember(_ context.Context, guildID, userID int64) (bool, error) {
	m, err := a.member(guildID, userID)
	if errors.Is(err, platform.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return present(m), nil
}

func canModerate(m tgbotapi.ChatMember) bool {
	return m.IsCreator() || (m.IsAdministrator() && m.CanRestrictMembers)
}

func (a *Adapter) CanModerate(_ context.Context, guildID, userID int64) (bool, error) {
	m, err := a.member(guildID, userID)
	if errors.Is(err, platform.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return canModerate(m), nil
}

func (a *Adapter) Mention(_ context.Context, guildID, userID int64) string {
	if name, ok := a.names.lookup(userID); ok {
		return name
	}
	if _, err := a.member(guildID, userID); err != nil {
		a.logger.Debug("failed to resolve member name", "guild_id", guildID, "user_id", userID, "error", err)
	}
	if name, ok := a.names.lookup(userID); ok {
		return name
	}
	return fmt.Sprintf("user %d", userID)
}

// answer acknowledges a button press, optionally as an alert.
func (a *Adapter) answer(queryID, text string, alert bool) {
	cfg := tgbotapi.NewCallback(queryID, text)
	cfg.ShowAlert = alert
	if _, err := a.api.Request(cfg); err != nil {
		a.logger.Debug("failed to answer callback", "error", err)
	}
}

// nameCache remembers how to address users seen in updates.
type nameCache struct {
	mu    sync.RWMutex
	names map[int64]string
}

func newNameCache() *nameCache {
	return &nameCache{names: make(map[int64]string)}
}

func displayName(u *tgbotapi.User) string {
	if u.UserName != "" {
		return "@" + u.UserName
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return fmt.Sprintf("user %d", u.ID)
	}
	return name
}

func (c *nameCache) remember(u *tgbotapi.User) {
	if u == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.names[u.ID] = displayName(u)
}

func (c *nameCache) lookup(userID int64) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	name, ok := c.names[userID]
	return name, ok
}
