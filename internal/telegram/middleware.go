package telegram

import (
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Allowlist limits the bot to the supergroups it was set up for.
type Allowlist struct {
	chats  map[int64]struct{}
	logger *slog.Logger
}

// NewAllowlist creates an allowlist from chat IDs. An empty list allows every
// supergroup the bot is added to.
func NewAllowlist(chatIDs []int64, logger *slog.Logger) *Allowlist {
	chats := make(map[int64]struct{}, len(chatIDs))
	for _, id := range chatIDs {
		chats[id] = struct{}{}
	}
	return &Allowlist{chats: chats, logger: logger}
}

func (a *Allowlist) IsChatAllowed(chatID int64) bool {
	if len(a.chats) == 0 {
		return true
	}
	_, ok := a.chats[chatID]
	return ok
}

// Origin is who acted where, extracted from an update.
type Origin struct {
	UserID   int64
	Username string
	ChatID   int64
	IsGroup  bool
}

func originOf(update tgbotapi.Update) (Origin, bool) {
	var (
		o    Origin
		from *tgbotapi.User
		chat *tgbotapi.Chat
	)
	switch {
	case update.Message != nil:
		from, chat = update.Message.From, update.Message.Chat
	case update.CallbackQuery != nil:
		from = update.CallbackQuery.From
		if update.CallbackQuery.Message != nil {
			chat = update.CallbackQuery.Message.Chat
		}
	case update.ChatMember != nil:
		from, chat = update.ChatMember.NewChatMember.User, &update.ChatMember.Chat
	}
	if from == nil || chat == nil {
		return o, false
	}
	o.UserID = from.ID
	o.Username = from.UserName
	o.ChatID = chat.ID
	o.IsGroup = chat.IsSuperGroup() || chat.IsGroup()
	return o, true
}

// CheckAccess returns the update's origin and whether the bot should act on
// it. Only allowlisted supergroups are served; private chats are ignored.
func (a *Allowlist) CheckAccess(update tgbotapi.Update) (Origin, bool) {
	o, ok := originOf(update)
	if !ok {
		return o, false
	}
	if !o.IsGroup {
		return o, false
	}
	if !a.IsChatAllowed(o.ChatID) {
		a.logger.Warn("update from chat outside the allowlist",
			"chat_id", o.ChatID,
			"user_id", o.UserID,
			"username", o.Username,
		)
		return o, false
	}
	return o, true
}
