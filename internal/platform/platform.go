// Package platform describes the chat-platform operations the lifecycle
// engine depends on. The Telegram adapter is the production implementation.
package platform

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrPermissionDenied is returned when the bot lacks the rights for an action.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrNotFound is returned when the target message, channel or member no longer exists.
	ErrNotFound = errors.New("not found")
)

// ChannelRef addresses a chat, or a forum topic inside one when ThreadID is set.
type ChannelRef struct {
	ChatID   int64
	ThreadID int
}

func (c ChannelRef) String() string {
	if c.ThreadID == 0 {
		return strconv.FormatInt(c.ChatID, 10)
	}
	return fmt.Sprintf("%d/%d", c.ChatID, c.ThreadID)
}

// ParseChannelRef parses the "<chat>" or "<chat>/<thread>" form produced by String.
func ParseChannelRef(s string) (ChannelRef, error) {
	s = strings.TrimSpace(s)
	chat, thread, hasThread := strings.Cut(s, "/")
	chatID, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return ChannelRef{}, fmt.Errorf("parse chat id %q: %w", chat, err)
	}
	ref := ChannelRef{ChatID: chatID}
	if hasThread {
		threadID, err := strconv.Atoi(thread)
		if err != nil {
			return ChannelRef{}, fmt.Errorf("parse thread id %q: %w", thread, err)
		}
		ref.ThreadID = threadID
	}
	return ref, nil
}

// MessageRef locates a sent message so it can be edited or deleted later.
type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

func (m MessageRef) Channel() ChannelRef {
	return ChannelRef{ChatID: m.ChatID, ThreadID: m.ThreadID}
}

// Control is one interactive button. Action is opaque to the platform and
// comes back verbatim when the button is pressed.
type Control struct {
	Label  string
	Action string
}

// Content is a message body plus rows of controls. Nil Controls removes any
// existing buttons on edit.
type Content struct {
	Text     string
	Controls [][]Control
}

// Category groups side channels; the adapter may render it as a color or folder.
type Category string

const (
	CategoryTicket   Category = "ticket"
	CategoryRejected Category = "rejected"
)

// Platform is the set of outbound calls the engine makes.
type Platform interface {
	SendNotification(ctx context.Context, ch ChannelRef, content Content) (MessageRef, error)
	EditNotification(ctx context.Context, msg MessageRef, content Content) error
	DeleteMessage(ctx context.Context, msg MessageRef) error
	SendFile(ctx context.Context, ch ChannelRef, name string, data []byte, caption string) (MessageRef, error)

	CreateSideChannel(ctx context.Context, guildID int64, name string, category Category) (ChannelRef, error)
	DeleteChannel(ctx context.Context, ch ChannelRef, reason string) error
	SetChannelPermission(ctx context.Context, ch ChannelRef, userID int64, canRead, canWrite bool) error

	AssignRole(ctx context.Context, guildID, userID int64, role, reason string) error
	RemoveMember(ctx context.Context, guildID, userID int64, reason string) error
	IsMember(ctx context.Context, guildID, userID int64) (bool, error)
	CanModerate(ctx context.Context, guildID, userID int64) (bool, error)
	Mention(ctx context.Context, guildID, userID int64) string
}
