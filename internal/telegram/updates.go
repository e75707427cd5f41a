package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"gatekeeper-bot/internal/platform"
)

// allowedUpdates must name chat_member explicitly; Telegram omits it by default.
var allowedUpdates = []string{"message", "callback_query", "chat_member"}

// Update is a Bot API update plus the forum topic fields the client library
// does not decode.
type Update struct {
	tgbotapi.Update
	// ThreadID is the topic of the message or of the pressed button's message.
	ThreadID int
	// TopicRootReply is set when Message.ReplyToMessage is only the topic's
	// creation message, which Telegram attaches to every topic post.
	TopicRootReply bool
}

type topicFields struct {
	MessageThreadID int  `json:"message_thread_id"`
	IsTopicMessage  bool `json:"is_topic_message"`
	ReplyToMessage  *struct {
		ForumTopicCreated json.RawMessage `json:"forum_topic_created"`
	} `json:"reply_to_message"`
}

func (f *topicFields) thread() int {
	if f == nil || !f.IsTopicMessage {
		return 0
	}
	return f.MessageThreadID
}

type rawTopics struct {
	Message       *topicFields `json:"message"`
	CallbackQuery *struct {
		Message *topicFields `json:"message"`
	} `json:"callback_query"`
}

// decodeUpdates parses a getUpdates result.
func decodeUpdates(result json.RawMessage) ([]Update, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(result, &raws); err != nil {
		return nil, fmt.Errorf("decode updates: %w", err)
	}
	out := make([]Update, 0, len(raws))
	for _, raw := range raws {
		var u Update
		if err := json.Unmarshal(raw, &u.Update); err != nil {
			return nil, fmt.Errorf("decode update: %w", err)
		}
		var topics rawTopics
		if err := json.Unmarshal(raw, &topics); err != nil {
			return nil, fmt.Errorf("decode update topics: %w", err)
		}
		switch {
		case topics.Message != nil:
			u.ThreadID = topics.Message.thread()
			u.TopicRootReply = topics.Message.ReplyToMessage != nil && len(topics.Message.ReplyToMessage.ForumTopicCreated) > 0
		case topics.CallbackQuery != nil:
			u.ThreadID = topics.CallbackQuery.Message.thread()
		}
		out = append(out, u)
	}
	return out, nil
}

// Channel returns where the update happened.
func (u Update) Channel() (platform.ChannelRef, bool) {
	switch {
	case u.Message != nil:
		return platform.ChannelRef{ChatID: u.Message.Chat.ID, ThreadID: u.ThreadID}, true
	case u.CallbackQuery != nil && u.CallbackQuery.Message != nil:
		return platform.ChannelRef{ChatID: u.CallbackQuery.Message.Chat.ID, ThreadID: u.ThreadID}, true
	case u.ChatMember != nil:
		return platform.ChannelRef{ChatID: u.ChatMember.Chat.ID}, true
	}
	return platform.ChannelRef{}, false
}

// skipBatch returns the offset past every update_id it can still read from an
// undecodable batch, or offset when it reads none.
func skipBatch(result json.RawMessage, offset int) int {
	var ids []struct {
		UpdateID int `json:"update_id"`
	}
	if err := json.Unmarshal(result, &ids); err != nil {
		return offset
	}
	for _, u := range ids {
		if u.UpdateID >= offset {
			offset = u.UpdateID + 1
		}
	}
	return offset
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// poll long-polls getUpdates until ctx is cancelled.
func (b *Bot) poll(ctx context.Context, out chan<- Update) {
	defer close(out)
	offset := 0
	for ctx.Err() == nil {
		params := tgbotapi.Params{}
		params.AddNonZero("offset", offset)
		params.AddNonZero("timeout", b.cfg.PollingTimeout)
		if err := params.AddInterface("allowed_updates", allowedUpdates); err != nil {
			b.logger.Error("failed to encode allowed updates", "error", err)
			return
		}

		resp, err := b.api.MakeRequest("getUpdates", params)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("failed to get updates, retrying in 3 seconds", "error", err)
			if !sleep(ctx, 3*time.Second) {
				return
			}
			continue
		}

		updates, err := decodeUpdates(resp.Result)
		if err != nil {
			next := skipBatch(resp.Result, offset)
			b.logger.Error("failed to decode updates, skipping batch", "error", err, "offset", offset, "next_offset", next)
			offset = next
			if !sleep(ctx, 3*time.Second) {
				return
			}
			continue
		}
		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			select {
			case out <- u:
			case <-ctx.Done():
				return
			}
		}
	}
}
