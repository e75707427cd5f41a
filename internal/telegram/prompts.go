package telegram

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"gatekeeper-bot/internal/lifecycle"
	"gatekeeper-bot/internal/platform"
)

type promptKind int

const (
	promptTicketReason promptKind = iota + 1
	promptAge
	promptGender
	promptReferrer
	promptJoinReason
	promptRejectReason
)

// prompt is a question the bot asked one member and is waiting on. It is
// keyed by the bot message that carries the question.
type prompt struct {
	ID        string
	Kind      promptKind
	UserID    int64
	Channel   platform.ChannelRef
	Form      lifecycle.VerificationForm
	Decision  lifecycle.Decision
	CreatedAt time.Time
}

type promptKey struct {
	chatID    int64
	messageID int
}

// promptBook holds open prompts in memory. Prompts older than ttl are dropped;
// a restart forgets them and the member simply presses the button again.
type promptBook struct {
	mu      sync.Mutex
	prompts map[promptKey]*prompt
	ttl     time.Duration
	now     func() time.Time
}

func newPromptBook(ttl time.Duration) *promptBook {
	return &promptBook{
		prompts: make(map[promptKey]*prompt),
		ttl:     ttl,
		now:     time.Now,
	}
}

func newPrompt(kind promptKind, userID int64, ch platform.ChannelRef) *prompt {
	return &prompt{ID: uuid.NewString(), Kind: kind, UserID: userID, Channel: ch}
}

func (b *promptBook) put(msg platform.MessageRef, p *prompt) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sweepLocked()
	p.CreatedAt = b.now()
	b.prompts[promptKey{chatID: msg.ChatID, messageID: msg.MessageID}] = p
}

// take removes and returns the prompt carried by msg if userID owns it.
// Another member's answer leaves the prompt in place.
func (b *promptBook) take(chatID int64, messageID int, userID int64) (*prompt, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sweepLocked()
	k := promptKey{chatID: chatID, messageID: messageID}
	p, ok := b.prompts[k]
	if !ok || p.UserID != userID {
		return nil, false
	}
	delete(b.prompts, k)
	return p, true
}

// owner reports who a prompt belongs to, if it is still open.
func (b *promptBook) owner(chatID int64, messageID int) (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.prompts[promptKey{chatID: chatID, messageID: messageID}]
	if !ok {
		return 0, false
	}
	return p.UserID, true
}

func (b *promptBook) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.prompts)
}

func (b *promptBook) sweepLocked() {
	if b.ttl <= 0 {
		return
	}
	cutoff := b.now().Add(-b.ttl)
	for k, p := range b.prompts {
		if p.CreatedAt.Before(cutoff) {
			delete(b.prompts, k)
		}
	}
}
