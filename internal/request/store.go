package request

import (
	"context"
	"errors"
	"time"

	"gatekeeper-bot/internal/platform"
)

// Kind distinguishes the two decision-gated request types.
type Kind string

const (
	KindTicket       Kind = "ticket"
	KindVerification Kind = "verification"
)

type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"

	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusAbandoned Status = "abandoned"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusClosed, StatusAccepted, StatusRejected, StatusAbandoned:
		return true
	}
	return false
}

var (
	// ErrNotPending is returned when a decision targets a request that already left pending.
	ErrNotPending = errors.New("request is not pending")
	// ErrNotOpen is returned when closing a ticket that is already closed.
	ErrNotOpen = errors.New("ticket is not open")
)

// TranscriptEntry is one message of a closed ticket's log.
type TranscriptEntry struct {
	MessageID  int    `json:"message_id"`
	AuthorID   int64  `json:"author_id"`
	AuthorName string `json:"author_name"`
	CreatedAt  int64  `json:"created_at"`
	Content    string `json:"message"`
}

// Ticket is an open conversation between a member and staff in a side channel.
type Ticket struct {
	ID        int64
	GuildID   int64
	UserID    int64
	Reason    string
	Status    Status
	ChannelID *int64
	Log       []TranscriptEntry
	CreatedAt time.Time
	ClosedAt  *time.Time
}

// Channel returns the ticket's forum topic inside the guild chat.
func (t *Ticket) Channel() (platform.ChannelRef, bool) {
	return sideChannel(t.GuildID, t.ChannelID)
}

// TicketRequest asks staff to open a ticket.
type TicketRequest struct {
	ID           int64
	GuildID      int64
	UserID       int64
	TicketID     *int64
	Reason       string
	Status       Status
	ChannelID    *int64
	Notification *platform.MessageRef
	CreatedAt    time.Time
	ClosedAt     *time.Time
}

// Channel returns the informational topic opened on rejection, if any.
func (r *TicketRequest) Channel() (platform.ChannelRef, bool) {
	return sideChannel(r.GuildID, r.ChannelID)
}

// VerificationRequest asks staff to verify a new member.
type VerificationRequest struct {
	ID           int64
	GuildID      int64
	UserID       int64
	Age          string
	Gender       string
	Referrer     string
	Reason       string
	JoinMessage  *platform.MessageRef
	Status       Status
	Notification *platform.MessageRef
	CreatedAt    time.Time
	ClosedAt     *time.Time
}

// NewVerification holds the answers collected by the verification form.
type NewVerification struct {
	GuildID     int64
	UserID      int64
	Age         string
	Gender      string
	Referrer    string
	Reason      string
	JoinMessage *platform.MessageRef
}

func sideChannel(guildID int64, channelID *int64) (platform.ChannelRef, bool) {
	if channelID == nil {
		return platform.ChannelRef{}, false
	}
	return platform.ChannelRef{ChatID: guildID, ThreadID: int(*channelID)}, true
}

// TicketStore persists tickets. Mutating methods update the passed struct to
// mirror the written row.
type TicketStore interface {
	Create(ctx context.Context, guildID, userID int64, reason string) (*Ticket, error)
	Get(ctx context.Context, id int64) (*Ticket, error)
	CountOpen(ctx context.Context, guildID, userID int64) (int, error)
	SetChannel(ctx context.Context, t *Ticket, channelID *int64) error
	Close(ctx context.Context, t *Ticket, log []TranscriptEntry) error
	CloseAllForUser(ctx context.Context, guildID, userID int64) ([]*Ticket, error)
	GetByChannel(ctx context.Context, guildID, channelID int64) (*Ticket, error)
	IsTicketChannel(ctx context.Context, guildID, channelID int64) (bool, error)
	ListOpen(ctx context.Context) ([]*Ticket, error)
	Delete(ctx context.Context, t *Ticket) error
	AppendMessage(ctx context.Context, ticketID int64, entry TranscriptEntry) error
	Messages(ctx context.Context, ticketID int64) ([]TranscriptEntry, error)
}

// TicketRequestStore persists ticket requests.
type TicketRequestStore interface {
	Create(ctx context.Context, guildID, userID int64, reason string) (*TicketRequest, error)
	Get(ctx context.Context, id int64) (*TicketRequest, error)
	CountPending(ctx context.Context, guildID, userID int64) (int, error)
	SetChannel(ctx context.Context, r *TicketRequest, channelID *int64) error
	SetNotification(ctx context.Context, r *TicketRequest, msg platform.MessageRef) error
	Accept(ctx context.Context, r *TicketRequest, t *Ticket) error
	Reject(ctx context.Context, r *TicketRequest) error
	Abandon(ctx context.Context, r *TicketRequest) error
	GetByChannel(ctx context.Context, guildID, channelID int64) (*TicketRequest, error)
	IsRequestChannel(ctx context.Context, guildID, channelID int64) (bool, error)
	ListPending(ctx context.Context) ([]*TicketRequest, error)
	PendingForUser(ctx context.Context, guildID, userID int64) ([]*TicketRequest, error)
	DueForExpiry(ctx context.Context, age time.Duration) ([]*TicketRequest, error)
	ClearChannel(ctx context.Context, guildID, channelID int64) error
}

// VerificationStore persists verification requests.
type VerificationStore interface {
	Create(ctx context.Context, v NewVerification) (*VerificationRequest, error)
	Get(ctx context.Context, id int64) (*VerificationRequest, error)
	CountPending(ctx context.Context, guildID, userID int64) (int, error)
	SetNotification(ctx context.Context, r *VerificationRequest, msg platform.MessageRef) error
	Accept(ctx context.Context, r *VerificationRequest) error
	Reject(ctx context.Context, r *VerificationRequest) error
	Abandon(ctx context.Context, r *VerificationRequest) error
	ListPending(ctx context.Context) ([]*VerificationRequest, error)
	PendingForUser(ctx context.Context, guildID, userID int64) ([]*VerificationRequest, error)
}
