// Package feed streams lifecycle events to staff dashboards over websockets.
package feed

import "time"

type EventType string

const (
	EventSubmitted    EventType = "request.submitted"
	EventAccepted     EventType = "request.accepted"
	EventRejected     EventType = "request.rejected"
	EventAbandoned    EventType = "request.abandoned"
	EventTicketOpened EventType = "ticket.opened"
	EventTicketClosed EventType = "ticket.closed"
	EventReminded     EventType = "member.reminded"
	EventKicked       EventType = "member.kicked"
	EventChannelGone  EventType = "channel.expired"
)

// Event is the JSON frame sent to subscribers.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	GuildID   int64     `json:"guild_id"`
	UserID    int64     `json:"user_id,omitempty"`
	RequestID int64     `json:"request_id,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	ActorID   int64     `json:"actor_id,omitempty"`
	At        time.Time `json:"at"`
}
