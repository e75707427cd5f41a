package request

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatekeeper-bot/internal/clock"
	"gatekeeper-bot/internal/platform"
	"gatekeeper-bot/internal/storage/storagetest"
)

type stores struct {
	tickets       *SQLiteTickets
	requests      *SQLiteTicketRequests
	verifications *SQLiteVerifications
	clock         *clock.MockClock
}

func newStores(t *testing.T) stores {
	db := storagetest.Open(t)
	clk := clock.NewMockClock(time.Unix(1_700_000_000, 0))
	return stores{
		tickets:       NewSQLiteTickets(db, clk),
		requests:      NewSQLiteTicketRequests(db, clk),
		verifications: NewSQLiteVerifications(db, clk),
		clock:         clk,
	}
}

func ptr(v int64) *int64 { return &v }

func TestTicketRequestRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStores(t)

	created, err := s.requests.Create(ctx, 1, 2, "my neighbour is loud")
	require.NoError(t, err)
	require.NoError(t, s.requests.SetChannel(ctx, created, ptr(55)))

	byChannel, err := s.requests.GetByChannel(ctx, 1, 55)
	require.NoError(t, err)
	require.NotNil(t, byChannel)
	assert.Equal(t, created, byChannel)
	assert.Equal(t, StatusPending, byChannel.Status)
	assert.Nil(t, byChannel.ClosedAt)
	assert.Equal(t, "my neighbour is loud", byChannel.Reason)

	pending, err := s.requests.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, created, pending[0])

	other, err := s.requests.GetByChannel(ctx, 9, 55)
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestTicketRequestAcceptIsOneWay(t *testing.T) {
	ctx := context.Background()
	s := newStores(t)

	r, err := s.requests.Create(ctx, 1, 2, "")
	require.NoError(t, err)
	ticket, err := s.tickets.Create(ctx, 1, 2, r.Reason)
	require.NoError(t, err)

	require.NoError(t, s.requests.Accept(ctx, r, ticket))
	assert.Equal(t, StatusAccepted, r.Status)
	require.NotNil(t, r.TicketID)
	assert.Equal(t, ticket.ID, *r.TicketID)
	require.NotNil(t, r.ClosedAt)

	stale := *r
	stale.Status = StatusPending
	assert.ErrorIs(t, s.requests.Reject(ctx, &stale), ErrNotPending)
	assert.ErrorIs(t, s.requests.Accept(ctx, &stale, ticket), ErrNotPending)

	stored, err := s.requests.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, stored.Status)

	n, err := s.requests.CountPending(ctx, 1, 2)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDueForExpiry(t *testing.T) {
	ctx := context.Background()
	s := newStores(t)

	old, err := s.requests.Create(ctx, 1, 2, "")
	require.NoError(t, err)
	require.NoError(t, s.requests.Reject(ctx, old))
	require.NoError(t, s.requests.SetChannel(ctx, old, ptr(10)))

	s.clock.Add(2 * time.Hour)
	fresh, err := s.requests.Create(ctx, 1, 3, "")
	require.NoError(t, err)
	require.NoError(t, s.requests.Reject(ctx, fresh))
	require.NoError(t, s.requests.SetChannel(ctx, fresh, ptr(11)))

	noChannel, err := s.requests.Create(ctx, 1, 4, "")
	require.NoError(t, err)
	require.NoError(t, s.requests.Reject(ctx, noChannel))

	s.clock.Add(23 * time.Hour)

	due, err := s.requests.DueForExpiry(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, old.ID, due[0].ID)

	ch, ok := due[0].Channel()
	require.True(t, ok)
	assert.Equal(t, platform.ChannelRef{ChatID: 1, ThreadID: 10}, ch)

	require.NoError(t, s.requests.ClearChannel(ctx, 1, 10))
	due, err = s.requests.DueForExpiry(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Empty(t, due)

	isChannel, err := s.requests.IsRequestChannel(ctx, 1, 11)
	require.NoError(t, err)
	assert.True(t, isChannel)
}

func TestTicketCloseStoresLog(t *testing.T) {
	ctx := context.Background()
	s := newStores(t)

	ticket, err := s.tickets.Create(ctx, 1, 2, "help")
	require.NoError(t, err)
	require.NoError(t, s.tickets.SetChannel(ctx, ticket, ptr(77)))

	entry := TranscriptEntry{MessageID: 5, AuthorID: 2, AuthorName: "alice", CreatedAt: 1_700_000_100, Content: "hi"}
	require.NoError(t, s.tickets.AppendMessage(ctx, ticket.ID, entry))
	msgs, err := s.tickets.Messages(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, []TranscriptEntry{entry}, msgs)

	isTicket, err := s.tickets.IsTicketChannel(ctx, 1, 77)
	require.NoError(t, err)
	assert.True(t, isTicket)

	require.NoError(t, s.tickets.Close(ctx, ticket, msgs))
	assert.Equal(t, StatusClosed, ticket.Status)
	assert.Nil(t, ticket.ChannelID)
	require.NotNil(t, ticket.ClosedAt)

	stored, err := s.tickets.Get(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, ticket, stored)

	isTicket, err = s.tickets.IsTicketChannel(ctx, 1, 77)
	require.NoError(t, err)
	assert.False(t, isTicket)

	assert.ErrorIs(t, s.tickets.Close(ctx, &Ticket{ID: ticket.ID}, nil), ErrNotOpen)
}

func TestCloseAllForUser(t *testing.T) {
	ctx := context.Background()
	s := newStores(t)

	a, err := s.tickets.Create(ctx, 1, 2, "")
	require.NoError(t, err)
	require.NoError(t, s.tickets.SetChannel(ctx, a, ptr(3)))
	_, err = s.tickets.Create(ctx, 1, 9, "")
	require.NoError(t, err)

	closed, err := s.tickets.CloseAllForUser(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	require.NotNil(t, closed[0].ChannelID)
	assert.Equal(t, int64(3), *closed[0].ChannelID)

	n, err := s.tickets.CountOpen(ctx, 1, 2)
	require.NoError(t, err)
	assert.Zero(t, n)

	open, err := s.tickets.ListOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, int64(9), open[0].UserID)
}

func TestTicketDelete(t *testing.T) {
	ctx := context.Background()
	s := newStores(t)

	ticket, err := s.tickets.Create(ctx, 1, 2, "")
	require.NoError(t, err)
	require.NoError(t, s.tickets.Delete(ctx, ticket))

	got, err := s.tickets.Get(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestVerificationLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newStores(t)

	join := platform.MessageRef{ChatID: -100, MessageID: 12}
	v, err := s.verifications.Create(ctx, NewVerification{
		GuildID:     -100,
		UserID:      2,
		Age:         "18-29",
		Gender:      "female",
		Referrer:    "a friend",
		Reason:      "I like the topic of this group a lot",
		JoinMessage: &join,
	})
	require.NoError(t, err)

	notify := platform.MessageRef{ChatID: -100, ThreadID: 4, MessageID: 99}
	require.NoError(t, s.verifications.SetNotification(ctx, v, notify))

	pending, err := s.verifications.PendingForUser(ctx, -100, 2)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, v, pending[0])

	s.clock.Add(time.Minute)
	require.NoError(t, s.verifications.Reject(ctx, v))
	assert.Equal(t, StatusRejected, v.Status)
	assert.Equal(t, s.clock.Now(), *v.ClosedAt)
	assert.ErrorIs(t, s.verifications.Abandon(ctx, &VerificationRequest{ID: v.ID}), ErrNotPending)

	stored, err := s.verifications.Get(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, v, stored)

	all, err := s.verifications.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusOpen.Terminal())
	assert.True(t, StatusAbandoned.Terminal())
	assert.True(t, StatusClosed.Terminal())
}
