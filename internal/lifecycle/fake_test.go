package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gatekeeper-bot/internal/clock"
	"gatekeeper-bot/internal/cooldown"
	"gatekeeper-bot/internal/feed"
	"gatekeeper-bot/internal/platform"
	"gatekeeper-bot/internal/request"
	"gatekeeper-bot/internal/roster"
	"gatekeeper-bot/internal/settings"
	"gatekeeper-bot/internal/storage/storagetest"
)

const (
	guild int64 = -100
	staff int64 = 1
	alice int64 = 2
	bob   int64 = 3
)

type sentMessage struct {
	Channel platform.ChannelRef
	Content platform.Content
	Ref     platform.MessageRef
}

type editCall struct {
	Ref     platform.MessageRef
	Content platform.Content
}

type fileCall struct {
	Channel platform.ChannelRef
	Name    string
	Data    []byte
	Caption string
}

type createdChannel struct {
	Name     string
	Category platform.Category
	Ref      platform.ChannelRef
}

type memberCall struct {
	UserID int64
	Role   string
	Reason string
}

// fakePlatform records every outbound call. Error fields make the matching
// call fail until they are reset.
type fakePlatform struct {
	mu         sync.Mutex
	nextID     int
	sent       []sentMessage
	edits      []editCall
	deleted    []platform.MessageRef
	files      []fileCall
	channels   []createdChannel
	dropped    []platform.ChannelRef
	roles      []memberCall
	removed    []memberCall
	moderators map[int64]bool
	departed   map[int64]bool

	sendErr   error
	createErr error
	roleErr   error
	removeErr error
	// createDelay widens race windows in concurrency tests.
	createDelay time.Duration
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		nextID:     100,
		moderators: map[int64]bool{staff: true},
		departed:   map[int64]bool{},
	}
}

func (p *fakePlatform) id() int {
	p.nextID++
	return p.nextID
}

func (p *fakePlatform) SendNotification(_ context.Context, ch platform.ChannelRef, content platform.Content) (platform.MessageRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return platform.MessageRef{}, p.sendErr
	}
	ref := platform.MessageRef{ChatID: ch.ChatID, ThreadID: ch.ThreadID, MessageID: p.id()}
	p.sent = append(p.sent, sentMessage{Channel: ch, Content: content, Ref: ref})
	return ref, nil
}

func (p *fakePlatform) EditNotification(_ context.Context, msg platform.MessageRef, content platform.Content) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.edits = append(p.edits, editCall{Ref: msg, Content: content})
	return nil
}

func (p *fakePlatform) DeleteMessage(_ context.Context, msg platform.MessageRef) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, d := range p.deleted {
		if d == msg {
			return platform.ErrNotFound
		}
	}
	p.deleted = append(p.deleted, msg)
	return nil
}

func (p *fakePlatform) SendFile(_ context.Context, ch platform.ChannelRef, name string, data []byte, caption string) (platform.MessageRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.files = append(p.files, fileCall{Channel: ch, Name: name, Data: data, Caption: caption})
	return platform.MessageRef{ChatID: ch.ChatID, ThreadID: ch.ThreadID, MessageID: p.id()}, nil
}

func (p *fakePlatform) CreateSideChannel(_ context.Context, guildID int64, name string, category platform.Category) (platform.ChannelRef, error) {
	if p.createDelay > 0 {
		time.Sleep(p.createDelay)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return platform.ChannelRef{}, p.createErr
	}
	ref := platform.ChannelRef{ChatID: guildID, ThreadID: p.id()}
	p.channels = append(p.channels, createdChannel{Name: name, Category: category, Ref: ref})
	return ref, nil
}

func (p *fakePlatform) DeleteChannel(_ context.Context, ch platform.ChannelRef, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropped = append(p.dropped, ch)
	return nil
}

func (p *fakePlatform) SetChannelPermission(context.Context, platform.ChannelRef, int64, bool, bool) error {
	return nil
}

func (p *fakePlatform) AssignRole(_ context.Context, _ int64, userID int64, role, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.roleErr != nil {
		return p.roleErr
	}
	p.roles = append(p.roles, memberCall{UserID: userID, Role: role, Reason: reason})
	return nil
}

func (p *fakePlatform) RemoveMember(_ context.Context, _ int64, userID int64, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.removeErr != nil {
		return p.removeErr
	}
	p.removed = append(p.removed, memberCall{UserID: userID, Reason: reason})
	return nil
}

func (p *fakePlatform) IsMember(_ context.Context, _ int64, userID int64) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.departed[userID], nil
}

func (p *fakePlatform) CanModerate(_ context.Context, _ int64, userID int64) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.moderators[userID], nil
}

func (p *fakePlatform) Mention(_ context.Context, _ int64, userID int64) string {
	return fmt.Sprintf("@user%d", userID)
}

// sentTo returns the messages posted to ch, oldest first.
func (p *fakePlatform) sentTo(ch platform.ChannelRef) []sentMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []sentMessage
	for _, m := range p.sent {
		if m.Channel == ch {
			out = append(out, m)
		}
	}
	return out
}

// lastEdit returns the latest edit of msg.
func (p *fakePlatform) lastEdit(msg platform.MessageRef) (platform.Content, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.edits) - 1; i >= 0; i-- {
		if p.edits[i].Ref == msg {
			return p.edits[i].Content, true
		}
	}
	return platform.Content{}, false
}

func (p *fakePlatform) wasDeleted(msg platform.MessageRef) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, d := range p.deleted {
		if d == msg {
			return true
		}
	}
	return false
}

func (p *fakePlatform) channelCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.channels)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []feed.Event
}

func (r *eventRecorder) Publish(e feed.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) types() []feed.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]feed.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

var (
	ticketRequestChannel = platform.ChannelRef{ChatID: guild, ThreadID: 10}
	ticketLogChannel     = platform.ChannelRef{ChatID: guild, ThreadID: 11}
	verificationChannel  = platform.ChannelRef{ChatID: guild, ThreadID: 12}
	joinChannel          = platform.ChannelRef{ChatID: guild, ThreadID: 13}
	welcomeChannel       = platform.ChannelRef{ChatID: guild, ThreadID: 14}
)

type harness struct {
	engine        *Engine
	platform      *fakePlatform
	clock         *clock.MockClock
	settings      *settings.SQLiteStore
	cooldowns     *cooldown.Store
	tickets       *request.SQLiteTickets
	requests      *request.SQLiteTicketRequests
	verifications *request.SQLiteVerifications
	roster        *roster.Store
	events        *eventRecorder
	deps          Deps
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := storagetest.Open(t)
	clk := clock.NewMockClock(time.Unix(1_700_000_000, 0))

	h := &harness{
		platform:      newFakePlatform(),
		clock:         clk,
		settings:      settings.NewSQLiteStore(db),
		cooldowns:     cooldown.NewStore(db, clk),
		tickets:       request.NewSQLiteTickets(db, clk),
		requests:      request.NewSQLiteTicketRequests(db, clk),
		verifications: request.NewSQLiteVerifications(db, clk),
		roster:        roster.NewStore(db, clk),
		events:        &eventRecorder{},
	}
	h.deps = Deps{
		Platform:       h.platform,
		Settings:       h.settings,
		Cooldowns:      h.cooldowns,
		Tickets:        h.tickets,
		TicketRequests: h.requests,
		Verifications:  h.verifications,
		Roster:         h.roster,
		Clock:          clk,
		Publisher:      h.events,
		Logger:         storagetest.DiscardLogger(),
	}
	h.engine = New(h.deps, DefaultOptions())
	return h
}

func (h *harness) set(t *testing.T, key settings.Key, value string) {
	t.Helper()
	require.NoError(t, h.settings.Set(context.Background(), guild, key, value))
}

func (h *harness) configureTickets(t *testing.T) {
	h.set(t, settings.TicketRequestChannel, ticketRequestChannel.String())
	h.set(t, settings.TicketLogChannel, ticketLogChannel.String())
}

func (h *harness) configureVerification(t *testing.T) {
	h.set(t, settings.VerificationRequestChannel, verificationChannel.String())
	h.set(t, settings.VerificationRole, "member")
	h.set(t, settings.AdultRole, "adult")
	h.set(t, settings.JoinChannel, joinChannel.String())
	h.set(t, settings.JoinMessage, "Hey <user>, press the button to verify.")
	h.set(t, settings.WelcomeChannel, welcomeChannel.String())
	h.set(t, settings.WelcomeMessage, "Everyone welcome <user>!")
}

// openAndPending returns count_open_tickets + count_pending_requests for user.
func (h *harness) openAndPending(t *testing.T, userID int64) int {
	t.Helper()
	ctx := context.Background()
	open, err := h.tickets.CountOpen(ctx, guild, userID)
	require.NoError(t, err)
	pendingTickets, err := h.requests.CountPending(ctx, guild, userID)
	require.NoError(t, err)
	pendingVerifications, err := h.verifications.CountPending(ctx, guild, userID)
	require.NoError(t, err)
	return open + pendingTickets + pendingVerifications
}

func hasControls(c platform.Content) bool {
	return len(c.Controls) > 0
}

func containsAll(s string, parts ...string) bool {
	for _, p := range parts {
		if !strings.Contains(s, p) {
			return false
		}
	}
	return true
}

// flakyTicketRequests fails the selected writes of the wrapped store.
type flakyTicketRequests struct {
	request.TicketRequestStore
	notifyErr error
	acceptErr error
}

func (s *flakyTicketRequests) SetNotification(ctx context.Context, r *request.TicketRequest, msg platform.MessageRef) error {
	if s.notifyErr != nil {
		return s.notifyErr
	}
	return s.TicketRequestStore.SetNotification(ctx, r, msg)
}

func (s *flakyTicketRequests) Accept(ctx context.Context, r *request.TicketRequest, t *request.Ticket) error {
	if s.acceptErr != nil {
		return s.acceptErr
	}
	return s.TicketRequestStore.Accept(ctx, r, t)
}

type flakyTickets struct {
	request.TicketStore
	setChannelErr error
}

func (s *flakyTickets) SetChannel(ctx context.Context, t *request.Ticket, channelID *int64) error {
	if s.setChannelErr != nil {
		return s.setChannelErr
	}
	return s.TicketStore.SetChannel(ctx, t, channelID)
}

type flakyVerifications struct {
	request.VerificationStore
	notifyErr error
}

func (s *flakyVerifications) SetNotification(ctx context.Context, r *request.VerificationRequest, msg platform.MessageRef) error {
	if s.notifyErr != nil {
		return s.notifyErr
	}
	return s.VerificationStore.SetNotification(ctx, r, msg)
}

// rebuild replaces the engine after deps were swapped.
func (h *harness) rebuild() {
	h.engine = New(h.deps, DefaultOptions())
}
