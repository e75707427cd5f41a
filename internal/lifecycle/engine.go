// Package lifecycle coordinates ticket and verification requests from
// submission through a staff decision to their side effects.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gatekeeper-bot/internal/clock"
	apperrors "gatekeeper-bot/internal/errors"
	"gatekeeper-bot/internal/feed"
	"gatekeeper-bot/internal/limiter"
	"gatekeeper-bot/internal/locks"
	"gatekeeper-bot/internal/platform"
	"gatekeeper-bot/internal/request"
	"gatekeeper-bot/internal/roster"
	"gatekeeper-bot/internal/settings"
)

// CooldownStore gates resubmission after a rejection.
type CooldownStore interface {
	Remaining(ctx context.Context, guildID, userID int64) (time.Duration, error)
	Start(ctx context.Context, guildID, userID int64, d time.Duration, requestID *int64) error
	Reset(ctx context.Context, guildID, userID int64) error
}

// Roster tracks members and the reminder messages they were sent.
type Roster interface {
	Join(ctx context.Context, m roster.Member) error
	Leave(ctx context.Context, guildID, userID int64) error
	Get(ctx context.Context, guildID, userID int64) (*roster.Member, error)
	SetVerified(ctx context.Context, guildID, userID int64, verified bool) error
	SetScreeningPending(ctx context.Context, guildID, userID int64, pending bool) error
	Unverified(ctx context.Context) ([]roster.Member, error)
	AddReminder(ctx context.Context, r roster.Reminder) error
	Reminders(ctx context.Context, guildID, userID int64, kind roster.ReminderKind) ([]roster.Reminder, error)
	ReminderOwner(ctx context.Context, msg platform.MessageRef) (int64, bool, error)
	CountReminders(ctx context.Context, guildID, userID int64, kind roster.ReminderKind) (int, error)
	DeleteReminders(ctx context.Context, guildID, userID int64, kind roster.ReminderKind) error
}

// Publisher receives every lifecycle transition.
type Publisher interface {
	Publish(e feed.Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(feed.Event) {}

// Options tune the background sweeps.
type Options struct {
	ReminderInterval    time.Duration
	ReminderSpacing     time.Duration
	RemindersBeforeKick int
	ExpiryInterval      time.Duration
	RejectedChannelTTL  time.Duration
	// MaxConcurrentSubmissions caps submissions in flight across all guilds.
	// Zero means no cap.
	MaxConcurrentSubmissions int
}

func DefaultOptions() Options {
	return Options{
		ReminderInterval:    8 * time.Hour,
		ReminderSpacing:     time.Minute,
		RemindersBeforeKick: 4,
		ExpiryInterval:      time.Hour,
		RejectedChannelTTL:  24 * time.Hour,
	}
}

// Deps are the collaborators the engine sequences.
type Deps struct {
	Platform       platform.Platform
	Settings       settings.Store
	Cooldowns      CooldownStore
	Tickets        request.TicketStore
	TicketRequests request.TicketRequestStore
	Verifications  request.VerificationStore
	Roster         Roster
	Clock          clock.Clock
	Publisher      Publisher
	Logger         *slog.Logger
}

type Engine struct {
	platform       platform.Platform
	settings       settings.Store
	cooldowns      CooldownStore
	tickets        request.TicketStore
	ticketRequests request.TicketRequestStore
	verifications  request.VerificationStore
	roster         Roster
	clock          clock.Clock
	publisher      Publisher
	logger         *slog.Logger
	opts           Options

	locks   *locks.Table
	limiter *limiter.UserLimiter
	views   *viewRegistry
}

func New(deps Deps, opts Options) *Engine {
	pub := deps.Publisher
	if pub == nil {
		pub = nopPublisher{}
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.NewRealClock()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		platform:       deps.Platform,
		settings:       deps.Settings,
		cooldowns:      deps.Cooldowns,
		tickets:        deps.Tickets,
		ticketRequests: deps.TicketRequests,
		verifications:  deps.Verifications,
		roster:         deps.Roster,
		clock:          clk,
		publisher:      pub,
		logger:         logger,
		opts:           opts,
		locks:          locks.NewTable(),
		limiter:        limiter.NewUserLimiter(opts.MaxConcurrentSubmissions),
		views:          newViewRegistry(),
	}
}

// ActiveSubmissions returns the number of submissions in flight.
func (e *Engine) ActiveSubmissions() int {
	return e.limiter.ActiveCount()
}

// PendingViews returns the number of live decision views.
func (e *Engine) PendingViews() int {
	return e.views.pending()
}

func (e *Engine) publish(t feed.EventType, guildID, userID, requestID int64, kind request.Kind, actorID int64) {
	e.publisher.Publish(feed.Event{
		Type:      t,
		GuildID:   guildID,
		UserID:    userID,
		RequestID: requestID,
		Kind:      string(kind),
		ActorID:   actorID,
		At:        e.clock.Now(),
	})
}

// acquire guards a member's submission path.
func (e *Engine) acquire(guildID, userID int64) (func(), error) {
	k := limiter.Key{GuildID: guildID, UserID: userID}
	if !e.limiter.TryAcquire(k) {
		if e.limiter.IsActive(k) {
			return nil, apperrors.ErrSubmissionInProgress
		}
		return nil, apperrors.ErrBusy
	}
	return func() { e.limiter.Release(k) }, nil
}

// editNotification tolerates a notification deleted out from under us.
func (e *Engine) editNotification(ctx context.Context, msg *platform.MessageRef, content platform.Content) {
	if msg == nil {
		return
	}
	if err := e.platform.EditNotification(ctx, *msg, content); err != nil {
		if errors.Is(err, platform.ErrNotFound) {
			e.logger.Info("notification already deleted", "chat_id", msg.ChatID, "message_id", msg.MessageID)
			return
		}
		e.logger.Warn("failed to edit notification", "chat_id", msg.ChatID, "message_id", msg.MessageID, "error", err)
	}
}

func (e *Engine) deleteMessage(ctx context.Context, msg platform.MessageRef) {
	if err := e.platform.DeleteMessage(ctx, msg); err != nil && !errors.Is(err, platform.ErrNotFound) {
		e.logger.Warn("failed to delete message", "chat_id", msg.ChatID, "message_id", msg.MessageID, "error", err)
	}
}
