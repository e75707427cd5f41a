package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"

	"gatekeeper-bot/internal/config"
	apperrors "gatekeeper-bot/internal/errors"
	"gatekeeper-bot/internal/lifecycle"
	"gatekeeper-bot/internal/platform"
	"gatekeeper-bot/internal/request"
	"gatekeeper-bot/internal/settings"
)

// Callback data for the steps of the verification form.
const (
	actionAge    = "vr:age:"
	actionGender = "vr:gender:"
)

// Handler processes Telegram updates
type Handler struct {
	adapter  *Adapter
	engine   *lifecycle.Engine
	settings settings.Store
	access   *Allowlist
	prompts  *promptBook
	cfg      config.TelegramConfig
	logger   *slog.Logger
}

// NewHandler creates a new update handler
func NewHandler(
	adapter *Adapter,
	engine *lifecycle.Engine,
	store settings.Store,
	cfg config.TelegramConfig,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		adapter:  adapter,
		engine:   engine,
		settings: store,
		access:   NewAllowlist(cfg.AllowedChats, logger),
		prompts:  newPromptBook(cfg.PromptTTL),
		cfg:      cfg,
		logger:   logger,
	}
}

// HandleUpdate processes a single update
func (h *Handler) HandleUpdate(ctx context.Context, update Update) {
	origin, allowed := h.access.CheckAccess(update.Update)
	if !allowed {
		return
	}

	logger := h.logger.With(
		"event_id", uuid.NewString(),
		"update_id", update.UpdateID,
		"guild_id", origin.ChatID,
		"user_id", origin.UserID,
	)
	h.rememberNames(update)

	switch {
	case update.ChatMember != nil:
		h.handleMembership(ctx, logger, update.ChatMember)
	case update.CallbackQuery != nil:
		h.handleCallback(ctx, logger, update)
	case update.Message != nil:
		h.handleMessage(ctx, logger, update)
	}
}

func (h *Handler) rememberNames(update Update) {
	switch {
	case update.Message != nil:
		h.adapter.names.remember(update.Message.From)
		if r := update.Message.ReplyToMessage; r != nil {
			h.adapter.names.remember(r.From)
		}
	case update.CallbackQuery != nil:
		h.adapter.names.remember(update.CallbackQuery.From)
	case update.ChatMember != nil:
		h.adapter.names.remember(update.ChatMember.NewChatMember.User)
	}
}

type transition int

const (
	noChange transition = iota
	joined
	left
)

// memberTransition classifies a chat_member update by presence before and after.
func memberTransition(u *tgbotapi.ChatMemberUpdated) transition {
	was, is := present(u.OldChatMember), present(u.NewChatMember)
	switch {
	case !was && is:
		return joined
	case was && !is:
		return left
	}
	return noChange
}

func (h *Handler) handleMembership(ctx context.Context, logger *slog.Logger, u *tgbotapi.ChatMemberUpdated) {
	user := u.NewChatMember.User
	if user == nil || user.IsBot {
		return
	}
	guildID := u.Chat.ID

	switch memberTransition(u) {
	case joined:
		logger.Info("member joined")
		if err := h.engine.MemberJoined(ctx, guildID, user.ID, displayName(user), h.cfg.RulesScreening); err != nil {
			h.logFailure(logger, err, "member joined")
			return
		}
		if h.cfg.RestrictNewcomers {
			if err := h.adapter.RestrictNewcomer(guildID, user.ID); err != nil {
				logger.Warn("failed to restrict newcomer", "error", err)
			}
		}
	case left:
		logger.Info("member left")
		if err := h.engine.MemberLeft(ctx, guildID, user.ID); err != nil {
			h.logFailure(logger, err, "member left")
		}
	}
}

func (h *Handler) handleCallback(ctx context.Context, logger *slog.Logger, update Update) {
	q := update.CallbackQuery
	ch, ok := update.Channel()
	if !ok || q.From == nil {
		h.adapter.answer(q.ID, "", false)
		return
	}
	msg := platform.MessageRef{ChatID: ch.ChatID, ThreadID: ch.ThreadID, MessageID: q.Message.MessageID}
	userID := q.From.ID

	var (
		ack string
		err error
	)
	switch data := q.Data; {
	case data == lifecycle.ActionRequestTicket:
		err = h.startTicketRequest(ctx, ch, userID)
	case data == lifecycle.ActionVerify:
		err = h.startVerification(ctx, ch, msg, userID)
	case strings.HasPrefix(data, actionAge):
		err = h.answerAge(ctx, msg, userID, strings.TrimPrefix(data, actionAge))
	case strings.HasPrefix(data, actionGender):
		err = h.answerGender(ctx, msg, userID, strings.TrimPrefix(data, actionGender))
	case data == lifecycle.ActionAcceptRules:
		err = h.engine.ScreeningCompleted(ctx, ch.ChatID, userID, &msg)
	case strings.HasPrefix(data, "dec:"):
		ack, err = h.decide(ctx, ch, data, userID)
	default:
		logger.Debug("unknown callback", "data", data)
	}

	if err != nil {
		h.logFailure(logger.With("callback", q.Data), err, "button")
		h.adapter.answer(q.ID, apperrors.GetUserMessage(err), true)
		return
	}
	h.adapter.answer(q.ID, ack, false)
}

func (h *Handler) ask(ctx context.Context, p *prompt, question, placeholder string) error {
	mention := h.adapter.Mention(ctx, p.Channel.ChatID, p.UserID)
	ref, err := h.adapter.sendPrompt(p.Channel, mention+", "+question, placeholder)
	if err != nil {
		return apperrors.Wrap(err, "Failed to ask the question. Please try again.", true)
	}
	h.prompts.put(ref, p)
	return nil
}

func (h *Handler) startTicketRequest(ctx context.Context, ch platform.ChannelRef, userID int64) error {
	if err := h.engine.CheckTicketRequest(ctx, ch.ChatID, userID); err != nil {
		return err
	}
	p := newPrompt(promptTicketReason, userID, ch)
	return h.ask(ctx, p, "what would you like to talk about? Reply to this message.", "Reason for the ticket")
}

func optionRows(prefix string, options []string) [][]platform.Control {
	row := make([]platform.Control, 0, len(options))
	for _, o := range options {
		row = append(row, platform.Control{Label: o, Action: prefix + o})
	}
	return [][]platform.Control{row}
}

func (h *Handler) startVerification(ctx context.Context, ch platform.ChannelRef, button platform.MessageRef, userID int64) error {
	if err := h.engine.StartVerification(ctx, ch.ChatID, userID, &button); err != nil {
		return err
	}
	p := newPrompt(promptAge, userID, ch)
	p.Form = lifecycle.VerificationForm{GuildID: ch.ChatID, UserID: userID, JoinMessage: &button}

	mention := h.adapter.Mention(ctx, ch.ChatID, userID)
	ref, err := h.adapter.SendNotification(ctx, ch, platform.Content{
		Text:     mention + ", how old are you?",
		Controls: optionRows(actionAge, lifecycle.AgeBrackets),
	})
	if err != nil {
		return apperrors.Wrap(err, "Failed to start verification. Please try again.", true)
	}
	h.prompts.put(ref, p)
	return nil
}

// takePrompt claims the prompt on msg for userID, telling apart a stranger's
// press from an expired form.
func (h *Handler) takePrompt(msg platform.MessageRef, userID int64, kind promptKind) (*prompt, error) {
	p, ok := h.prompts.take(msg.ChatID, msg.MessageID, userID)
	if ok && p.Kind == kind {
		return p, nil
	}
	if ok {
		h.prompts.put(msg, p)
	}
	if _, open := h.prompts.owner(msg.ChatID, msg.MessageID); open && !ok {
		return nil, apperrors.ErrNotYourButton
	}
	return nil, apperrors.Invalid("This form has expired. Press the button again to start over.")
}

func (h *Handler) answerAge(ctx context.Context, msg platform.MessageRef, userID int64, age string) error {
	p, err := h.takePrompt(msg, userID, promptAge)
	if err != nil {
		return err
	}
	if !slices.Contains(lifecycle.AgeBrackets, age) {
		h.prompts.put(msg, p)
		return apperrors.Invalid("Please pick one of the listed ages.")
	}
	p.Form.Age = age
	p.Kind = promptGender

	mention := h.adapter.Mention(ctx, msg.ChatID, userID)
	if err := h.adapter.EditNotification(ctx, msg, platform.Content{
		Text:     mention + ", what is your gender?",
		Controls: optionRows(actionGender, lifecycle.Genders),
	}); err != nil {
		return apperrors.Wrap(err, "Failed to continue verification. Please try again.", true)
	}
	h.prompts.put(msg, p)
	return nil
}

func (h *Handler) answerGender(ctx context.Context, msg platform.MessageRef, userID int64, gender string) error {
	p, err := h.takePrompt(msg, userID, promptGender)
	if err != nil {
		return err
	}
	if !slices.Contains(lifecycle.Genders, gender) {
		h.prompts.put(msg, p)
		return apperrors.Invalid("Please pick one of the listed options.")
	}
	p.Form.Gender = gender
	p.Kind = promptReferrer
	h.adapter.deleteQuietly(ctx, msg)
	return h.ask(ctx, p, "how did you find us? Reply to this message.", "Who invited you?")
}

// decide handles a press on Accept or Reject. The returned text acknowledges
// the press.
func (h *Handler) decide(ctx context.Context, ch platform.ChannelRef, data string, actorID int64) (string, error) {
	kind, action, id, err := lifecycle.ParseDecision(data)
	if err != nil {
		return "", apperrors.Invalid("This button is no longer valid.")
	}
	needsReason, err := h.engine.BeginDecision(ctx, kind, id, action, actorID)
	if err != nil {
		return "", err
	}
	d := lifecycle.Decision{Kind: kind, RequestID: id, Action: action, ActorID: actorID}
	if needsReason {
		p := newPrompt(promptRejectReason, actorID, ch)
		p.Decision = d
		if err := h.ask(ctx, p, fmt.Sprintf("why is request #%d rejected? Reply to this message.", id), "Rejection reason"); err != nil {
			return "", err
		}
		return "Reply with a reason to reject.", nil
	}
	out, err := h.engine.HandleDecision(ctx, d)
	if err != nil {
		return "", err
	}
	return outcomeText(out), nil
}

func outcomeText(out lifecycle.Outcome) string {
	if !out.Applied {
		return apperrors.ErrAlreadyHandled.UserMsg
	}
	switch out.Status {
	case request.StatusAccepted:
		return "Request accepted."
	case request.StatusRejected:
		return "Request rejected."
	case request.StatusAbandoned:
		return "The member has left; the request was closed."
	}
	return "Done."
}

func (h *Handler) handleMessage(ctx context.Context, logger *slog.Logger, update Update) {
	msg := update.Message
	if msg.From == nil || msg.From.IsBot {
		return
	}
	ch, _ := update.Channel()

	reply := msg.ReplyToMessage
	if update.TopicRootReply {
		reply = nil
	}

	if msg.IsCommand() {
		h.handleCommand(ctx, logger.With("command", msg.Command()), ch, msg, reply)
		return
	}

	if r := reply; r != nil {
		if p, ok := h.prompts.take(msg.Chat.ID, r.MessageID, msg.From.ID); ok {
			replyTo := platform.MessageRef{ChatID: ch.ChatID, ThreadID: ch.ThreadID, MessageID: r.MessageID}
			h.handleAnswer(ctx, logger, ch, replyTo, msg, p)
			return
		}
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if ch.ThreadID == 0 || text == "" {
		return
	}
	recorded, err := h.engine.RecordTicketMessage(ctx, ch, request.TranscriptEntry{
		MessageID:  msg.MessageID,
		AuthorID:   msg.From.ID,
		AuthorName: displayName(msg.From),
		CreatedAt:  int64(msg.Date),
		Content:    text,
	})
	if err != nil {
		h.logFailure(logger, err, "record ticket message")
		return
	}
	if recorded {
		logger.Debug("recorded ticket message", "message_id", msg.MessageID)
	}
}

// handleAnswer consumes a reply to one of the bot's questions.
func (h *Handler) handleAnswer(ctx context.Context, logger *slog.Logger, ch platform.ChannelRef, question platform.MessageRef, msg *tgbotapi.Message, p *prompt) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		h.prompts.put(question, p)
		h.reply(ctx, ch, "Please answer with text.")
		return
	}

	var (
		notice string
		err    error
	)
	switch p.Kind {
	case promptTicketReason:
		var r *request.TicketRequest
		if r, err = h.engine.SubmitTicketRequest(ctx, ch.ChatID, p.UserID, text); err == nil {
			logger.Info("ticket request submitted", "request_id", r.ID)
			notice = "Your ticket request was sent to the staff."
		}
	case promptReferrer:
		p.Form.Referrer = text
		p.Kind = promptJoinReason
		err = h.ask(ctx, p, "why do you want to join? Reply to this message.", "A few words about you")
	case promptJoinReason:
		p.Form.Reason = text
		var v *request.VerificationRequest
		if v, err = h.engine.SubmitVerification(ctx, p.Form); err == nil {
			logger.Info("verification submitted", "request_id", v.ID)
			notice = "Thanks! Your answers were sent to the staff."
		}
	case promptRejectReason:
		d := p.Decision
		d.Reason = text
		var out lifecycle.Outcome
		out, err = h.engine.HandleDecision(ctx, d)
		if out.Applied || err == nil {
			notice = outcomeText(out)
		}
	default:
		logger.Warn("reply to a prompt that takes no text", "kind", p.Kind)
		return
	}

	h.adapter.deleteQuietly(ctx, question)
	h.adapter.deleteQuietly(ctx, platform.MessageRef{ChatID: ch.ChatID, ThreadID: ch.ThreadID, MessageID: msg.MessageID})

	if notice != "" {
		h.reply(ctx, ch, notice)
	}
	if err != nil {
		h.fail(ctx, logger, ch, err, "answer")
	}
}

func (h *Handler) reply(ctx context.Context, ch platform.ChannelRef, text string) {
	if _, err := h.adapter.SendNotification(ctx, ch, platform.Content{Text: text}); err != nil {
		h.logger.Error("failed to send message", "error", err, "chat_id", ch.ChatID)
	}
}

// logFailure logs err with detail matching how surprising it is.
func (h *Handler) logFailure(logger *slog.Logger, err error, op string) {
	kind := apperrors.KindOf(err)
	switch kind {
	case apperrors.KindUnknown, apperrors.KindStorage:
		logger.Error(op+" failed", "error", err, "kind", kind.String(), "stack", apperrors.StackLines(err, 8))
	case apperrors.KindExternalActionDenied:
		logger.Warn(op+" denied by platform", "error", err)
	default:
		logger.Info(op+" refused", "kind", kind.String(), "error", err)
	}
}

// fail logs err and tells the chat what went wrong.
func (h *Handler) fail(ctx context.Context, logger *slog.Logger, ch platform.ChannelRef, err error, op string) {
	h.logFailure(logger, err, op)
	h.reply(ctx, ch, apperrors.GetUserMessage(err))
}
