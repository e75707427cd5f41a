package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"

	cr "github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
)

// Kind classifies failures that reach an event handler boundary.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfigurationIncomplete
	KindDuplicateRequest
	KindCooldownActive
	KindActorUnauthorized
	KindTargetGone
	KindExternalActionDenied
	KindInvalidInput
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindConfigurationIncomplete:
		return "configuration_incomplete"
	case KindDuplicateRequest:
		return "duplicate_request"
	case KindCooldownActive:
		return "cooldown_active"
	case KindActorUnauthorized:
		return "actor_unauthorized"
	case KindTargetGone:
		return "target_gone"
	case KindExternalActionDenied:
		return "external_action_denied"
	case KindInvalidInput:
		return "invalid_input"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// UserError represents an error with both technical and user-friendly messages
type UserError struct {
	Kind      Kind
	Err       error
	UserMsg   string
	Retryable bool
}

func (e *UserError) Error() string {
	return e.Err.Error()
}

func (e *UserError) Unwrap() error {
	return e.Err
}

// ErrStorage marks every persistence failure, however deeply it is wrapped.
var ErrStorage = errors.New("storage failure")

// Predefined errors
var (
	ErrUnauthorized = &UserError{
		Kind:    KindActorUnauthorized,
		Err:     errors.New("actor lacks moderation rights"),
		UserMsg: "You are not allowed to do this action!",
	}

	ErrSubmissionInProgress = &UserError{
		Kind:      KindDuplicateRequest,
		Err:       errors.New("submission already in progress"),
		UserMsg:   "Your previous submission is still being processed. Please wait a moment.",
		Retryable: true,
	}

	ErrBusy = &UserError{
		Kind:      KindDuplicateRequest,
		Err:       errors.New("submission limit reached"),
		UserMsg:   "I am handling a lot of requests right now. Please try again in a moment.",
		Retryable: true,
	}

	ErrNotTicketChannel = &UserError{
		Kind:    KindInvalidInput,
		Err:     errors.New("not a ticket channel"),
		UserMsg: "This is not a ticket channel!",
	}

	ErrReasonRequired = &UserError{
		Kind:    KindInvalidInput,
		Err:     errors.New("decision reason missing"),
		UserMsg: "Please give a reason for the rejection.",
	}

	ErrAlreadyHandled = &UserError{
		Kind:    KindDuplicateRequest,
		Err:     errors.New("request already decided"),
		UserMsg: "This request has already been handled.",
	}

	ErrNotYourButton = &UserError{
		Kind:    KindInvalidInput,
		Err:     errors.New("button belongs to another member"),
		UserMsg: "This is not your verification button!",
	}

	ErrAlreadyVerified = &UserError{
		Kind:    KindDuplicateRequest,
		Err:     errors.New("member already verified"),
		UserMsg: "You are already verified.",
	}
)

// Wrap wraps a technical error with a user message
func Wrap(err error, userMsg string, retryable bool) *UserError {
	return &UserError{
		Err:       err,
		UserMsg:   userMsg,
		Retryable: retryable,
	}
}

// NotConfigured reports a missing guild setting. Nothing is written when it is returned.
func NotConfigured(feature string, missing ...string) *UserError {
	return &UserError{
		Kind: KindConfigurationIncomplete,
		Err:  fmt.Errorf("%s not configured: missing %s", feature, strings.Join(missing, ", ")),
		UserMsg: fmt.Sprintf("The %s system is not fully configured yet (missing: %s). Please ask an administrator.",
			feature, strings.Join(missing, ", ")),
	}
}

// Invalid reports input the user can correct.
func Invalid(userMsg string) *UserError {
	return &UserError{
		Kind:    KindInvalidInput,
		Err:     errors.New(strings.ToLower(strings.TrimSuffix(userMsg, "."))),
		UserMsg: userMsg,
	}
}

// Duplicate reports that the user already has an open or pending record.
func Duplicate(userMsg string) *UserError {
	return &UserError{
		Kind:    KindDuplicateRequest,
		Err:     errors.New("duplicate request"),
		UserMsg: userMsg,
	}
}

// CooldownError carries the time left before the user may submit again.
type CooldownError struct {
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("cooldown active for %s", e.Remaining)
}

func CooldownActive(remaining time.Duration) *UserError {
	return &UserError{
		Kind: KindCooldownActive,
		Err:  &CooldownError{Remaining: remaining},
		UserMsg: fmt.Sprintf("Your request was rejected recently. Please try again in %s.",
			FormatDuration(remaining)),
		Retryable: true,
	}
}

// RemainingCooldown extracts the remaining duration from a cooldown error.
func RemainingCooldown(err error) (time.Duration, bool) {
	var ce *CooldownError
	if errors.As(err, &ce) {
		return ce.Remaining, true
	}
	return 0, false
}

func TargetGone(userID int64) *UserError {
	return &UserError{
		Kind:    KindTargetGone,
		Err:     fmt.Errorf("user %d is no longer a member", userID),
		UserMsg: "It appears the user already left. The request has been closed.",
	}
}

// ExternalDenied wraps a permission failure reported by the chat platform.
func ExternalDenied(err error, action string) *UserError {
	return &UserError{
		Kind: KindExternalActionDenied,
		Err:  cr.Wrapf(err, "%s", action),
		UserMsg: fmt.Sprintf("Error: lacking permissions to %s. The bot is probably missing admin rights "+
			"or ranks below the target.", action),
	}
}

// Storage marks err as a persistence failure. The user sees a generic message.
func Storage(err error, op string) error {
	if err == nil {
		return nil
	}
	return &UserError{
		Kind:      KindStorage,
		Err:       cr.Mark(cr.Wrap(err, op), ErrStorage),
		UserMsg:   "Something went wrong while saving your request. Please try again.",
		Retryable: true,
	}
}

// KindOf returns the kind of the outermost UserError in the chain.
func KindOf(err error) Kind {
	var userErr *UserError
	if errors.As(err, &userErr) {
		return userErr.Kind
	}
	if cr.Is(err, ErrStorage) {
		return KindStorage
	}
	return KindUnknown
}

// IsStorage reports whether err carries the storage mark.
func IsStorage(err error) bool {
	return cr.Is(err, ErrStorage)
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// GetUserMessage extracts user-friendly message from error
func GetUserMessage(err error) string {
	var userErr *UserError
	if errors.As(err, &userErr) {
		return userErr.UserMsg
	}
	// Default message for unexpected errors
	return "An unexpected error occurred. Please try again later."
}

// IsRetryable checks if an error can be retried
func IsRetryable(err error) bool {
	var userErr *UserError
	if errors.As(err, &userErr) {
		return userErr.Retryable
	}
	return false
}

// FormatDuration renders d the way users read it, e.g. "59 minutes".
func FormatDuration(d time.Duration) string {
	base := time.Unix(0, 0)
	return strings.TrimSpace(humanize.RelTime(base, base.Add(d), "", ""))
}

// StackLines returns at most maxLines lines of the verbose error rendering.
func StackLines(err error, maxLines int) []string {
	if err == nil {
		return nil
	}
	lines := strings.Split(fmt.Sprintf("%+v", err), "\n")
	if maxLines > 0 && len(lines) > maxLines {
		lines = lines[:maxLines]
	}
	return lines
}
