package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates that a requested entity was not found.
	ErrNotFound = errors.New("resource not found")
	// ErrNoDueMessages indicates the claim query matched nothing ready to send.
	ErrNoDueMessages = errors.New("no due messages found")
	// ErrVersionConflict indicates a conditional write lost against a newer version.
	ErrVersionConflict = errors.New("stale entity version")
	// ErrDuplicateIdempotencyKey indicates a message already exists for the key.
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already used")
	// ErrNotAuthorized indicates the acting user may not perform the operation.
	ErrNotAuthorized = errors.New("actor not authorized for this operation")
)

// DenialCode classifies why a policy gate refused an operation.
type DenialCode string

const (
	DenialRateLimited    DenialCode = "rate_limited"
	DenialCooldown       DenialCode = "cooldown_active"
	DenialOptedOut       DenialCode = "opted_out"
	DenialNoConsent      DenialCode = "no_consent"
	DenialAbuseBlocked   DenialCode = "abuse_blocked"
	DenialToneRejected   DenialCode = "tone_rejected"
	DenialCannotRecall   DenialCode = "cannot_recall"
	DenialNoRecipients   DenialCode = "no_recipients"
	DenialInvalidRequest DenialCode = "invalid_request"
)

// PolicyDeniedError is returned synchronously when a send or manual operation
// is refused by consent, rate-limit, abuse, tone, or recall policy. Expected,
// user-facing, not retryable without a policy change.
type PolicyDeniedError struct {
	Code   DenialCode
	Reason string
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("policy denied (%s): %s", e.Code, e.Reason)
}

// NewPolicyDenied builds a PolicyDeniedError with a formatted reason.
func NewPolicyDenied(code DenialCode, format string, args ...any) *PolicyDeniedError {
	return &PolicyDeniedError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// TransientDeliveryError marks a channel attempt failure that the state
// machine handles internally via fallback and backoff. Never surfaced to
// callers unless it becomes terminal.
type TransientDeliveryError struct {
	Channel      Channel
	ProviderCode string
	Err          error
}

func (e *TransientDeliveryError) Error() string {
	return fmt.Sprintf("transient delivery failure on %s (code %q): %v", e.Channel, e.ProviderCode, e.Err)
}

func (e *TransientDeliveryError) Unwrap() error { return e.Err }

// TerminalDeliveryError marks a message whose ranked channels are all
// exhausted. Surfaced to admins as requiring attention; never retried
// automatically.
type TerminalDeliveryError struct {
	MessageID string
	Attempts  int
}

func (e *TerminalDeliveryError) Error() string {
	return fmt.Sprintf("all channels exhausted for message %s after %d attempts", e.MessageID, e.Attempts)
}

// ConcurrencyConflictError is returned when a recall/cancel or counter update
// raced a concurrent state transition and lost. Surfaced as "action no longer
// possible"; the entity is left as the winning writer produced it.
type ConcurrencyConflictError struct {
	Entity string
	ID     string
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrent update on %s %s: action no longer possible", e.Entity, e.ID)
}

// AuditError wraps a failure to record an audit event. Always swallowed by
// callers after local logging; never blocks the operation it describes.
type AuditError struct {
	Err error
}

func (e *AuditError) Error() string { return fmt.Sprintf("audit event not recorded: %v", e.Err) }

func (e *AuditError) Unwrap() error { return e.Err }

// InvalidTransitionError is returned by the state machines for any
// (state, event) pair outside their transition tables.
type InvalidTransitionError struct {
	From  string
	Event string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: no %q event from state %q", e.Event, e.From)
}

// IsPolicyDenied reports whether err is (or wraps) a PolicyDeniedError.
func IsPolicyDenied(err error) bool {
	var p *PolicyDeniedError
	return errors.As(err, &p)
}

// IsConcurrencyConflict reports whether err is (or wraps) a ConcurrencyConflictError.
func IsConcurrencyConflict(err error) bool {
	var c *ConcurrencyConflictError
	return errors.As(err, &c)
}

// IsInvalidTransition reports whether err is (or wraps) an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var t *InvalidTransitionError
	return errors.As(err, &t)
}
