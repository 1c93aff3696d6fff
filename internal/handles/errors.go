package handles

import (
	"errors"
	"fmt"
)

// Error classes used with errors.Is against a *Rejection.
var (
	ErrValidation = errors.New("handles: validation failed")
	ErrConflict   = errors.New("handles: username conflict")
	ErrCooldown   = errors.New("handles: change cooldown active")
	ErrNotFound   = errors.New("handles: account not found")
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingCache      = errors.New("redirect cache is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingSource     = errors.New("cache source is required")
)

// Reason identifies why a username was refused.
type Reason string

const (
	ReasonSameUsername    Reason = "same_username"
	ReasonInvalidFormat   Reason = "invalid_format"
	ReasonReserved        Reason = "reserved"
	ReasonTaken           Reason = "already_taken"
	ReasonPreviouslyUsed  Reason = "previously_used"
	ReasonCooldown        Reason = "cooldown"
	ReasonAccountNotFound Reason = "account_not_found"
	ReasonPageSlugInUse   Reason = "page_slug_in_use"
)

// Rejection is the policy outcome for a refused username. It is recoverable
// and safe to show to the requesting user.
type Rejection struct {
	Reason          Reason
	DaysRemaining   int
	MonthsRemaining int
}

func (r *Rejection) Error() string {
	return r.Message()
}

// Message renders the user facing explanation.
func (r *Rejection) Message() string {
	switch r.Reason {
	case ReasonSameUsername:
		return "same username"
	case ReasonInvalidFormat:
		return fmt.Sprintf("invalid format: use at least %d lowercase letters, digits or hyphens", MinUsernameLength)
	case ReasonReserved:
		return "reserved"
	case ReasonTaken:
		return "already taken"
	case ReasonPreviouslyUsed:
		return fmt.Sprintf("previously used, available in %d months", r.MonthsRemaining)
	case ReasonCooldown:
		return fmt.Sprintf("cooldown, %d days remaining", r.DaysRemaining)
	case ReasonAccountNotFound:
		return "account not found"
	case ReasonPageSlugInUse:
		return "one of your pages already uses this name as its slug"
	default:
		return string(r.Reason)
	}
}

// Is maps the reason onto its error class.
func (r *Rejection) Is(target error) bool {
	switch target {
	case ErrValidation:
		return r.Reason == ReasonInvalidFormat || r.Reason == ReasonReserved
	case ErrConflict:
		return r.Reason == ReasonTaken || r.Reason == ReasonPreviouslyUsed || r.Reason == ReasonSameUsername ||
			r.Reason == ReasonPageSlugInUse
	case ErrCooldown:
		return r.Reason == ReasonCooldown
	case ErrNotFound:
		return r.Reason == ReasonAccountNotFound
	}
	return false
}

func reject(reason Reason) *Rejection {
	return &Rejection{Reason: reason}
}

// ServiceError reports an infrastructure failure. The change it interrupted
// was rolled back.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew        = "handles.service.new"
	opChangeUsername    = "handles.change_username"
	opRegisterAccount   = "handles.register_account"
	opDeleteAccount     = "handles.delete_account"
	opCheckAvailability = "handles.check_availability"
	opHistory           = "handles.history"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
