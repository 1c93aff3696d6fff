package handles

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/pagelink/backend/internal/users"
)

// Fixed policy knobs.
const (
	CooldownDays      = 30
	ReleaseMonths     = 6
	MinUsernameLength = 3

	daysPerMonth = 30
	day          = 24 * time.Hour
)

var usernamePattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// reservedUsernames can never be claimed. It covers every path prefix the
// router serves outside of user pages.
var reservedUsernames = map[string]struct{}{
	"about":     {},
	"account":   {},
	"accounts":  {},
	"admin":     {},
	"api":       {},
	"assets":    {},
	"auth":      {},
	"blog":      {},
	"dashboard": {},
	"docs":      {},
	"healthz":   {},
	"help":      {},
	"login":     {},
	"logout":    {},
	"metrics":   {},
	"null":      {},
	"oauth":     {},
	"pagelink":  {},
	"privacy":   {},
	"root":      {},
	"settings":  {},
	"signup":    {},
	"static":    {},
	"status":    {},
	"support":   {},
	"system":    {},
	"terms":     {},
	"undefined": {},
	"www":       {},
}

// ValidFormat reports whether username uses only lowercase letters, digits and
// hyphens and is long enough.
func ValidFormat(username string) bool {
	return len(username) >= MinUsernameLength && usernamePattern.MatchString(username)
}

// IsReserved reports whether username belongs to the static reserved set.
func IsReserved(username string) bool {
	_, ok := reservedUsernames[username]
	return ok
}

// Directory is the read side the policy needs from the identity store and the
// history ledger.
type Directory interface {
	GetUser(ctx context.Context, userID uint) (users.Account, error)
	GetUserByUsername(ctx context.Context, username string) (uint, bool, error)
	FindActiveOwnerOf(ctx context.Context, username string) (HistoryEntry, bool, error)
}

// Availability answers the settings screen's "can I take this name" question.
type Availability struct {
	Username         string
	Available        bool
	Reason           Reason
	Message          string
	IsOwnOldUsername bool
	MonthsRemaining  int
}

// Policy decides whether a username change is legal. It never writes.
type Policy struct {
	now func() time.Time
}

// NewPolicy builds a policy evaluated against clock.
func NewPolicy(clock func() time.Time) Policy {
	if clock == nil {
		clock = time.Now
	}
	return Policy{now: clock}
}

// EvaluateChange returns nil when userID may switch to requested, a *Rejection
// when policy refuses, or the lookup error that prevented a decision.
func (p Policy) EvaluateChange(ctx context.Context, dir Directory, userID uint, requested string) error {
	account, err := dir.GetUser(ctx, userID)
	if errors.Is(err, users.ErrAccountNotFound) {
		return reject(ReasonAccountNotFound)
	}
	if err != nil {
		return err
	}
	if requested == account.Username {
		return reject(ReasonSameUsername)
	}

	if _, rejection, err := p.checkName(ctx, dir, userID, requested); err != nil {
		return err
	} else if rejection != nil {
		return rejection
	}

	if account.LastUsernameChangeAt != nil {
		elapsed := daysElapsed(p.now(), *account.LastUsernameChangeAt)
		if elapsed < CooldownDays {
			return &Rejection{Reason: ReasonCooldown, DaysRemaining: CooldownDays - elapsed}
		}
	}
	return nil
}

// EvaluateRegistration applies the name checks to a brand new account.
func (p Policy) EvaluateRegistration(ctx context.Context, dir Directory, username string) error {
	_, rejection, err := p.checkName(ctx, dir, 0, username)
	if err != nil {
		return err
	}
	if rejection != nil {
		return rejection
	}
	return nil
}

// CheckAvailability runs the name checks without the cooldown. A zero
// requestingUserID is an anonymous visitor and gets no own-handle exemption.
func (p Policy) CheckAvailability(ctx context.Context, dir Directory, username string, requestingUserID uint) (Availability, error) {
	result := Availability{Username: username}
	if rejection := checkSyntax(username); rejection != nil {
		return result.refused(rejection), nil
	}
	if requestingUserID != 0 {
		account, err := dir.GetUser(ctx, requestingUserID)
		if err != nil && !errors.Is(err, users.ErrAccountNotFound) {
			return Availability{}, err
		}
		if err == nil && account.Username == username {
			return result.refused(reject(ReasonSameUsername)), nil
		}
		if err != nil {
			requestingUserID = 0
		}
	}

	ownOld, rejection, err := p.checkName(ctx, dir, requestingUserID, username)
	if err != nil {
		return Availability{}, err
	}
	if rejection != nil {
		return result.refused(rejection), nil
	}
	result.Available = true
	result.IsOwnOldUsername = ownOld
	return result, nil
}

// checkName covers format, reserved words, live ownership and the release
// window, in that order.
func (p Policy) checkName(ctx context.Context, dir Directory, requesterID uint, username string) (bool, *Rejection, error) {
	if rejection := checkSyntax(username); rejection != nil {
		return false, rejection, nil
	}

	if _, taken, err := dir.GetUserByUsername(ctx, username); err != nil {
		return false, nil, err
	} else if taken {
		return false, reject(ReasonTaken), nil
	}

	entry, found, err := dir.FindActiveOwnerOf(ctx, username)
	if err != nil {
		return false, nil, err
	}
	if !found {
		return false, nil, nil
	}
	if requesterID != 0 && entry.UserID == requesterID {
		return true, nil, nil
	}
	months := daysElapsed(p.now(), entry.ChangedAt) / daysPerMonth
	if months < ReleaseMonths {
		return false, &Rejection{Reason: ReasonPreviouslyUsed, MonthsRemaining: ReleaseMonths - months}, nil
	}
	return false, nil, nil
}

// checkSyntax needs no storage: format first, then the reserved set.
func checkSyntax(username string) *Rejection {
	if !ValidFormat(username) {
		return reject(ReasonInvalidFormat)
	}
	if IsReserved(username) {
		return reject(ReasonReserved)
	}
	return nil
}

func (a Availability) refused(rejection *Rejection) Availability {
	a.Available = false
	a.Reason = rejection.Reason
	a.Message = rejection.Message()
	a.MonthsRemaining = rejection.MonthsRemaining
	return a
}

// daysElapsed floors the whole days between since and now; clock skew counts as zero.
func daysElapsed(now, since time.Time) int {
	elapsed := now.Sub(since)
	if elapsed <= 0 {
		return 0
	}
	return int(elapsed / day)
}

// NormalizeCandidate trims user input; case is preserved so format validation
// can refuse uppercase.
func NormalizeCandidate(raw string) string {
	return strings.TrimSpace(raw)
}
