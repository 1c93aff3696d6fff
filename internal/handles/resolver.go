package handles

import (
	"context"
	"net/url"
	"strings"

	"github.com/MarcoPoloResearchLab/pagelink/backend/internal/metrics"
	"go.uber.org/zap"
)

// DecisionKind tells the routing layer what to do with a request.
type DecisionKind int

const (
	// DecisionSkip leaves paths outside the user namespace alone.
	DecisionSkip DecisionKind = iota
	// DecisionPassThrough serves the live user's page.
	DecisionPassThrough
	// DecisionRedirect answers 301 with Location.
	DecisionRedirect
	// DecisionNotFound answers 404.
	DecisionNotFound
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionPassThrough:
		return metrics.OutcomePassThrough
	case DecisionRedirect:
		return metrics.OutcomeRedirect
	case DecisionNotFound:
		return metrics.OutcomeNotFound
	default:
		return "skip"
	}
}

// Decision is the resolver outcome for one request path.
type Decision struct {
	Kind     DecisionKind
	Location string
	Username string
}

// excludedPrefixes are first path segments owned by the application itself.
var excludedPrefixes = map[string]struct{}{
	"admin":       {},
	"api":         {},
	"assets":      {},
	"favicon.ico": {},
	"healthz":     {},
	"metrics":     {},
	"s":           {},
	"static":      {},
}

// AccountLookup answers whether a handle is live.
type AccountLookup interface {
	GetUserByUsername(ctx context.Context, username string) (uint, bool, error)
}

// AliasLookup answers where a vacated handle points.
type AliasLookup interface {
	Resolve(ctx context.Context, oldUsername string) (string, bool)
}

// Resolver turns a request path into a routing decision.
type Resolver struct {
	accounts AccountLookup
	aliases  AliasLookup
	logger   *zap.Logger
}

// NewResolver wires a Resolver.
func NewResolver(accounts AccountLookup, aliases AliasLookup, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{accounts: accounts, aliases: aliases, logger: logger}
}

// Resolve inspects the first segment of escapedPath, the request path in its
// escaped form. Redirect locations keep the rest of the path escaped as it
// arrived, followed by the raw query.
func (r *Resolver) Resolve(ctx context.Context, path, rawQuery string) Decision {
	decision := r.decide(ctx, path, rawQuery)
	if decision.Kind != DecisionSkip {
		metrics.RedirectDecisions.WithLabelValues(decision.Kind.String()).Inc()
	}
	return decision
}

func (r *Resolver) decide(ctx context.Context, escapedPath, rawQuery string) Decision {
	trimmed := strings.TrimPrefix(escapedPath, "/")
	if trimmed == "" {
		return Decision{Kind: DecisionSkip}
	}
	segment, rest, hasRest := strings.Cut(trimmed, "/")
	unescaped, err := url.PathUnescape(segment)
	if err != nil {
		return Decision{Kind: DecisionNotFound}
	}
	candidate := strings.ToLower(unescaped)
	if _, excluded := excludedPrefixes[candidate]; excluded {
		return Decision{Kind: DecisionSkip}
	}
	if !ValidFormat(candidate) || IsReserved(candidate) {
		return Decision{Kind: DecisionNotFound}
	}

	_, live, err := r.accounts.GetUserByUsername(ctx, candidate)
	if err != nil {
		r.logger.Warn("handle lookup failed", zap.String("username", candidate), zap.Error(err))
		return Decision{Kind: DecisionNotFound}
	}
	if live {
		if segment != candidate {
			return Decision{Kind: DecisionRedirect, Username: candidate, Location: buildLocation(candidate, rest, hasRest, rawQuery)}
		}
		return Decision{Kind: DecisionPassThrough, Username: candidate}
	}

	if target, ok := r.aliases.Resolve(ctx, candidate); ok {
		return Decision{Kind: DecisionRedirect, Username: target, Location: buildLocation(target, rest, hasRest, rawQuery)}
	}
	return Decision{Kind: DecisionNotFound}
}

func buildLocation(username, rest string, hasRest bool, rawQuery string) string {
	var location strings.Builder
	location.WriteString("/")
	location.WriteString(username)
	if hasRest {
		location.WriteString("/")
		location.WriteString(rest)
	}
	if rawQuery != "" {
		location.WriteString("?")
		location.WriteString(rawQuery)
	}
	return location.String()
}
