package credential

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/loykin/metricwatch/internal/clock"
	"github.com/loykin/metricwatch/internal/logger"
)

// ErrNoIssuer is returned by Refresh when no Issuer was configured.
var ErrNoIssuer = errors.New("no token issuer configured")

// DefaultRefreshMargin is how far ahead of expiry a token is replaced.
const DefaultRefreshMargin = 30 * time.Minute

// Scheduler keeps one token fresh. The identity never changes after
// construction; only Refresh mutates the token.
type Scheduler struct {
	identity  Identity
	issuer    Issuer
	cachePath string
	margin    time.Duration
	timeout   time.Duration
	clk       clock.Clock
	log       logger.Sink

	mu    sync.Mutex
	token Token
	// skipCache is set by Reset; the cache file then holds the token being
	// replaced and is ignored until the next successful Refresh.
	skipCache bool
}

type Options struct {
	Identity      Identity
	Issuer        Issuer
	CachePath     string
	RefreshMargin time.Duration
	// Timeout bounds a single issuance call; zero means no extra bound.
	Timeout time.Duration
	Clock   clock.Clock
	Log     logger.Sink
}

func NewScheduler(o Options) *Scheduler {
	if o.RefreshMargin <= 0 {
		o.RefreshMargin = DefaultRefreshMargin
	}
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}
	return &Scheduler{
		identity:  o.Identity,
		issuer:    o.Issuer,
		cachePath: o.CachePath,
		margin:    o.RefreshMargin,
		timeout:   o.Timeout,
		clk:       o.Clock,
		log:       o.Log.OrDiscard(),
	}
}

func (s *Scheduler) Identity() Identity { return s.identity }

// Token returns the currently held token.
func (s *Scheduler) Token() Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Reset forgets the held token so the next check issues a new one instead
// of reloading it from the cache file.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	s.token = Token{}
	s.skipCache = true
	s.mu.Unlock()
}

// NeedsRefresh reports whether tok must be replaced at now.
func NeedsRefresh(tok Token, now time.Time, margin time.Duration) bool {
	if !tok.Known() {
		return true
	}
	return !now.Before(tok.ExpiresOn.Add(-margin))
}

// Check is the outcome of one Ensure call.
type Check struct {
	Token     Token
	Valid     bool  // a token with known expiry is held
	Attempted bool  // a refresh was attempted
	Err       error // refresh error, if any
}

// GetValidToken refreshes the token when it is absent or inside the refresh
// margin and returns whatever token is held afterwards. A failed refresh
// keeps the previous token.
func (s *Scheduler) GetValidToken(ctx context.Context) (Token, bool) {
	c := s.Ensure(ctx)
	return c.Token, c.Valid
}

// Ensure is GetValidToken with the refresh outcome exposed.
func (s *Scheduler) Ensure(ctx context.Context) Check {
	s.mu.Lock()
	tok, skipCache := s.token, s.skipCache
	s.mu.Unlock()

	if !tok.Known() && !skipCache && s.cachePath != "" {
		cached, err := ReadCache(s.cachePath)
		if err != nil {
			s.log.Error("failed to read token cache", "path", s.cachePath, "err", err)
		} else if cached.Known() {
			tok = cached
			s.setToken(tok)
		}
	}

	if !NeedsRefresh(tok, s.clk.Now(), s.margin) {
		return Check{Token: tok, Valid: true}
	}
	fresh, err := s.Refresh(ctx)
	if err == nil {
		return Check{Token: fresh, Valid: fresh.Known(), Attempted: true}
	}
	return Check{Token: tok, Valid: tok.Known(), Attempted: true, Err: err}
}

// Refresh issues a new token unconditionally.
func (s *Scheduler) Refresh(ctx context.Context) (Token, error) {
	if s.issuer == nil {
		return Token{}, ErrNoIssuer
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	tok, err := s.issuer.Issue(ctx, s.identity)
	if err != nil {
		s.log.Error("failed to refresh exporter auth token", "identity", s.identity.String(), "err", err)
		return Token{}, err
	}
	s.mu.Lock()
	s.token = tok
	s.skipCache = false
	s.mu.Unlock()
	s.log.Info("successfully refreshed exporter auth token", "expires_on", tok.ExpiresOn.UTC().Format(time.RFC3339))
	return tok, nil
}

func (s *Scheduler) setToken(t Token) {
	s.mu.Lock()
	s.token = t
	s.mu.Unlock()
}
