package api

import (
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/kirogate/kirogate/internal/auth"
	apperrors "github.com/kirogate/kirogate/internal/errors"
	"github.com/kirogate/kirogate/internal/pool"
	"github.com/kirogate/kirogate/internal/store"
)

const tenantContextKey = "kirogate.tenant"

// tenant is the resolved identity of one request: either the default
// single-tenant manager, an inline refresh-token manager, or a leased
// token from the donated pool.
type tenant struct {
	manager *auth.Manager
	lease   *pool.Lease
	user    *store.User
	apiKey  string
}

func (t *tenant) profileArn() string {
	if t.manager != nil {
		return t.manager.ProfileArn()
	}
	return ""
}

// reportOutcome feeds pool statistics for leased tokens.
func (t *tenant) reportOutcome(c *gin.Context, success bool, cause error) {
	if t.lease == nil {
		return
	}
	if success {
		t.lease.ReportSuccess(c.Request.Context())
	} else {
		t.lease.ReportFailure(c.Request.Context(), cause)
	}
}

func requestTenant(c *gin.Context) *tenant {
	if v, ok := c.Get(tenantContextKey); ok {
		if t, ok := v.(*tenant); ok {
			return t
		}
	}
	return nil
}

// bearerToken pulls the API key from the Authorization header or the
// Anthropic-style x-api-key header.
func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if key := c.GetHeader("x-api-key"); key != "" {
		return strings.TrimSpace(key)
	}
	return ""
}

// authenticate resolves the caller's key into a tenant. Three forms are
// accepted: the bare proxy key (default credentials), the proxy key with
// an inline refresh token ("<key>:<refresh-token>"), and a per-user
// sk- key backed by the donated token pool.
func (s *Server) authenticate(c *gin.Context) {
	key := bearerToken(c)
	if key == "" {
		s.abortError(c, apperrors.Unauthorized("missing API key"))
		return
	}

	switch {
	case key == s.cfg.ProxyAPIKey:
		if s.defaultManager == nil {
			s.abortError(c, apperrors.CredentialMissing("no default upstream credentials configured"))
			return
		}
		c.Set(tenantContextKey, &tenant{manager: s.defaultManager, apiKey: key})

	case strings.HasPrefix(key, s.cfg.ProxyAPIKey+":"):
		refreshToken := strings.TrimPrefix(key, s.cfg.ProxyAPIKey+":")
		if refreshToken == "" {
			s.abortError(c, apperrors.Unauthorized("empty inline refresh token"))
			return
		}
		manager, err := s.authCache.GetOrCreate(auth.CacheKey(refreshToken), func() (*auth.Manager, error) {
			return auth.NewManagerFromRefreshToken(refreshToken, s.cfg.Region, auth.Options{
				ThresholdSeconds: s.cfg.TokenRefreshThreshold,
			})
		})
		if err != nil {
			s.abortError(c, err)
			return
		}
		c.Set(tenantContextKey, &tenant{manager: manager, apiKey: key})

	case strings.HasPrefix(key, "sk-"):
		if s.st == nil || s.allocator == nil {
			s.abortError(c, apperrors.Unauthorized("user keys are not enabled"))
			return
		}
		user, err := s.st.GetUserByAPIKey(c.Request.Context(), key)
		if err != nil {
			log.WithError(err).Debug("api key lookup failed")
			s.abortError(c, apperrors.Unauthorized("invalid API key"))
			return
		}
		if user.Banned {
			s.abortError(c, apperrors.Forbidden("account is banned"))
			return
		}
		lease, err := s.allocator.Acquire(c.Request.Context(), user.ID)
		if err != nil {
			s.abortError(c, err)
			return
		}
		c.Set(tenantContextKey, &tenant{
			manager: lease.Manager,
			lease:   lease,
			user:    user,
			apiKey:  key,
		})

	default:
		s.abortError(c, apperrors.Unauthorized("invalid API key"))
		return
	}

	c.Next()
}

// keyLimiter holds one token bucket per API key.
type keyLimiter struct {
	mu        sync.Mutex
	perMinute int
	limiters  map[string]*rate.Limiter
}

func newKeyLimiter(perMinute int) *keyLimiter {
	return &keyLimiter{
		perMinute: perMinute,
		limiters:  make(map[string]*rate.Limiter),
	}
}

func (k *keyLimiter) allow(key string) bool {
	if k.perMinute <= 0 {
		return true
	}
	k.mu.Lock()
	limiter, ok := k.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(float64(k.perMinute)/60.0), k.perMinute)
		k.limiters[key] = limiter
	}
	k.mu.Unlock()
	return limiter.Allow()
}

func (s *Server) rateLimit(c *gin.Context) {
	t := requestTenant(c)
	if t == nil || s.limiter.allow(t.apiKey) {
		c.Next()
		return
	}
	s.abortError(c, apperrors.New(429, "RATE_LIMITED", "rate limit exceeded", nil))
}
