// Package api is the HTTP surface of the gateway: the OpenAI and
// Anthropic chat endpoints, the model catalog, and the health probes.
package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kirogate/kirogate/internal/auth"
	"github.com/kirogate/kirogate/internal/config"
	"github.com/kirogate/kirogate/internal/kiro"
	"github.com/kirogate/kirogate/internal/logging"
	"github.com/kirogate/kirogate/internal/pool"
	"github.com/kirogate/kirogate/internal/store"
)

// Server wires the HTTP routes to the upstream client and the credential
// plumbing.
type Server struct {
	cfg      *config.Config
	engine   *gin.Engine
	upstream *kiro.Client

	// defaultManager serves single-tenant requests authenticated with the
	// bare proxy key. Nil when no default credentials are configured.
	defaultManager *auth.Manager
	authCache      *auth.Cache

	// st and allocator serve the multi-user surface. Nil when no database
	// is configured.
	st        store.Store
	allocator *pool.Allocator

	modelCache *kiro.ModelCache
	limiter    *keyLimiter
	startedAt  time.Time
}

// NewServer assembles the router. defaultManager and st may be nil; the
// corresponding auth modes then reject with a configuration error.
func NewServer(cfg *config.Config, defaultManager *auth.Manager, st store.Store) *Server {
	authCache := auth.NewCache(cfg.AuthCacheSize)

	s := &Server{
		cfg: cfg,
		upstream: kiro.NewClient(kiro.ClientConfig{
			Region:            cfg.Region,
			MaxRetries:        cfg.MaxRetries,
			BaseRetryDelay:    cfg.BaseRetryDelay(),
			FirstTokenRetries: cfg.FirstTokenMaxRetries,
		}),
		defaultManager: defaultManager,
		authCache:      authCache,
		st:             st,
		modelCache:     kiro.NewModelCache(cfg.Region, cfg.ModelCacheTTL(), ""),
		limiter:        newKeyLimiter(cfg.RateLimitPerMinute),
		startedAt:      time.Now(),
	}
	if st != nil {
		s.allocator = pool.NewAllocator(st, authCache, cfg.Region, cfg.TokenRefreshThreshold)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(logging.GinLogrusLogger(), logging.GinLogrusRecovery())

	engine.GET("/", s.handleRoot)
	engine.GET("/health", s.handleHealth)

	v1 := engine.Group("/v1", s.authenticate, s.rateLimit)
	v1.GET("/models", s.handleModels)
	v1.POST("/chat/completions", s.handleChatCompletions)
	v1.POST("/messages", s.handleMessages)

	s.engine = engine
	return s
}

// Handler exposes the router for an http.Server.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":   "kirogate",
		"status": "ok",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
		"region": s.cfg.Region,
		"endpoints": gin.H{
			"openai":    "/v1/chat/completions",
			"anthropic": "/v1/messages",
			"models":    "/v1/models",
		},
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Addr returns the listen address derived from the configured port.
func (s *Server) Addr() string {
	return fmt.Sprintf(":%d", s.cfg.Port)
}
