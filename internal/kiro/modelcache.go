package kiro

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	apperrors "github.com/kirogate/kirogate/internal/errors"
	"github.com/kirogate/kirogate/internal/models"
	"github.com/kirogate/kirogate/internal/util"
)

// ModelCache caches the upstream model catalog for a TTL, so the models
// endpoint does not hit the upstream on every call.
type ModelCache struct {
	mu        sync.Mutex
	ttl       time.Duration
	fetchedAt time.Time
	cached    []models.KiroModelInfo

	region  string
	client  *http.Client
	baseURL string
}

// NewModelCache builds a cache for the given region. ttl <= 0 disables
// caching. baseURL overrides the regional endpoint in tests.
func NewModelCache(region string, ttl time.Duration, baseURL string) *ModelCache {
	return &ModelCache{
		ttl:     ttl,
		region:  region,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// List returns the catalog, fetching from the upstream when the cached
// copy is missing or stale.
func (mc *ModelCache) List(ctx context.Context, tokens TokenSource, profileArn string) ([]models.KiroModelInfo, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if mc.cached != nil && mc.ttl > 0 && time.Since(mc.fetchedAt) < mc.ttl {
		return mc.cached, nil
	}

	token, err := tokens.GetAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	listed, err := mc.fetch(ctx, token, profileArn)
	if err != nil {
		// A stale catalog beats an error for a discovery endpoint.
		if mc.cached != nil {
			log.WithError(err).Warn("model catalog refresh failed, serving stale copy")
			return mc.cached, nil
		}
		return nil, err
	}

	mc.cached = listed
	mc.fetchedAt = time.Now()
	return listed, nil
}

func (mc *ModelCache) fetch(ctx context.Context, token, profileArn string) ([]models.KiroModelInfo, error) {
	base := mc.baseURL
	if base == "" {
		base = fmt.Sprintf("https://q.%s.amazonaws.com", mc.region)
	}
	endpoint := fmt.Sprintf("%s/ListAvailableModels?origin=%s&profileArn=%s",
		base, models.Origin, url.QueryEscape(profileArn))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build model list request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", "KiroGateway-"+util.ShortFingerprint())

	resp, err := mc.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read model list: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.UpstreamTransient(resp.StatusCode,
			ExtractUpstreamError(body, resp.StatusCode), nil)
	}

	var listed []models.KiroModelInfo
	gjson.GetBytes(body, "models").ForEach(func(_, value gjson.Result) bool {
		info := models.KiroModelInfo{
			ModelID:         value.Get("modelId").String(),
			ModelName:       value.Get("modelName").String(),
			MaxInputTokens:  int(value.Get("tokenLimits.maxInputTokens").Int()),
			MaxOutputTokens: int(value.Get("tokenLimits.maxOutputTokens").Int()),
		}
		if info.ModelID != "" {
			listed = append(listed, info)
		}
		return true
	})
	return listed, nil
}
