// Package auth manages upstream access tokens: loading credential files,
// refreshing tokens through the social or IDC endpoints, rotating refresh
// tokens, and persisting the result before it is used.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	apperrors "github.com/kirogate/kirogate/internal/errors"
	"github.com/kirogate/kirogate/internal/util"
)

// Auth method names as stored in credential files.
const (
	MethodSocial = "social"
	MethodIDC    = "idc"
)

const (
	refreshTimeout      = 30 * time.Second
	refreshAttempts     = 3
	refreshBaseDelay    = time.Second
	defaultExpiresIn    = 3600
	expirySkew          = 60 * time.Second
	defaultThresholdSec = 300
)

// Credentials is the decoded credential material for one upstream
// identity.
type Credentials struct {
	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    string `json:"expiresAt,omitempty"`
	AuthMethod   string `json:"authMethod,omitempty"`
	Region       string `json:"region,omitempty"`
	ClientID     string `json:"clientId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
	ProfileArn   string `json:"profileArn,omitempty"`
}

// Options configures a Manager.
type Options struct {
	Credentials Credentials

	// CredsFile, when set, is rewritten on every rotation. ReadOnly
	// suppresses persistence for credentials sourced from a URL.
	CredsFile string
	ReadOnly  bool

	// Region defaults the endpoints when the credentials carry none.
	Region string

	// ThresholdSeconds is how long before expiry a token is considered
	// stale. Zero means the default of five minutes.
	ThresholdSeconds int

	HTTPClient *http.Client

	// Endpoint overrides for tests.
	RefreshURL string
	OIDCURL    string
}

// Manager owns one credential set. All methods are safe for concurrent
// use; at most one refresh runs at a time and waiters reuse its result.
type Manager struct {
	mu sync.Mutex

	creds     Credentials
	credsFile string
	readOnly  bool
	rawFile   []byte

	region    string
	threshold time.Duration
	client    *http.Client

	refreshURL string
	oidcURL    string

	accessToken string
	expiresAt   time.Time
}

// NewManager builds a Manager from options. The refresh token is
// required; everything else has workable defaults.
func NewManager(opts Options) (*Manager, error) {
	if opts.Credentials.RefreshToken == "" {
		return nil, apperrors.CredentialMissing("refresh token is required")
	}

	region := opts.Credentials.Region
	if region == "" {
		region = opts.Region
	}
	if region == "" {
		region = "us-east-1"
	}

	threshold := time.Duration(opts.ThresholdSeconds) * time.Second
	if threshold <= 0 {
		threshold = defaultThresholdSec * time.Second
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: refreshTimeout}
	}

	m := &Manager{
		creds:      opts.Credentials,
		credsFile:  opts.CredsFile,
		readOnly:   opts.ReadOnly,
		region:     region,
		threshold:  threshold,
		client:     client,
		refreshURL: opts.RefreshURL,
		oidcURL:    opts.OIDCURL,
	}

	if m.creds.AccessToken != "" {
		m.accessToken = m.creds.AccessToken
		if t, err := time.Parse(time.RFC3339, m.creds.ExpiresAt); err == nil {
			m.expiresAt = t
		}
	}
	return m, nil
}

// ParseCredentials decodes a credential document.
func ParseCredentials(raw []byte) (Credentials, error) {
	var creds Credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return Credentials{}, fmt.Errorf("decode credentials: %w", err)
	}
	if creds.RefreshToken == "" {
		return Credentials{}, apperrors.CredentialMissing("credentials have no refreshToken")
	}
	return creds, nil
}

// LoadCredentialsFile reads and decodes a credential file, keeping the
// raw bytes so unknown fields survive a rewrite.
func LoadCredentialsFile(path string) (Credentials, []byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, nil, fmt.Errorf("read credentials: %w", err)
	}
	creds, err := ParseCredentials(raw)
	if err != nil {
		return Credentials{}, nil, fmt.Errorf("%s: %w", path, err)
	}
	return creds, raw, nil
}

// NewManagerFromFile builds a Manager backed by a credential file.
func NewManagerFromFile(path string, opts Options) (*Manager, error) {
	creds, raw, err := LoadCredentialsFile(path)
	if err != nil {
		return nil, err
	}
	opts.Credentials = creds
	opts.CredsFile = path
	m, err := NewManager(opts)
	if err != nil {
		return nil, err
	}
	m.rawFile = raw
	return m, nil
}

// ProfileArn returns the profile ARN carried by the credentials, if any.
func (m *Manager) ProfileArn() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds.ProfileArn
}

// Region returns the resolved upstream region.
func (m *Manager) Region() string {
	return m.region
}

// GetAccessToken returns a token valid for at least the freshness
// threshold, refreshing first when the cached one is stale.
func (m *Manager) GetAccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.accessToken != "" && time.Until(m.expiresAt) > m.threshold {
		return m.accessToken, nil
	}
	if err := m.refreshLocked(ctx); err != nil {
		return "", err
	}
	return m.accessToken, nil
}

// ForceRefresh discards the cached token and refreshes, regardless of
// freshness. Used after the upstream rejects a token with 403.
func (m *Manager) ForceRefresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.refreshLocked(ctx); err != nil {
		return "", err
	}
	return m.accessToken, nil
}

func (m *Manager) refreshLocked(ctx context.Context) error {
	// The refresh call deliberately ignores downstream cancellation: a
	// rotated refresh token must be persisted even when the client that
	// triggered the refresh goes away.
	refreshCtx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt < refreshAttempts; attempt++ {
		if attempt > 0 {
			delay := refreshBaseDelay * time.Duration(1<<(attempt-1))
			log.WithFields(log.Fields{
				"attempt": attempt + 1,
				"delay":   delay,
			}).Warn("retrying token refresh")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := m.refreshOnce(refreshCtx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryableRefreshError(err) {
			return err
		}
	}
	return lastErr
}

func isRetryableRefreshError(err error) bool {
	// Terminal rejections are final; transient statuses and network
	// failures (connect, timeout) are retryable.
	return !apperrors.IsCode(err, apperrors.CodeAuthRejected) &&
		!apperrors.IsCode(err, apperrors.CodeProtocolViolation)
}

func (m *Manager) refreshOnce(ctx context.Context) error {
	endpoint, body, err := m.refreshRequest()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "KiroGateway-"+util.ShortFingerprint())

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("refresh request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read refresh response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return apperrors.UpstreamTransient(resp.StatusCode,
			fmt.Sprintf("token refresh returned %d", resp.StatusCode), nil)
	default:
		// Rejection bodies can echo the refresh token; scrub before the
		// body lands in error details and logs.
		return apperrors.AuthRejected(resp.StatusCode, string(util.RedactSensitiveJSON(respBody)))
	}

	accessToken := gjson.GetBytes(respBody, "accessToken").String()
	if accessToken == "" {
		return apperrors.ProtocolViolation("refresh response has no accessToken", nil)
	}

	expiresIn := gjson.GetBytes(respBody, "expiresIn").Int()
	if expiresIn <= 0 {
		expiresIn = defaultExpiresIn
	}
	expiresAt := time.Now().Add(time.Duration(expiresIn)*time.Second - expirySkew)

	newRefresh := m.creds.RefreshToken
	if rotated := gjson.GetBytes(respBody, "refreshToken").String(); rotated != "" {
		newRefresh = rotated
	}
	newProfileArn := m.creds.ProfileArn
	if arn := gjson.GetBytes(respBody, "profileArn").String(); arn != "" {
		newProfileArn = arn
	}

	// Persist before updating memory so a rotated refresh token is not
	// lost. A persistence failure is logged but not fatal: memory still
	// advances, otherwise every caller would re-run the refresh for a
	// local disk problem.
	if err := m.persist(accessToken, newRefresh, newProfileArn, expiresAt); err != nil {
		log.WithError(err).Error("failed to persist rotated credentials")
	}

	m.accessToken = accessToken
	m.expiresAt = expiresAt
	m.creds.AccessToken = accessToken
	m.creds.RefreshToken = newRefresh
	m.creds.ProfileArn = newProfileArn
	m.creds.ExpiresAt = expiresAt.UTC().Format(time.RFC3339)

	log.WithFields(log.Fields{
		"expires_at": m.creds.ExpiresAt,
		"method":     m.method(),
	}).Info("refreshed upstream token")
	return nil
}

func (m *Manager) method() string {
	if m.creds.AuthMethod != "" {
		return m.creds.AuthMethod
	}
	if m.creds.ClientID != "" && m.creds.ClientSecret != "" {
		return MethodIDC
	}
	return MethodSocial
}

// refreshRequest builds the endpoint and body for the active dialect.
func (m *Manager) refreshRequest() (string, []byte, error) {
	switch m.method() {
	case MethodIDC:
		endpoint := m.oidcURL
		if endpoint == "" {
			endpoint = fmt.Sprintf("https://oidc.%s.amazonaws.com/token", m.region)
		}
		body, err := json.Marshal(map[string]string{
			"clientId":     m.creds.ClientID,
			"clientSecret": m.creds.ClientSecret,
			"grantType":    "refresh_token",
			"refreshToken": m.creds.RefreshToken,
		})
		return endpoint, body, err
	default:
		endpoint := m.refreshURL
		if endpoint == "" {
			endpoint = fmt.Sprintf("https://prod.%s.auth.desktop.kiro.dev/refreshToken", m.region)
		}
		body, err := json.Marshal(map[string]string{
			"refreshToken": m.creds.RefreshToken,
		})
		return endpoint, body, err
	}
}

// persist rewrites the credential file with the rotated material,
// preserving fields this process does not understand. Atomic via a
// temp file in the same directory.
func (m *Manager) persist(accessToken, refreshToken, profileArn string, expiresAt time.Time) error {
	if m.credsFile == "" || m.readOnly {
		return nil
	}

	raw := m.rawFile
	if len(raw) == 0 {
		raw = []byte("{}")
	}

	var err error
	for _, kv := range []struct {
		key   string
		value string
	}{
		{"accessToken", accessToken},
		{"refreshToken", refreshToken},
		{"expiresAt", expiresAt.UTC().Format(time.RFC3339)},
	} {
		raw, err = sjson.SetBytes(raw, kv.key, kv.value)
		if err != nil {
			return fmt.Errorf("update credentials: %w", err)
		}
	}
	if profileArn != "" {
		raw, err = sjson.SetBytes(raw, "profileArn", profileArn)
		if err != nil {
			return fmt.Errorf("update credentials: %w", err)
		}
	}

	dir := filepath.Dir(m.credsFile)
	tmp, err := os.CreateTemp(dir, ".credentials-*.json")
	if err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := os.Rename(tmpName, m.credsFile); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write credentials: %w", err)
	}

	m.rawFile = raw
	return nil
}

// NewManagerFromRefreshToken builds a Manager for a bare refresh token
// with no backing file, as used by the proxy-key:refresh-token auth
// form.
func NewManagerFromRefreshToken(refreshToken, region string, opts Options) (*Manager, error) {
	opts.Credentials = Credentials{
		RefreshToken: strings.TrimSpace(refreshToken),
		Region:       region,
	}
	opts.ReadOnly = true
	return NewManager(opts)
}
