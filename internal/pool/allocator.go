// Package pool allocates donated upstream credentials to requests:
// the requester's own tokens first, then the public pool, best observed
// success rate first and least recently used as the tiebreak.
package pool

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/kirogate/kirogate/internal/auth"
	apperrors "github.com/kirogate/kirogate/internal/errors"
	"github.com/kirogate/kirogate/internal/store"
)

// Allocator picks a donated token and hands out its auth Manager.
// Managers are cached so every request against the same token shares one
// refresh serialization.
type Allocator struct {
	store            store.Store
	cache            *auth.Cache
	region           string
	thresholdSeconds int
}

// NewAllocator wires the allocator to its store and manager cache.
func NewAllocator(st store.Store, cache *auth.Cache, region string, thresholdSeconds int) *Allocator {
	return &Allocator{
		store:            st,
		cache:            cache,
		region:           region,
		thresholdSeconds: thresholdSeconds,
	}
}

// Lease is one allocated token. The caller reports the outcome so the
// pool's success statistics stay honest.
type Lease struct {
	TokenID int64
	Manager *auth.Manager

	allocator *Allocator
}

// Acquire selects a token for userID. Owner-held tokens win over the
// public pool; within a tier, higher success rate wins and the least
// recently used token breaks ties.
func (a *Allocator) Acquire(ctx context.Context, userID int64) (*Lease, error) {
	owned, err := a.store.ListTokensForOwner(ctx, userID)
	if err != nil {
		return nil, err
	}
	if lease, err := a.leaseFrom(ctx, owned); err != nil || lease != nil {
		return lease, err
	}

	public, err := a.store.ListPublicActiveTokens(ctx)
	if err != nil {
		return nil, err
	}
	if lease, err := a.leaseFrom(ctx, public); err != nil || lease != nil {
		return lease, err
	}

	return nil, apperrors.NoTokenAvailable("no upstream credentials available")
}

func (a *Allocator) leaseFrom(ctx context.Context, candidates []*store.DonatedToken) (*Lease, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		ri, rj := candidates[i].SuccessRate(), candidates[j].SuccessRate()
		if ri != rj {
			return ri > rj
		}
		return candidates[i].LastUsedAt.Before(candidates[j].LastUsedAt)
	})

	for _, token := range candidates {
		manager, err := a.managerFor(ctx, token)
		if err != nil {
			log.WithError(err).WithField("token_id", token.ID).Warn("skipping unusable donated token")
			continue
		}
		return &Lease{TokenID: token.ID, Manager: manager, allocator: a}, nil
	}
	return nil, nil
}

func (a *Allocator) managerFor(ctx context.Context, token *store.DonatedToken) (*auth.Manager, error) {
	raw, err := a.store.GetTokenCredentials(ctx, token.ID)
	if err != nil {
		return nil, err
	}

	var creds auth.Credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return nil, err
	}
	if creds.Region == "" {
		creds.Region = token.Region
	}
	if creds.ProfileArn == "" {
		creds.ProfileArn = token.ProfileArn
	}

	return a.cache.GetOrCreate(auth.CacheKey(creds.RefreshToken), func() (*auth.Manager, error) {
		return auth.NewManager(auth.Options{
			Credentials:      creds,
			ReadOnly:         true,
			Region:           a.region,
			ThresholdSeconds: a.thresholdSeconds,
		})
	})
}

// ReportSuccess records a successful exchange against the leased token.
func (l *Lease) ReportSuccess(ctx context.Context) {
	if err := l.allocator.store.RecordTokenResult(ctx, l.TokenID, true); err != nil {
		log.WithError(err).Warn("failed to record token success")
	}
}

// ReportFailure records the failure and retires the token when its
// refresh was rejected outright: expired grants park it as EXPIRED,
// any other rejection marks it INVALID.
func (l *Lease) ReportFailure(ctx context.Context, cause error) {
	if err := l.allocator.store.RecordTokenResult(ctx, l.TokenID, false); err != nil {
		log.WithError(err).Warn("failed to record token failure")
	}

	if !apperrors.IsCode(cause, apperrors.CodeAuthRejected) {
		return
	}
	appErr := apperrors.AsAppError(cause)

	status := store.StatusInvalid
	if body, ok := appErr.Details["refresh_body"].(string); ok {
		lowered := strings.ToLower(body)
		if strings.Contains(lowered, "expired") || strings.Contains(lowered, "invalid_grant") {
			status = store.StatusExpired
		}
	}

	log.WithFields(log.Fields{"token_id": l.TokenID, "status": status}).
		Warn("retiring donated token after refresh rejection")
	if err := l.allocator.store.UpdateTokenStatus(ctx, l.TokenID, status); err != nil {
		log.WithError(err).Warn("failed to retire donated token")
	}
}
