package pool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirogate/kirogate/internal/auth"
	apperrors "github.com/kirogate/kirogate/internal/errors"
	"github.com/kirogate/kirogate/internal/store"
)

func newAllocator(t *testing.T) (*Allocator, *store.SQLiteStore) {
	t.Helper()
	st, err := store.OpenSQLite(":memory:", "test-secret")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewAllocator(st, auth.NewCache(10), "us-east-1", 300), st
}

func donate(t *testing.T, st *store.SQLiteStore, owner int64, visibility, refreshToken string) int64 {
	t.Helper()
	id, err := st.AddDonatedToken(context.Background(), &store.DonatedToken{
		OwnerUserID: owner,
		Region:      "us-east-1",
		Visibility:  visibility,
	}, []byte(`{"refreshToken":"`+refreshToken+`"}`))
	require.NoError(t, err)
	return id
}

func TestAcquire_OwnerFirst(t *testing.T) {
	a, st := newAllocator(t)
	ctx := context.Background()

	alice, _, err := st.CreateUser(ctx, "alice")
	require.NoError(t, err)
	bob, _, err := st.CreateUser(ctx, "bob")
	require.NoError(t, err)

	ownID := donate(t, st, alice.ID, store.VisibilityPrivate, "rt-alice")
	donate(t, st, bob.ID, store.VisibilityPublic, "rt-bob")

	lease, err := a.Acquire(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, ownID, lease.TokenID)
}

func TestAcquire_PublicFallback(t *testing.T) {
	a, st := newAllocator(t)
	ctx := context.Background()

	alice, _, err := st.CreateUser(ctx, "alice")
	require.NoError(t, err)
	bob, _, err := st.CreateUser(ctx, "bob")
	require.NoError(t, err)

	pubID := donate(t, st, bob.ID, store.VisibilityPublic, "rt-bob")
	// Private tokens of other users never leak into the pool.
	donate(t, st, bob.ID, store.VisibilityPrivate, "rt-bob-private")

	lease, err := a.Acquire(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, pubID, lease.TokenID)
}

func TestAcquire_PrefersSuccessRate(t *testing.T) {
	a, st := newAllocator(t)
	ctx := context.Background()

	bob, _, err := st.CreateUser(ctx, "bob")
	require.NoError(t, err)

	flaky := donate(t, st, bob.ID, store.VisibilityPublic, "rt-flaky")
	solid := donate(t, st, bob.ID, store.VisibilityPublic, "rt-solid")

	require.NoError(t, st.RecordTokenResult(ctx, flaky, false))
	require.NoError(t, st.RecordTokenResult(ctx, solid, true))

	alice, _, err := st.CreateUser(ctx, "alice")
	require.NoError(t, err)

	lease, err := a.Acquire(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, solid, lease.TokenID)
}

func TestAcquire_NoTokens(t *testing.T) {
	a, st := newAllocator(t)
	ctx := context.Background()

	alice, _, err := st.CreateUser(ctx, "alice")
	require.NoError(t, err)

	_, err = a.Acquire(ctx, alice.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNoTokenAvailable))
}

func TestAcquire_SharesManagerAcrossLeases(t *testing.T) {
	a, st := newAllocator(t)
	ctx := context.Background()

	bob, _, err := st.CreateUser(ctx, "bob")
	require.NoError(t, err)
	donate(t, st, bob.ID, store.VisibilityPublic, "rt-shared")

	first, err := a.Acquire(ctx, bob.ID)
	require.NoError(t, err)
	second, err := a.Acquire(ctx, bob.ID)
	require.NoError(t, err)
	assert.Same(t, first.Manager, second.Manager)
}

func TestReportFailure_RetiresRejectedToken(t *testing.T) {
	a, st := newAllocator(t)
	ctx := context.Background()

	bob, _, err := st.CreateUser(ctx, "bob")
	require.NoError(t, err)
	donate(t, st, bob.ID, store.VisibilityPublic, "rt-bad")

	lease, err := a.Acquire(ctx, bob.ID)
	require.NoError(t, err)

	lease.ReportFailure(ctx, apperrors.AuthRejected(400, `{"error":"invalid_client"}`))

	pool, err := st.ListPublicActiveTokens(ctx)
	require.NoError(t, err)
	assert.Empty(t, pool)

	_, err = a.Acquire(ctx, bob.ID)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNoTokenAvailable))
}

func TestReportFailure_ExpiredGrantParksToken(t *testing.T) {
	a, st := newAllocator(t)
	ctx := context.Background()

	bob, _, err := st.CreateUser(ctx, "bob")
	require.NoError(t, err)
	id := donate(t, st, bob.ID, store.VisibilityPublic, "rt-old")

	lease, err := a.Acquire(ctx, bob.ID)
	require.NoError(t, err)
	require.Equal(t, id, lease.TokenID)

	lease.ReportFailure(ctx, apperrors.AuthRejected(400, `{"error":"invalid_grant"}`))

	pool, err := st.ListPublicActiveTokens(ctx)
	require.NoError(t, err)
	assert.Empty(t, pool)
}

func TestReportFailure_TransientKeepsTokenActive(t *testing.T) {
	a, st := newAllocator(t)
	ctx := context.Background()

	bob, _, err := st.CreateUser(ctx, "bob")
	require.NoError(t, err)
	donate(t, st, bob.ID, store.VisibilityPublic, "rt-ok")

	lease, err := a.Acquire(ctx, bob.ID)
	require.NoError(t, err)

	lease.ReportFailure(ctx, apperrors.UpstreamTransient(502, "upstream hiccup", nil))
	lease.ReportSuccess(ctx)

	pool, err := st.ListPublicActiveTokens(ctx)
	require.NoError(t, err)
	require.Len(t, pool, 1)
	assert.Equal(t, int64(1), pool[0].SuccessCount)
	assert.Equal(t, int64(1), pool[0].FailureCount)
	assert.False(t, pool[0].LastUsedAt.IsZero())
}
