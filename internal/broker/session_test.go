package broker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quantforge/exec-core/internal/rmscore"
	"github.com/quantforge/exec-core/pkg/types"
)

// flakyAdapter fails Place with SESSION_EXPIRED exactly once, then succeeds,
// grounding scenario S4 from spec.md §8.
type flakyAdapter struct {
	PaperAdapter
	placeCalls int32
}

func (f *flakyAdapter) Place(ctx context.Context, sess Session, intent OrderIntent) (PlaceResult, error) {
	if atomic.AddInt32(&f.placeCalls, 1) == 1 {
		return PlaceResult{}, rmscore.New(rmscore.KindBrokerSession, rmscore.CodeBrokerSessionExpired, "expired")
	}
	return f.PaperAdapter.Place(ctx, sess, intent)
}

func TestSessionManagerReauthsOnceOnExpiry(t *testing.T) {
	a := &flakyAdapter{PaperAdapter: *NewPaperAdapter()}
	creds := func(ctx context.Context, link types.BrokerLink) (Credentials, error) {
		return Credentials{APIKey: "k"}, nil
	}
	m := NewSessionManager(creds, time.Second, time.Second)

	link := types.BrokerLink{ID: types.NewID()}
	_, err := m.Place(context.Background(), a, link, OrderIntent{AccountID: types.NewID(), Symbol: "X", Qty: 1})
	require.NoError(t, err)
	require.Equal(t, int32(2), a.placeCalls)
}

func TestSessionManagerSurfacesSecondFailure(t *testing.T) {
	a := &alwaysExpiredAdapter{PaperAdapter: *NewPaperAdapter()}
	creds := func(ctx context.Context, link types.BrokerLink) (Credentials, error) {
		return Credentials{APIKey: "k"}, nil
	}
	m := NewSessionManager(creds, time.Second, time.Second)

	link := types.BrokerLink{ID: types.NewID()}
	_, err := m.Place(context.Background(), a, link, OrderIntent{AccountID: types.NewID(), Symbol: "X", Qty: 1})
	require.Error(t, err)
}

type alwaysExpiredAdapter struct {
	PaperAdapter
}

func (a *alwaysExpiredAdapter) Place(ctx context.Context, sess Session, intent OrderIntent) (PlaceResult, error) {
	return PlaceResult{}, rmscore.New(rmscore.KindBrokerSession, rmscore.CodeBrokerSessionExpired, "expired")
}
