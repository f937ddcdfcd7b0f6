package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantforge/exec-core/internal/store/redisstore"
	"github.com/quantforge/exec-core/pkg/types"
)

type fakeConnectors struct {
	byToken map[string]types.WebhookConnector
}

func (f *fakeConnectors) GetByToken(ctx context.Context, token string) (types.WebhookConnector, error) {
	c, ok := f.byToken[token]
	if !ok {
		return types.WebhookConnector{}, errNotFound
	}
	return c, nil
}

var errNotFound = &notFoundErr{}

type notFoundErr struct{}

func (*notFoundErr) Error() string { return "connector not found" }

func newTestHandler(t *testing.T, connector types.WebhookConnector, launch Launcher) *mux.Router {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redisstore.New(context.Background(), redisstore.ClientConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	idemp := redisstore.NewIdempotencyStore(client)

	lookup := &fakeConnectors{byToken: map[string]types.WebhookConnector{connector.Token: connector}}
	h := New(zap.NewNop(), lookup, idemp, time.Minute, launch)
	router := mux.NewRouter()
	h.Register(router)
	return router
}

func testConnector() types.WebhookConnector {
	return types.WebhookConnector{
		ID:         types.NewID(),
		UserID:     types.NewID(),
		Token:      "tv-secret-token",
		StrategyID: types.NewID(),
		Enabled:    true,
	}
}

func postWebhook(router *mux.Router, token string, body map[string]any) *httptest.ResponseRecorder {
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/"+token, bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

// TestHandleDeliver_UnknownToken matches spec §4.8's token-is-the-path-
// segment wire contract: a token with no matching connector is a 404, not
// a 401, since there is no separate header to fail auth on.
func TestHandleDeliver_UnknownToken(t *testing.T) {
	connector := testConnector()
	router := newTestHandler(t, connector, func(ctx context.Context, c types.WebhookConnector, payload map[string]any) (types.ID, error) {
		t.Fatal("launch should not be called")
		return types.ID{}, nil
	})

	rec := postWebhook(router, "does-not-exist", map[string]any{"symbol": "NIFTY"})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleDeliver_DisabledConnector(t *testing.T) {
	connector := testConnector()
	connector.Enabled = false
	router := newTestHandler(t, connector, func(ctx context.Context, c types.WebhookConnector, payload map[string]any) (types.ID, error) {
		t.Fatal("launch should not be called")
		return types.ID{}, nil
	})

	rec := postWebhook(router, connector.Token, map[string]any{"symbol": "NIFTY"})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

// TestHandleDeliver_LaunchesOnce matches the spec scenario: two identical
// POSTs within the idempotency window produce exactly one StrategyRun,
// and the duplicate delivery gets the first run's id back.
func TestHandleDeliver_LaunchesOnce(t *testing.T) {
	connector := testConnector()
	var launches int
	runID := types.NewID()
	router := newTestHandler(t, connector, func(ctx context.Context, c types.WebhookConnector, payload map[string]any) (types.ID, error) {
		launches++
		return runID, nil
	})

	payload := map[string]any{"symbol": "NIFTY", "side": "BUY", "lots": 1, "lotSize": 50}

	rec1 := postWebhook(router, connector.Token, payload)
	require.Equal(t, http.StatusAccepted, rec1.Code)

	rec2 := postWebhook(router, connector.Token, payload)
	require.Equal(t, http.StatusConflict, rec2.Code)

	var resp deliverResponse
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &resp))
	require.True(t, resp.Duplicate)
	require.Equal(t, runID.String(), resp.StrategyRunID)

	require.Equal(t, 1, launches)
}

func TestHandleDeliver_InvalidJSON(t *testing.T) {
	connector := testConnector()
	router := newTestHandler(t, connector, func(ctx context.Context, c types.WebhookConnector, payload map[string]any) (types.ID, error) {
		t.Fatal("launch should not be called")
		return types.ID{}, nil
	})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/"+connector.Token, bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
