// Package webhook is the Scheduler/Webhook Ingress of spec §4.8: an HTTP
// endpoint that lets an external signal source trigger a Strategy. Grounded
// on the teacher's internal/api.Server route-registration idiom
// (gorilla/mux, one handler method per route) and on
// internal/store/redisstore for the idempotency window that makes retried
// deliveries safe.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/quantforge/exec-core/internal/rmscore"
	"github.com/quantforge/exec-core/internal/store/redisstore"
	"github.com/quantforge/exec-core/pkg/types"
)

// ConnectorLookup resolves the webhook path segment to its connector
// definition; satisfied by postgres.WebhookConnectorStore.GetByToken. The
// path segment IS the authentication material (spec §3/§6: "token is the
// authentication material") — there is no separate header to compare.
// Authentication is the database equality lookup on the token; no
// constant-time comparison is made in process, and the lookup's timing is
// not constant.
type ConnectorLookup interface {
	GetByToken(ctx context.Context, token string) (types.WebhookConnector, error)
}

// Launcher starts a StrategyRun for a webhook delivery and returns its id;
// satisfied by strategyrunner.Runner in combination with a payload-to-intent
// transform the caller supplies.
type Launcher func(ctx context.Context, connector types.WebhookConnector, payload map[string]any) (types.ID, error)

// Handler serves POST /webhooks/{connector_token} deliveries.
type Handler struct {
	log        *zap.Logger
	connectors ConnectorLookup
	idemp      *redisstore.IdempotencyStore
	window     time.Duration
	launch     Launcher
}

// New builds a Handler. window is the idempotency dedupe window (spec
// scenario: two identical POSTs 10s apart with a 60s window produce
// exactly one StrategyRun).
func New(log *zap.Logger, connectors ConnectorLookup, idemp *redisstore.IdempotencyStore, window time.Duration, launch Launcher) *Handler {
	return &Handler{log: log.Named("webhook"), connectors: connectors, idemp: idemp, window: window, launch: launch}
}

// Register mounts the webhook route on router.
func (h *Handler) Register(router *mux.Router) {
	router.HandleFunc("/webhooks/{connector_token}", h.handleDeliver).Methods(http.MethodPost)
}

type deliverResponse struct {
	StrategyRunID string `json:"strategyRunId"`
	Duplicate     bool   `json:"duplicate"`
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details,omitempty"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err *rmscore.Error) {
	var env errorEnvelope
	env.Error.Code = string(err.Code)
	env.Error.Message = err.Message
	env.Error.Details = err.Details
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func (h *Handler) handleDeliver(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token := mux.Vars(r)["connector_token"]

	connector, err := h.connectors.GetByToken(ctx, token)
	if err != nil {
		writeError(w, http.StatusNotFound, rmscore.New(rmscore.KindValidation, rmscore.CodeNotFound, "unknown webhook connector"))
		return
	}
	if !connector.Enabled {
		writeError(w, http.StatusForbidden, rmscore.New(rmscore.KindAuth, rmscore.CodeUnauthorized, "connector disabled"))
		return
	}

	body, err := readAndHashBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, rmscore.New(rmscore.KindValidation, rmscore.CodeAllocationInvalid, "unreadable request body"))
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(body.raw, &payload); err != nil {
		writeError(w, http.StatusBadRequest, rmscore.New(rmscore.KindValidation, rmscore.CodeAllocationInvalid, "invalid JSON payload"))
		return
	}

	provisional := types.NewID()
	claimedID, won, err := h.idemp.Claim(ctx, connector.ID.String()+":"+body.digest, h.window, provisional)
	if err != nil {
		h.log.Error("idempotency claim failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, rmscore.New(rmscore.KindInternal, rmscore.CodeNotFound, "idempotency check failed"))
		return
	}
	if !won {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(deliverResponse{StrategyRunID: claimedID.String(), Duplicate: true})
		return
	}

	runID, err := h.launch(ctx, connector, payload)
	if err != nil {
		h.log.Error("launch strategy run", zap.Error(err))
		writeError(w, http.StatusInternalServerError, rmscore.New(rmscore.KindInternal, rmscore.CodeNotFound, "failed to launch strategy run"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(deliverResponse{StrategyRunID: runID.String()})
}

type hashedBody struct {
	raw    []byte
	digest string
}

// readAndHashBody reads the request body once and derives a stable
// dedupe digest from it, so retried deliveries with identical bytes land
// on the same idempotency key regardless of header ordering.
func readAndHashBody(r *http.Request) (hashedBody, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r.Body); err != nil {
		return hashedBody{}, err
	}
	return hashedBody{raw: buf.Bytes(), digest: sha256Hex(buf.Bytes())}, nil
}
