package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantforge/exec-core/internal/allocation"
	"github.com/quantforge/exec-core/internal/orchestrator"
	"github.com/quantforge/exec-core/internal/rmscore"
	"github.com/quantforge/exec-core/pkg/types"
)

type createGroupRequest struct {
	Name        string          `json:"name"`
	Mode        types.GroupMode `json:"mode"`
	Description string          `json:"description,omitempty"`
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	userID, _ := userFromContext(r)
	var req createGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeErr(w, http.StatusBadRequest, rmscore.CodeInvalidRequest, "name is required")
		return
	}
	g := types.ExecutionGroup{ID: types.NewID(), UserID: userID, Name: req.Name, Mode: req.Mode, Description: req.Description, CreatedAt: time.Now()}
	if err := s.deps.Groups.Create(r.Context(), g); err != nil {
		writeErr(w, http.StatusInternalServerError, rmscore.CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

// handleListGroups returns every ExecutionGroup the caller owns.
func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	userID, _ := userFromContext(r)
	groups, err := s.deps.Groups.ListByUser(r.Context(), userID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, rmscore.CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

type patchGroupRequest struct {
	Name        *string          `json:"name,omitempty"`
	Mode        *types.GroupMode `json:"mode,omitempty"`
	Description *string          `json:"description,omitempty"`
}

func (s *Server) handlePatchGroup(w http.ResponseWriter, r *http.Request) {
	groupID, err := pathID(r, "id")
	if err != nil {
		writeErr(w, http.StatusBadRequest, rmscore.CodeInvalidRequest, "invalid group id")
		return
	}
	g, err := s.deps.Groups.Get(r.Context(), groupID)
	if err != nil {
		writeErr(w, http.StatusNotFound, rmscore.CodeNotFound, "execution group not found")
		return
	}
	var req patchGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, rmscore.CodeInvalidRequest, "invalid patch payload")
		return
	}
	if req.Name != nil {
		g.Name = *req.Name
	}
	if req.Mode != nil {
		g.Mode = *req.Mode
	}
	if req.Description != nil {
		g.Description = *req.Description
	}
	if err := s.deps.Groups.Update(r.Context(), g); err != nil {
		writeErr(w, http.StatusInternalServerError, rmscore.CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	groupID, err := pathID(r, "id")
	if err != nil {
		writeErr(w, http.StatusBadRequest, rmscore.CodeInvalidRequest, "invalid group id")
		return
	}
	if err := s.deps.Groups.Delete(r.Context(), groupID); err != nil {
		writeErr(w, http.StatusInternalServerError, rmscore.CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleDeleteMapping(w http.ResponseWriter, r *http.Request) {
	groupID, err := pathID(r, "id")
	if err != nil {
		writeErr(w, http.StatusBadRequest, rmscore.CodeInvalidRequest, "invalid group id")
		return
	}
	mappingID, err := pathID(r, "mappingId")
	if err != nil {
		writeErr(w, http.StatusBadRequest, rmscore.CodeInvalidRequest, "invalid mapping id")
		return
	}
	if err := s.deps.Groups.DeleteMapping(r.Context(), groupID, mappingID); err != nil {
		writeErr(w, http.StatusInternalServerError, rmscore.CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleListGroupRuns returns the group's most recent ExecutionRuns.
func (s *Server) handleListGroupRuns(w http.ResponseWriter, r *http.Request) {
	groupID, err := pathID(r, "id")
	if err != nil {
		writeErr(w, http.StatusBadRequest, rmscore.CodeInvalidRequest, "invalid group id")
		return
	}
	limit := queryLimit(r, 200)
	runs, err := s.deps.Runs.ListByGroup(r.Context(), groupID, limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, rmscore.CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeErr(w, http.StatusBadRequest, rmscore.CodeInvalidRequest, "invalid group id")
		return
	}
	g, err := s.deps.Groups.Get(r.Context(), id)
	if err != nil {
		writeErr(w, http.StatusNotFound, rmscore.CodeNotFound, "execution group not found")
		return
	}
	writeJSON(w, http.StatusOK, g)
}

type addMappingRequest struct {
	AccountID types.ID            `json:"accountId"`
	Policy    types.MappingPolicy `json:"policy"`
	Weight    decimal.Decimal     `json:"weight,omitempty"`
	FixedLots int                 `json:"fixedLots,omitempty"`
}

func (s *Server) handleAddMapping(w http.ResponseWriter, r *http.Request) {
	groupID, err := pathID(r, "id")
	if err != nil {
		writeErr(w, http.StatusBadRequest, rmscore.CodeInvalidRequest, "invalid group id")
		return
	}
	var req addMappingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, rmscore.CodeInvalidRequest, "invalid mapping payload")
		return
	}
	m := types.GroupAccountMapping{ID: types.NewID(), GroupID: groupID, AccountID: req.AccountID, Policy: req.Policy, Weight: req.Weight, FixedLots: req.FixedLots}
	if err := s.deps.Groups.AddMapping(r.Context(), m); err != nil {
		writeErr(w, http.StatusBadRequest, rmscore.CodeInvalidRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleListMappings(w http.ResponseWriter, r *http.Request) {
	groupID, err := pathID(r, "id")
	if err != nil {
		writeErr(w, http.StatusBadRequest, rmscore.CodeInvalidRequest, "invalid group id")
		return
	}
	mappings, err := s.deps.Groups.ListMappings(r.Context(), groupID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, rmscore.CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mappings": mappings})
}

// handlePreview runs the Allocation Planner against the group's current
// mappings for a hypothetical lot count, without touching the RMS Gate or
// any broker — spec §6's dry-run endpoint.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	groupID, err := pathID(r, "id")
	if err != nil {
		writeErr(w, http.StatusBadRequest, rmscore.CodeInvalidRequest, "invalid group id")
		return
	}
	lots, err := strconv.Atoi(r.URL.Query().Get("lots"))
	if err != nil || lots <= 0 {
		writeErr(w, http.StatusBadRequest, rmscore.CodeInvalidRequest, "lots must be a positive integer")
		return
	}
	mappings, err := s.deps.Groups.ListMappings(r.Context(), groupID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, rmscore.CodeInternal, err.Error())
		return
	}
	alloc, err := allocation.Plan(mappings, lots)
	if err != nil {
		writeErr(w, http.StatusUnprocessableEntity, rmscore.CodeAllocationInvalid, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, alloc)
}

type placeOrderRequest struct {
	Symbol     string                 `json:"symbol"`
	Side       types.OrderSide        `json:"side"`
	Lots       int                    `json:"lots"`
	LotSize    int                    `json:"lotSize"`
	OrderType  types.IntentOrderType  `json:"orderType"`
	Price      *decimal.Decimal       `json:"price,omitempty"`
	TakeProfit *decimal.Decimal       `json:"takeProfit,omitempty"`
	StopLoss   *decimal.Decimal       `json:"stopLoss,omitempty"`
	StrategyID *types.ID              `json:"strategyId,omitempty"`
}

type placeOrderResponse struct {
	ExecutionRunID types.ID                `json:"executionRunId"`
	Status         types.RunStatus         `json:"status"`
	Allocation     types.Allocation        `json:"allocation"`
	Orders         []types.Order           `json:"orders"`
	Latency        *types.LatencyAggregate `json:"latency,omitempty"`
	FailureCode    string                  `json:"failureCode,omitempty"`
}

// handlePlaceOrder is the core dispatch endpoint: it builds a TradeIntent,
// persists a pending ExecutionRun, drives it through the Orchestrator
// synchronously and returns the terminal (or partial) result, matching
// spec §6's {execution_run_id, allocation, orders} wire contract.
func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	userID, _ := userFromContext(r)
	groupID, err := pathID(r, "id")
	if err != nil {
		writeErr(w, http.StatusBadRequest, rmscore.CodeInvalidRequest, "invalid group id")
		return
	}
	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Symbol == "" || req.Lots <= 0 || req.LotSize <= 0 {
		writeErr(w, http.StatusBadRequest, rmscore.CodeInvalidRequest, "symbol, lots and lotSize are required")
		return
	}
	group, err := s.deps.Groups.Get(r.Context(), groupID)
	if err != nil {
		writeErr(w, http.StatusNotFound, rmscore.CodeNotFound, "execution group not found")
		return
	}
	mappings, err := s.deps.Groups.ListMappings(r.Context(), groupID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, rmscore.CodeInternal, err.Error())
		return
	}

	intent := types.TradeIntent{
		Symbol: req.Symbol, Side: req.Side, TotalLots: req.Lots, LotSize: req.LotSize,
		OrderType: req.OrderType, Price: req.Price, TakeProfit: req.TakeProfit, StopLoss: req.StopLoss,
		StrategyID: req.StrategyID,
	}
	run := types.ExecutionRun{
		ID: types.NewID(), UserID: userID, GroupID: &groupID, RequestedAt: time.Now(),
		Status: types.RunPending, Intent: intent,
	}
	if err := s.deps.Runs.Create(r.Context(), run); err != nil {
		writeErr(w, http.StatusInternalServerError, rmscore.CodeInternal, err.Error())
		return
	}

	result := s.deps.Orchestrator.Run(r.Context(), run, orchestrator.RunInput{Mappings: mappings, Mode: group.Mode})
	if err := s.deps.Runs.Save(r.Context(), result); err != nil {
		s.logger.Error("persist execution run result", zap.Error(err))
	}

	orders, err := s.deps.Orders.ListByRun(r.Context(), result.ID)
	if err != nil {
		s.logger.Error("list orders for run", zap.Error(err))
	}

	writeJSON(w, http.StatusOK, placeOrderResponse{
		ExecutionRunID: result.ID, Status: result.Status, Allocation: result.Allocation,
		Orders: orders, Latency: result.Latency, FailureCode: result.FailureCode,
	})
}

// handlePlaceSingleOrder is the ungrouped POST /orders path: a single
// account, single leg order that does not belong to an ExecutionGroup. It
// reuses the same Orchestrator dispatch path via an ephemeral, unpersisted
// fixed-lots mapping that allocates every lot to the one account.
type placeSingleOrderRequest struct {
	AccountID  types.ID              `json:"accountId"`
	Symbol     string                `json:"symbol"`
	Side       types.OrderSide       `json:"side"`
	Lots       int                   `json:"lots"`
	LotSize    int                   `json:"lotSize"`
	OrderType  types.IntentOrderType `json:"orderType"`
	Price      *decimal.Decimal      `json:"price,omitempty"`
	TakeProfit *decimal.Decimal      `json:"takeProfit,omitempty"`
	StopLoss   *decimal.Decimal      `json:"stopLoss,omitempty"`
	StrategyID *types.ID             `json:"strategyId,omitempty"`
}

func (s *Server) handlePlaceSingleOrder(w http.ResponseWriter, r *http.Request) {
	userID, _ := userFromContext(r)
	var req placeSingleOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Symbol == "" || req.Lots <= 0 || req.LotSize <= 0 || req.AccountID == (types.ID{}) {
		writeErr(w, http.StatusBadRequest, rmscore.CodeInvalidRequest, "accountId, symbol, lots and lotSize are required")
		return
	}

	intent := types.TradeIntent{
		Symbol: req.Symbol, Side: req.Side, TotalLots: req.Lots, LotSize: req.LotSize,
		OrderType: req.OrderType, Price: req.Price, TakeProfit: req.TakeProfit, StopLoss: req.StopLoss,
		StrategyID: req.StrategyID,
	}
	run := types.ExecutionRun{
		ID: types.NewID(), UserID: userID, RequestedAt: time.Now(),
		Status: types.RunPending, Intent: intent,
	}
	if err := s.deps.Runs.Create(r.Context(), run); err != nil {
		writeErr(w, http.StatusInternalServerError, rmscore.CodeInternal, err.Error())
		return
	}

	mapping := types.GroupAccountMapping{
		ID: types.NewID(), AccountID: req.AccountID, Policy: types.PolicyFixed, FixedLots: req.Lots,
	}
	result := s.deps.Orchestrator.Run(r.Context(), run, orchestrator.RunInput{
		Mappings: []types.GroupAccountMapping{mapping}, Mode: types.GroupModeParallel,
	})
	if err := s.deps.Runs.Save(r.Context(), result); err != nil {
		s.logger.Error("persist execution run result", zap.Error(err))
	}

	orders, err := s.deps.Orders.ListByRun(r.Context(), result.ID)
	if err != nil {
		s.logger.Error("list orders for run", zap.Error(err))
	}

	writeJSON(w, http.StatusOK, placeOrderResponse{
		ExecutionRunID: result.ID, Status: result.Status, Allocation: result.Allocation,
		Orders: orders, Latency: result.Latency, FailureCode: result.FailureCode,
	})
}

// handleListOrders returns a user's most recent orders across every run,
// for GET /orders.
func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	userID, _ := userFromContext(r)
	limit := queryLimit(r, 200)
	orders, err := s.deps.Orders.ListByUser(r.Context(), userID, limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, rmscore.CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID, err := pathID(r, "runId")
	if err != nil {
		writeErr(w, http.StatusBadRequest, rmscore.CodeInvalidRequest, "invalid run id")
		return
	}
	events, err := s.deps.Events.ListByRun(r.Context(), runID)
	if err != nil {
		writeErr(w, http.StatusNotFound, rmscore.CodeNotFound, "no events for run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func pathID(r *http.Request, key string) (types.ID, error) {
	return types.ParseID(mux.Vars(r)[key])
}
