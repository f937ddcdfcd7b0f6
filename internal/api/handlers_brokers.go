package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/quantforge/exec-core/internal/broker"
	"github.com/quantforge/exec-core/internal/rmscore"
	"github.com/quantforge/exec-core/internal/vault"
	"github.com/quantforge/exec-core/pkg/types"
)

func (s *Server) handleBrokersSupported(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"kinds": s.deps.Registry.Kinds()})
}

type connectBrokerRequest struct {
	BrokerKind string `json:"brokerKind"`
	ClientCode string `json:"clientCode"`
	APIKey     string `json:"apiKey"`
	APISecret  string `json:"apiSecret"`
	ClientID   string `json:"clientId"`
	TOTPSeed   string `json:"totpSeed,omitempty"`
}

// handleBrokersConnect creates a BrokerLink and stores its credentials in
// the vault, encrypted at rest per spec §4.2. The plaintext never touches
// the BrokerLink row itself.
func (s *Server) handleBrokersConnect(w http.ResponseWriter, r *http.Request) {
	userID, _ := userFromContext(r)
	var req connectBrokerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.BrokerKind == "" {
		writeErr(w, http.StatusBadRequest, rmscore.CodeInvalidRequest, "brokerKind is required")
		return
	}
	link := types.BrokerLink{
		ID: types.NewID(), UserID: userID, BrokerKind: req.BrokerKind, ClientCode: req.ClientCode,
		Status: types.BrokerLinkDisconnected, CreatedAt: time.Now(),
	}
	ciphertext, err := s.deps.Vault.Store(r.Context(), link.ID, vault.Secrets{
		APIKey: req.APIKey, APISecret: req.APISecret, ClientID: req.ClientID, TOTPSeed: req.TOTPSeed,
	})
	if err != nil {
		writeErr(w, http.StatusInternalServerError, rmscore.CodeInternal, "credential encryption failed")
		return
	}
	link.EncryptedCredentials = ciphertext
	if err := s.deps.BrokerLinks.Create(r.Context(), link); err != nil {
		writeErr(w, http.StatusInternalServerError, rmscore.CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, link)
}

func (s *Server) handleBrokerLogin(w http.ResponseWriter, r *http.Request) {
	link, adapter, ok := s.loadLinkAndAdapter(w, r)
	if !ok {
		return
	}
	if err := s.deps.Sessions.Login(r.Context(), adapter, link); err != nil {
		writeErr(w, http.StatusBadGateway, rmscore.CodeBrokerSessionExpired, err.Error())
		return
	}
	now := time.Now()
	link.LastLoginAt = &now
	if err := s.deps.BrokerLinks.UpdateSessionState(r.Context(), link.ID, link.SessionState, types.BrokerLinkConnected); err != nil {
		writeErr(w, http.StatusInternalServerError, rmscore.CodeInternal, err.Error())
		return
	}
	link.Status = types.BrokerLinkConnected
	writeJSON(w, http.StatusOK, link)
}

func (s *Server) handleBrokerLogout(w http.ResponseWriter, r *http.Request) {
	link, adapter, ok := s.loadLinkAndAdapter(w, r)
	if !ok {
		return
	}
	if err := s.deps.Sessions.Logout(r.Context(), adapter, link); err != nil {
		writeErr(w, http.StatusBadGateway, rmscore.CodeBrokerSessionExpired, err.Error())
		return
	}
	if err := s.deps.BrokerLinks.UpdateSessionState(r.Context(), link.ID, "", types.BrokerLinkDisconnected); err != nil {
		writeErr(w, http.StatusInternalServerError, rmscore.CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

func (s *Server) handleBrokerPositions(w http.ResponseWriter, r *http.Request) {
	link, adapter, ok := s.loadLinkAndAdapter(w, r)
	if !ok {
		return
	}
	positions, err := s.deps.Sessions.Positions(r.Context(), adapter, link)
	if err != nil {
		writeErr(w, http.StatusBadGateway, rmscore.CodeBrokerSessionExpired, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": positions})
}

// handleListBrokers returns every BrokerLink the caller owns.
func (s *Server) handleListBrokers(w http.ResponseWriter, r *http.Request) {
	userID, _ := userFromContext(r)
	links, err := s.deps.BrokerLinks.ListByUser(r.Context(), userID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, rmscore.CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"brokers": links})
}

// handleDeleteBroker removes a BrokerLink. The encrypted credentials are
// stored on the broker_links row and are deleted with it.
func (s *Server) handleDeleteBroker(w http.ResponseWriter, r *http.Request) {
	linkID, err := pathID(r, "id")
	if err != nil {
		writeErr(w, http.StatusBadRequest, rmscore.CodeInvalidRequest, "invalid broker link id")
		return
	}
	if err := s.deps.BrokerLinks.Delete(r.Context(), linkID); err != nil {
		writeErr(w, http.StatusInternalServerError, rmscore.CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type convertPositionRequest struct {
	AccountID types.ID `json:"accountId"`
	Symbol    string   `json:"symbol"`
}

// handleBrokerConvert drives Adapter.ConvertPosition for brokers that
// support converting a position's product type without closing it.
func (s *Server) handleBrokerConvert(w http.ResponseWriter, r *http.Request) {
	link, adapter, ok := s.loadLinkAndAdapter(w, r)
	if !ok {
		return
	}
	var req convertPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Symbol == "" || req.AccountID == (types.ID{}) {
		writeErr(w, http.StatusBadRequest, rmscore.CodeInvalidRequest, "accountId and symbol are required")
		return
	}
	if err := s.deps.Sessions.Convert(r.Context(), adapter, link, req.AccountID, req.Symbol); err != nil {
		writeErr(w, http.StatusBadGateway, rmscore.CodeBrokerRejected, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "converted"})
}

func (s *Server) handleBrokerHoldings(w http.ResponseWriter, r *http.Request) {
	link, adapter, ok := s.loadLinkAndAdapter(w, r)
	if !ok {
		return
	}
	holdings, err := s.deps.Sessions.Holdings(r.Context(), adapter, link)
	if err != nil {
		writeErr(w, http.StatusBadGateway, rmscore.CodeBrokerSessionExpired, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"holdings": holdings})
}

// loadLinkAndAdapter resolves the path's broker link id and builds the
// matching adapter, writing an error response and returning ok=false on
// any failure so callers can just `return` on !ok.
func (s *Server) loadLinkAndAdapter(w http.ResponseWriter, r *http.Request) (types.BrokerLink, broker.Adapter, bool) {
	linkID, err := pathID(r, "id")
	if err != nil {
		writeErr(w, http.StatusBadRequest, rmscore.CodeInvalidRequest, "invalid broker link id")
		return types.BrokerLink{}, nil, false
	}
	link, err := s.deps.BrokerLinks.Get(r.Context(), linkID)
	if err != nil {
		writeErr(w, http.StatusNotFound, rmscore.CodeNotFound, "broker link not found")
		return types.BrokerLink{}, nil, false
	}
	adapter, err := s.deps.Registry.New(link.BrokerKind)
	if err != nil {
		writeErr(w, http.StatusBadRequest, rmscore.CodeInvalidRequest, err.Error())
		return types.BrokerLink{}, nil, false
	}
	return link, adapter, true
}
