package privet

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"

	"deviceagent/internal/agenterr"
	"deviceagent/internal/catalog"
	"deviceagent/internal/config"
	"deviceagent/internal/gcd"
)

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return agenterr.New(agenterr.DomainPrivet, agenterr.CodeInvalidRequest, "missing request body")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return agenterr.Wrap(agenterr.DomainPrivet, agenterr.CodeInvalidRequest, "decode request body", err)
	}
	return nil
}

type infoResponse struct {
	Version      string                     `json:"version"`
	Name         string                     `json:"name"`
	Description  string                     `json:"description,omitempty"`
	OEMName      string                     `json:"oemName,omitempty"`
	ModelID      string                     `json:"modelId,omitempty"`
	State        gcd.State                  `json:"state"`
	AuthModes    []string                   `json:"authentication"`
	PairingModes []config.PairingMode       `json:"pairing"`
	CommandDefs  map[string]*catalogCommand `json:"commandDefs,omitempty"`
}

// handleInfo serves device identity, lifecycle state and the merged
// command catalog with no authentication required.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.Load()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	authModes := []string{"anonymous"}
	if settings.LocalAnonymousRole == config.RoleNone {
		authModes = nil
	}

	writeJSON(w, http.StatusOK, infoResponse{
		Version:      "3.0",
		Name:         settings.Name,
		Description:  settings.Description,
		OEMName:      settings.OEMName,
		ModelID:      settings.ModelID,
		State:        s.controller.State(),
		AuthModes:    authModes,
		PairingModes: settings.PairingModes,
		CommandDefs:  convertCommandDefs(s.catalog.GetDefinitions()),
	})
}

type authRequest struct {
	SessionID string `json:"sessionId"`
	Nonce     string `json:"nonce"`
	MAC       string `json:"mac"`
}

type authResponse struct {
	AccessToken string `json:"accessToken"`
	TokenType   string `json:"tokenType"`
	Scope       string `json:"scope"`
}

// handleAuth exchanges a confirmed pairing session for a bearer token, or
// an anonymous token when anonymous access is enabled and no session is
// supplied.
func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if req.SessionID == "" {
		settings, err := s.store.Load()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if settings.LocalAnonymousRole == config.RoleNone {
			writeCodedError(w, http.StatusUnauthorized, agenterr.CodeAuthorizationMissing, "anonymous access is disabled; pairing is required")
			return
		}
		token := s.security.MintAnonymousToken(settings.LocalAnonymousRole)
		writeJSON(w, http.StatusOK, authResponse{AccessToken: token, TokenType: "Privet", Scope: settings.LocalAnonymousRole.String()})
		return
	}

	nonce, err := base64.StdEncoding.DecodeString(req.Nonce)
	if err != nil {
		writeCodedError(w, http.StatusBadRequest, agenterr.CodeInvalidRequest, "nonce is not valid base64")
		return
	}
	mac, err := base64.StdEncoding.DecodeString(req.MAC)
	if err != nil {
		writeCodedError(w, http.StatusBadRequest, agenterr.CodeInvalidRequest, "mac is not valid base64")
		return
	}

	token, err := s.security.Authenticate(req.SessionID, nonce, mac)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, authResponse{AccessToken: token, TokenType: "Privet", Scope: config.RoleOwner.String()})
}

type pairingStartRequest struct {
	PairingMode config.PairingMode `json:"pairing"`
}

type pairingStartResponse struct {
	SessionID        string `json:"sessionId"`
	DeviceCommitment string `json:"deviceCommitment"`
}

func (s *Server) handlePairingStart(w http.ResponseWriter, r *http.Request) {
	var req pairingStartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	settings, err := s.store.Load()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !settings.LocalPairingEnabled {
		writeCodedError(w, http.StatusForbidden, "accessDenied", "local pairing is disabled")
		return
	}
	if !settings.HasPairingMode(req.PairingMode) {
		writeCodedError(w, http.StatusBadRequest, agenterr.CodeInvalidRequest, "unsupported pairing mode")
		return
	}

	sessionID, commitment, err := s.security.PairingStart(req.PairingMode, settings.EmbeddedCode)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, pairingStartResponse{
		SessionID:        sessionID,
		DeviceCommitment: base64.StdEncoding.EncodeToString(commitment),
	})
}

type pairingConfirmRequest struct {
	SessionID        string `json:"sessionId"`
	ClientCommitment string `json:"clientCommitment"`
	CertFingerprint  string `json:"certFingerprint,omitempty"`
}

type pairingConfirmResponse struct {
	CertFingerprint string `json:"certFingerprint,omitempty"`
}

func (s *Server) handlePairingConfirm(w http.ResponseWriter, r *http.Request) {
	var req pairingConfirmRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	clientCommitment, err := base64.StdEncoding.DecodeString(req.ClientCommitment)
	if err != nil {
		writeCodedError(w, http.StatusBadRequest, agenterr.CodeInvalidRequest, "clientCommitment is not valid base64")
		return
	}
	var certFingerprint []byte
	if req.CertFingerprint != "" {
		certFingerprint, err = base64.StdEncoding.DecodeString(req.CertFingerprint)
		if err != nil {
			writeCodedError(w, http.StatusBadRequest, agenterr.CodeInvalidRequest, "certFingerprint is not valid base64")
			return
		}
	}

	fingerprint, err := s.security.PairingConfirm(req.SessionID, clientCommitment, certFingerprint)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, pairingConfirmResponse{CertFingerprint: base64.StdEncoding.EncodeToString(fingerprint)})
}

type pairingCancelRequest struct {
	SessionID string `json:"sessionId"`
}

func (s *Server) handlePairingCancel(w http.ResponseWriter, r *http.Request) {
	var req pairingCancelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.security.CancelPairingSession(req.SessionID)
	writeJSON(w, http.StatusOK, map[string]any{})
}

type setupStartRequest struct {
	TicketID string `json:"ticketId"`
}

// handleSetupStart kicks off Cloud registration against an already-minted
// registration ticket; Wi-Fi association is out of this agent's scope (see
// internal/platform) and is assumed complete by the time this is called.
func (s *Server) handleSetupStart(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireRole(w, r, config.RoleManager); !ok {
		return
	}
	var req setupStartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.TicketID == "" {
		writeCodedError(w, http.StatusBadRequest, agenterr.CodeInvalidRequest, "ticketId is required")
		return
	}

	go func() {
		// Outlives the request: Register runs well past this handler returning.
		if err := s.controller.Register(context.Background(), req.TicketID); err != nil {
			s.logger.Error("setup registration failed", "err", err)
		}
	}()
	writeJSON(w, http.StatusOK, map[string]any{"status": "inProgress"})
}

type setupStatusResponse struct {
	GcdState gcd.State `json:"gcdState"`
}

func (s *Server) handleSetupStatus(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireRole(w, r, config.RoleViewer); !ok {
		return
	}
	writeJSON(w, http.StatusOK, setupStatusResponse{GcdState: s.controller.State()})
}

type catalogCommand struct {
	Parameters  any         `json:"parameters"`
	MinimalRole config.Role `json:"minimalRole"`
}

func convertCommandDefs(defs map[string]*catalog.Command) map[string]*catalogCommand {
	out := make(map[string]*catalogCommand, len(defs))
	for name, cmd := range defs {
		out[name] = &catalogCommand{Parameters: cmd.Parameters, MinimalRole: cmd.MinimalRole}
	}
	return out
}

func (s *Server) handleCommandDefs(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireRole(w, r, config.RoleViewer); !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commandDefs": convertCommandDefs(s.catalog.GetDefinitions())})
}

type executeRequest struct {
	Name      string         `json:"name"`
	Component string         `json:"component"`
	Params    map[string]any `json:"parameters"`
}

type executeResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleCommandsExecute(w http.ResponseWriter, r *http.Request) {
	role, ok := s.requireRole(w, r, config.RoleUser)
	if !ok {
		return
	}
	var req executeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	id, err := s.controller.ExecuteLocal(req.Name, req.Component, req.Params, role)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, executeResponse{ID: id})
}

type commandStatusResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Component string `json:"component"`
	State     string `json:"state"`
	Progress  any    `json:"progress,omitempty"`
	Results   any    `json:"results,omitempty"`
}

func (s *Server) handleCommandsStatus(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireRole(w, r, config.RoleViewer); !ok {
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		writeCodedError(w, http.StatusBadRequest, agenterr.CodeInvalidRequest, "id query parameter is required")
		return
	}
	inst, ok := s.controller.CommandStatus(id)
	if !ok {
		writeCodedError(w, http.StatusNotFound, "unknownCommand", "no such command instance")
		return
	}
	writeJSON(w, http.StatusOK, commandStatusResponse{
		ID:        inst.ID,
		Name:      inst.Name,
		Component: inst.Component,
		State:     string(inst.State),
		Progress:  inst.Progress,
		Results:   inst.Results,
	})
}

type commandCancelRequest struct {
	ID string `json:"id"`
}

func (s *Server) handleCommandsCancel(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireRole(w, r, config.RoleUser); !ok {
		return
	}
	var req commandCancelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.controller.CancelCommand(req.ID); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireRole(w, r, config.RoleViewer); !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": s.controller.StateSnapshot()})
}
