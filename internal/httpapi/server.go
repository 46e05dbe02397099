// ABOUTME: Loopback HTTP API for login, signing, status, and companion callbacks.
// ABOUTME: Callback requests are authenticated with per-request bearer tokens.

package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/2389/signet/internal/auth"
	"github.com/2389/signet/internal/authstate"
	"github.com/2389/signet/internal/companion"
	"github.com/2389/signet/internal/event"
	"github.com/2389/signet/internal/keys"
	"github.com/2389/signet/internal/signer"
	"github.com/2389/signet/internal/sigqueue"
)

// LoginKeyRequest is the JSON request body for POST /v1/login/key.
type LoginKeyRequest struct {
	PrivateKey string `json:"private_key"`
}

// LoginResponse is the JSON response for all login endpoints.
type LoginResponse struct {
	PubKey string `json:"pubkey"`
	Npub   string `json:"npub,omitempty"`
}

// SignRequest is the JSON request body for POST /v1/sign.
type SignRequest struct {
	Event *event.Event `json:"event"`
}

// SignResponse is the JSON response for POST /v1/sign.
type SignResponse struct {
	Event     *event.Event `json:"event"`
	Signature string       `json:"signature"`
}

// StatusResponse is the JSON response for GET /v1/status.
type StatusResponse struct {
	Phase      string `json:"phase"`
	Method     string `json:"method"`
	User       string `json:"user,omitempty"`
	QueueDepth int    `json:"queue_depth"`
}

// Server exposes the auth service over a loopback HTTP listener.
type Server struct {
	svc    *auth.Service
	tokens *auth.CallbackTokens
	logger *slog.Logger
}

// NewServer creates the API server. tokens may be nil when no companion app is
// configured; the callback endpoint then rejects everything.
func NewServer(svc *auth.Service, tokens *auth.CallbackTokens, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		svc:    svc,
		tokens: tokens,
		logger: logger.With("component", "httpapi"),
	}
}

// Handler returns the route mux for the API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/login/key", s.handleLoginKey)
	mux.HandleFunc("/v1/login/external", s.handleLoginExternal)
	mux.HandleFunc("/v1/login/ephemeral", s.handleLoginEphemeral)
	mux.HandleFunc("/v1/logout", s.handleLogout)
	mux.HandleFunc("/v1/sign", s.handleSign)
	mux.HandleFunc("/v1/status", s.handleStatus)
	mux.HandleFunc("/v1/companion/response", s.handleCompanionResponse)
	return mux
}

// handleLoginKey handles POST /v1/login/key.
func (s *Server) handleLoginKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req LoginKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.PrivateKey == "" {
		s.sendJSONError(w, http.StatusBadRequest, "private_key is required")
		return
	}

	pub, err := s.svc.LoginWithPrivateKey(r.Context(), req.PrivateKey)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendLogin(w, pub)
}

// handleLoginExternal handles POST /v1/login/external. The handshake with the
// companion app can take as long as the user takes to approve it, bounded by
// the service timeout.
func (s *Server) handleLoginExternal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	pub, err := s.svc.LoginWithExternalSigner(r.Context())
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendLogin(w, pub)
}

// handleLoginEphemeral handles POST /v1/login/ephemeral.
func (s *Server) handleLoginEphemeral(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	pub, err := s.svc.CreateEphemeralIdentity(r.Context())
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendLogin(w, pub)
}

// handleLogout handles POST /v1/logout.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if err := s.svc.Logout(r.Context()); err != nil {
		s.logger.Error("logout failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSign handles POST /v1/sign. The request blocks until the signature is
// produced, the companion denies it, or the operation times out.
func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req SignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Event == nil {
		s.sendJSONError(w, http.StatusBadRequest, "event is required")
		return
	}
	if req.Event.CreatedAt == 0 {
		req.Event.CreatedAt = time.Now().Unix()
	}

	sig, err := s.svc.SignEvent(r.Context(), req.Event)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(SignResponse{Event: req.Event, Signature: sig})
}

// handleStatus handles GET /v1/status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	st := s.svc.State()
	response := StatusResponse{
		Phase:      st.Phase.String(),
		Method:     st.Method.String(),
		User:       st.User,
		QueueDepth: s.svc.QueueDepth(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleCompanionResponse handles POST /v1/companion/response. The companion
// app must present the bearer token minted for the request it is answering;
// a token for request A cannot deliver a response for request B.
func (s *Server) handleCompanionResponse(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.tokens == nil {
		s.sendJSONError(w, http.StatusNotFound, "no companion app configured")
		return
	}

	tokenString, ok := bearerToken(r)
	if !ok {
		s.sendJSONError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}
	requestID, err := s.tokens.Verify(tokenString)
	if err != nil {
		s.logger.Warn("rejected companion callback", "error", err)
		s.sendJSONError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	var resp companion.Response
	if err := json.NewDecoder(r.Body).Decode(&resp); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if resp.RequestID != requestID {
		s.logger.Warn("callback request ID does not match token", "token_request_id", requestID, "body_request_id", resp.RequestID)
		s.sendJSONError(w, http.StatusForbidden, "token not valid for this request")
		return
	}

	s.svc.HandleCompanionResponse(&resp)
	w.WriteHeader(http.StatusAccepted)
}

// sendLogin writes a LoginResponse, including the bech32 form when it encodes.
func (s *Server) sendLogin(w http.ResponseWriter, pub string) {
	response := LoginResponse{PubKey: pub}
	if npub, err := keys.EncodeNpub(pub); err == nil {
		response.Npub = npub
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// sendServiceError maps auth service errors to HTTP statuses.
func (s *Server) sendServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, keys.ErrMalformedKey):
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, authstate.ErrInvalidTransition):
		s.sendJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, signer.ErrDenied):
		s.sendJSONError(w, http.StatusForbidden, "signing request denied")
	case errors.Is(err, companion.ErrTimeout):
		s.sendJSONError(w, http.StatusGatewayTimeout, "companion app did not respond")
	case errors.Is(err, sigqueue.ErrCancelled):
		s.sendJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, sigqueue.ErrNoSigner):
		s.sendJSONError(w, http.StatusConflict, "not authenticated")
	default:
		s.logger.Error("request failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// bearerToken extracts the token from an Authorization: Bearer header.
func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(h, prefix))
	return token, token != ""
}
