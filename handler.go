package grants

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
)

// Handler exposes the grant flows over HTTP. Mount it on the host's mux:
//
//	h := grants.NewHandler(server)
//	mux.Handle("/device_authorization", http.HandlerFunc(h.DeviceAuthorization))
//	mux.Handle("/device/verify", http.HandlerFunc(h.DeviceVerify))
//	mux.Handle("/bc-authorize", http.HandlerFunc(h.BackchannelAuthorize))
//	mux.Handle("/par", http.HandlerFunc(h.PushedAuthorization))
//	mux.Handle("/token", http.HandlerFunc(h.Token))
//
// Client authentication is form-based (client_id + client_secret) on every
// endpoint; public clients send only client_id.
type Handler struct {
	server *Server
}

// NewHandler creates an HTTP handler over a grant server
func NewHandler(server *Server) *Handler {
	return &Handler{server: server}
}

// DeviceAuthorization handles POST /device_authorization (RFC 8628 section 3.1)
func (h *Handler) DeviceAuthorization(w http.ResponseWriter, r *http.Request) {
	clientID, ok := h.requireClient(w, r)
	if !ok {
		return
	}

	resp, err := h.server.StartDeviceAuthorization(r.Context(), clientID, r.FormValue("scope"))
	if err != nil {
		h.writeGrantError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// DeviceVerify handles POST /device/verify: the host's verification page
// submits the user-typed code plus the authenticated user's decision.
// The authenticated user ID comes from the host's session layer in the
// X-Authenticated-User header set by upstream middleware.
func (h *Handler) DeviceVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, ErrorCodeInvalidRequest, "POST required", http.StatusMethodNotAllowed)
		return
	}

	userID := r.Header.Get("X-Authenticated-User")
	if userID == "" {
		h.writeError(w, ErrorCodeAccessDenied, "User authentication required", http.StatusUnauthorized)
		return
	}

	userCode := r.FormValue("user_code")
	var err error
	switch r.FormValue("action") {
	case "deny":
		err = h.server.DenyDevice(r.Context(), userCode)
	default:
		err = h.server.ApproveDevice(r.Context(), userCode, userID)
	}
	if err != nil {
		h.writeGrantError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// BackchannelAuthorize handles POST /bc-authorize (CIBA authentication request)
func (h *Handler) BackchannelAuthorize(w http.ResponseWriter, r *http.Request) {
	clientID, ok := h.requireClient(w, r)
	if !ok {
		return
	}

	requestedExpiry := 0
	if v := r.FormValue("requested_expiry"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			h.writeError(w, ErrorCodeInvalidRequest, "requested_expiry must be a positive integer", http.StatusBadRequest)
			return
		}
		requestedExpiry = parsed
	}

	resp, err := h.server.StartBackchannelAuthentication(r.Context(), BackchannelAuthenticationRequest{
		ClientID:             clientID,
		Scope:                r.FormValue("scope"),
		LoginHint:            r.FormValue("login_hint"),
		LoginHintToken:       r.FormValue("login_hint_token"),
		IDTokenHint:          r.FormValue("id_token_hint"),
		BindingMessage:       r.FormValue("binding_message"),
		UserCode:             r.FormValue("user_code"),
		RequestedExpiry:      requestedExpiry,
		NotificationEndpoint: r.FormValue("client_notification_endpoint"),
		NotificationToken:    r.FormValue("client_notification_token"),
	})
	if err != nil {
		h.writeGrantError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// PushedAuthorization handles POST /par (RFC 9126 section 2)
func (h *Handler) PushedAuthorization(w http.ResponseWriter, r *http.Request) {
	clientID, ok := h.requireClient(w, r)
	if !ok {
		return
	}

	if r.FormValue("request_uri") != "" {
		h.writeError(w, ErrorCodeInvalidRequest, "request_uri must not be provided in a pushed request", http.StatusBadRequest)
		return
	}

	resp, err := h.server.PushAuthorizationRequest(r.Context(), AuthorizationRequestData{
		ResponseType:        r.FormValue("response_type"),
		ClientID:            clientID,
		RedirectURI:         r.FormValue("redirect_uri"),
		Scope:               r.FormValue("scope"),
		State:               r.FormValue("state"),
		CodeChallenge:       r.FormValue("code_challenge"),
		CodeChallengeMethod: r.FormValue("code_challenge_method"),
	})
	if err != nil {
		h.writeGrantError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, resp)
}

// Token handles POST /token, dispatching on grant_type
func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	clientID, ok := h.requireClient(w, r)
	if !ok {
		return
	}

	var (
		resp *TokenResponse
		err  error
	)

	grantType := r.FormValue("grant_type")
	switch grantType {
	case GrantTypeDeviceCode:
		resp, err = h.server.ExchangeDeviceCode(r.Context(), clientID, r.FormValue("device_code"))

	case GrantTypeCIBA:
		// A request that carries a code redeems it directly (PKCE-bound
		// ping/push delivery); otherwise this is a poll on auth_req_id.
		if code := r.FormValue("code"); code != "" {
			resp, err = h.server.RedeemBackchannelCode(r.Context(), clientID, code, r.FormValue("code_verifier"))
		} else {
			resp, err = h.server.ExchangeBackchannel(r.Context(), clientID, r.FormValue("auth_req_id"))
		}

	default:
		h.writeError(w, ErrorCodeUnsupportedGrantType, "Grant type "+grantType+" not supported", http.StatusBadRequest)
		return
	}
	if err != nil {
		h.writeGrantError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// requireClient parses the form, rate-limits, and authenticates the client.
// Confidential clients must present a valid client_secret; public clients
// authenticate by client_id alone.
func (h *Handler) requireClient(w http.ResponseWriter, r *http.Request) (string, bool) {
	if r.Method != http.MethodPost {
		h.writeError(w, ErrorCodeInvalidRequest, "POST required", http.StatusMethodNotAllowed)
		return "", false
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return "", false
	}

	clientID := r.FormValue("client_id")
	if clientID == "" {
		h.writeError(w, ErrorCodeInvalidRequest, "client_id is required", http.StatusBadRequest)
		return "", false
	}

	if !h.server.allow(clientID) {
		h.writeError(w, ErrorCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
		return "", false
	}

	client, err := h.server.store.GetClient(r.Context(), clientID)
	if err != nil {
		h.server.auditor.LogAuthFailure("", clientID, r.RemoteAddr, "unknown client")
		h.writeError(w, ErrorCodeInvalidClient, "Client authentication failed", http.StatusUnauthorized)
		return "", false
	}

	if client.ClientSecretHash != "" {
		if err := h.server.store.ValidateClientSecret(r.Context(), clientID, r.FormValue("client_secret")); err != nil {
			h.server.auditor.LogAuthFailure("", clientID, r.RemoteAddr, "invalid client secret")
			h.writeError(w, ErrorCodeInvalidClient, "Client authentication failed", http.StatusUnauthorized)
			return "", false
		}
	}

	return clientID, true
}

// writeGrantError translates an error from the flow layer into the OAuth
// wire format. Anything that is not a *GrantError becomes server_error.
func (h *Handler) writeGrantError(w http.ResponseWriter, err error) {
	var ge *GrantError
	if errors.As(err, &ge) {
		h.writeError(w, ge.Code, ge.Description, ge.Status)
		return
	}
	h.server.logger.Error("Unhandled grant error", "error", err)
	h.writeError(w, ErrorCodeServerError, "Internal server error", http.StatusInternalServerError)
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
