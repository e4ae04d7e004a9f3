package grants

// Grant type identifiers dispatched by the token endpoint
const (
	// GrantTypeDeviceCode is the RFC 8628 device grant type URN
	GrantTypeDeviceCode = "urn:ietf:params:oauth:grant-type:device_code"

	// GrantTypeCIBA is the OpenID CIBA grant type URN
	GrantTypeCIBA = "urn:openid:params:grant-type:ciba"
)

// CIBA token delivery modes. Only poll mode issues tokens through the token
// endpoint; ping and push registrations are stored for bookkeeping.
const (
	BackchannelModePoll = "poll"
	BackchannelModePing = "ping"
	BackchannelModePush = "push"
)

// DeviceAuthorizationResponse is the RFC 8628 section 3.2 response
type DeviceAuthorizationResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
}

// BackchannelAuthenticationRequest carries the parameters of a CIBA
// authentication request. Exactly the hints the client supplied are kept; at
// least one of LoginHint, LoginHintToken, IDTokenHint must be present.
type BackchannelAuthenticationRequest struct {
	ClientID             string
	Scope                string
	LoginHint            string
	LoginHintToken       string
	IDTokenHint          string
	BindingMessage       string
	UserCode             string
	RequestedExpiry      int // seconds; zero means the configured default
	NotificationEndpoint string
	NotificationToken    string

	// DeliveryMode is one of the BackchannelMode constants. Empty means poll,
	// or ping when a notification endpoint is present. Ping and push require
	// both the endpoint and the token.
	DeliveryMode string
}

// BackchannelAuthenticationResponse is the CIBA authentication response
type BackchannelAuthenticationResponse struct {
	AuthReqID string `json:"auth_req_id"`
	ExpiresIn int    `json:"expires_in"`
	Interval  int    `json:"interval"`
}

// PushedAuthorizationResponse is the RFC 9126 section 2.2 response
type PushedAuthorizationResponse struct {
	RequestURI string `json:"request_uri"`
	ExpiresIn  int    `json:"expires_in"`
}

// TokenResponse is the token endpoint success payload
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// ErrorResponse is the OAuth error payload written on the wire
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}
