package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/lumagate/oauth-grants/security"
	"github.com/lumagate/oauth-grants/storage"
)

// dummyHash is compared against when a client is unknown, so secret
// validation takes the same time whether or not the client_id exists.
var dummyHash = []byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")

// ============================================================
// JSON Serialization
// ============================================================
//
// Field names below are load-bearing: the Lua scripts in store.go read and
// mutate expires_at, interval, last_polled_at, status, revoked, used,
// user_authorized, and user_id by these exact names.

// deviceAuthorizationJSON is the JSON representation of a device grant
type deviceAuthorizationJSON struct {
	ID                      string `json:"id"`
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	ClientID                string `json:"client_id"`
	UserID                  string `json:"user_id,omitempty"`
	Scope                   string `json:"scope,omitempty"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	ExpiresAt               int64  `json:"expires_at"`
	Interval                int    `json:"interval"`
	LastPolledAt            int64  `json:"last_polled_at,omitempty"`
	UserAuthorized          bool   `json:"user_authorized,omitempty"`
	Revoked                 bool   `json:"revoked,omitempty"`
	CreatedAt               int64  `json:"created_at"`
	UpdatedAt               int64  `json:"updated_at"`
}

func toDeviceAuthorizationJSON(d *storage.DeviceAuthorization) *deviceAuthorizationJSON {
	j := &deviceAuthorizationJSON{
		ID:                      d.ID,
		DeviceCode:              d.DeviceCode,
		UserCode:                d.UserCode,
		ClientID:                d.ClientID,
		UserID:                  d.UserID,
		Scope:                   d.Scope,
		VerificationURI:         d.VerificationURI,
		VerificationURIComplete: d.VerificationURIComplete,
		ExpiresAt:               d.ExpiresAt.Unix(),
		Interval:                d.Interval,
		UserAuthorized:          d.UserAuthorized,
		Revoked:                 d.Revoked,
		CreatedAt:               d.CreatedAt.Unix(),
		UpdatedAt:               d.UpdatedAt.Unix(),
	}
	if !d.LastPolledAt.IsZero() {
		j.LastPolledAt = d.LastPolledAt.Unix()
	}
	return j
}

func fromDeviceAuthorizationJSON(j *deviceAuthorizationJSON) *storage.DeviceAuthorization {
	if j == nil {
		return nil
	}
	d := &storage.DeviceAuthorization{
		ID:                      j.ID,
		DeviceCode:              j.DeviceCode,
		UserCode:                j.UserCode,
		ClientID:                j.ClientID,
		UserID:                  j.UserID,
		Scope:                   j.Scope,
		VerificationURI:         j.VerificationURI,
		VerificationURIComplete: j.VerificationURIComplete,
		ExpiresAt:               time.Unix(j.ExpiresAt, 0),
		Interval:                j.Interval,
		UserAuthorized:          j.UserAuthorized,
		Revoked:                 j.Revoked,
		CreatedAt:               time.Unix(j.CreatedAt, 0),
		UpdatedAt:               time.Unix(j.UpdatedAt, 0),
	}
	if j.LastPolledAt > 0 {
		d.LastPolledAt = time.Unix(j.LastPolledAt, 0)
	}
	return d
}

// backchannelRequestJSON is the JSON representation of a CIBA request
type backchannelRequestJSON struct {
	ID                   string `json:"id"`
	AuthReqID            string `json:"auth_req_id"`
	ClientID             string `json:"client_id"`
	UserID               string `json:"user_id,omitempty"`
	LoginHint            string `json:"login_hint,omitempty"`
	LoginHintToken       string `json:"login_hint_token,omitempty"`
	IDTokenHint          string `json:"id_token_hint,omitempty"`
	BindingMessage       string `json:"binding_message,omitempty"`
	UserCode             string `json:"user_code,omitempty"`
	Scope                string `json:"scope,omitempty"`
	RequestedExpiry      int    `json:"requested_expiry,omitempty"`
	Status               string `json:"status"`
	NotificationEndpoint string `json:"notification_endpoint,omitempty"`
	NotificationToken    string `json:"notification_token,omitempty"`
	ExpiresAt            int64  `json:"expires_at"`
	Interval             int    `json:"interval"`
	LastPolledAt         int64  `json:"last_polled_at,omitempty"`
	AuthorizedAt         int64  `json:"authorized_at,omitempty"`
	DeniedAt             int64  `json:"denied_at,omitempty"`
	CreatedAt            int64  `json:"created_at"`
	UpdatedAt            int64  `json:"updated_at"`
}

func toBackchannelRequestJSON(r *storage.BackchannelRequest) *backchannelRequestJSON {
	j := &backchannelRequestJSON{
		ID:                   r.ID,
		AuthReqID:            r.AuthReqID,
		ClientID:             r.ClientID,
		UserID:               r.UserID,
		LoginHint:            r.LoginHint,
		LoginHintToken:       r.LoginHintToken,
		IDTokenHint:          r.IDTokenHint,
		BindingMessage:       r.BindingMessage,
		UserCode:             r.UserCode,
		Scope:                r.Scope,
		RequestedExpiry:      r.RequestedExpiry,
		Status:               r.Status.String(),
		NotificationEndpoint: r.NotificationEndpoint,
		NotificationToken:    r.NotificationToken,
		ExpiresAt:            r.ExpiresAt.Unix(),
		Interval:             r.Interval,
		CreatedAt:            r.CreatedAt.Unix(),
		UpdatedAt:            r.UpdatedAt.Unix(),
	}
	if !r.LastPolledAt.IsZero() {
		j.LastPolledAt = r.LastPolledAt.Unix()
	}
	if !r.AuthorizedAt.IsZero() {
		j.AuthorizedAt = r.AuthorizedAt.Unix()
	}
	if !r.DeniedAt.IsZero() {
		j.DeniedAt = r.DeniedAt.Unix()
	}
	return j
}

func fromBackchannelRequestJSON(j *backchannelRequestJSON) (*storage.BackchannelRequest, error) {
	if j == nil {
		return nil, nil
	}
	status, err := storage.ParseBackchannelStatus(j.Status)
	if err != nil {
		return nil, err
	}
	r := &storage.BackchannelRequest{
		ID:                   j.ID,
		AuthReqID:            j.AuthReqID,
		ClientID:             j.ClientID,
		UserID:               j.UserID,
		LoginHint:            j.LoginHint,
		LoginHintToken:       j.LoginHintToken,
		IDTokenHint:          j.IDTokenHint,
		BindingMessage:       j.BindingMessage,
		UserCode:             j.UserCode,
		Scope:                j.Scope,
		RequestedExpiry:      j.RequestedExpiry,
		Status:               status,
		NotificationEndpoint: j.NotificationEndpoint,
		NotificationToken:    j.NotificationToken,
		ExpiresAt:            time.Unix(j.ExpiresAt, 0),
		Interval:             j.Interval,
		CreatedAt:            time.Unix(j.CreatedAt, 0),
		UpdatedAt:            time.Unix(j.UpdatedAt, 0),
	}
	if j.LastPolledAt > 0 {
		r.LastPolledAt = time.Unix(j.LastPolledAt, 0)
	}
	if j.AuthorizedAt > 0 {
		r.AuthorizedAt = time.Unix(j.AuthorizedAt, 0)
	}
	if j.DeniedAt > 0 {
		r.DeniedAt = time.Unix(j.DeniedAt, 0)
	}
	return r, nil
}

// backchannelAuthCodeJSON is the JSON representation of a CIBA auth code
type backchannelAuthCodeJSON struct {
	ID                  string `json:"id"`
	Code                string `json:"code"`
	AuthReqID           string `json:"auth_req_id"`
	ClientID            string `json:"client_id"`
	UserID              string `json:"user_id"`
	Scope               string `json:"scope,omitempty"`
	RedirectURI         string `json:"redirect_uri,omitempty"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
	ExpiresAt           int64  `json:"expires_at"`
	Revoked             bool   `json:"revoked,omitempty"`
	CreatedAt           int64  `json:"created_at"`
}

func toBackchannelAuthCodeJSON(c *storage.BackchannelAuthCode) *backchannelAuthCodeJSON {
	return &backchannelAuthCodeJSON{
		ID:                  c.ID,
		Code:                c.Code,
		AuthReqID:           c.AuthReqID,
		ClientID:            c.ClientID,
		UserID:              c.UserID,
		Scope:               c.Scope,
		RedirectURI:         c.RedirectURI,
		CodeChallenge:       c.CodeChallenge,
		CodeChallengeMethod: c.CodeChallengeMethod,
		ExpiresAt:           c.ExpiresAt.Unix(),
		Revoked:             c.Revoked,
		CreatedAt:           c.CreatedAt.Unix(),
	}
}

func fromBackchannelAuthCodeJSON(j *backchannelAuthCodeJSON) *storage.BackchannelAuthCode {
	if j == nil {
		return nil
	}
	return &storage.BackchannelAuthCode{
		ID:                  j.ID,
		Code:                j.Code,
		AuthReqID:           j.AuthReqID,
		ClientID:            j.ClientID,
		UserID:              j.UserID,
		Scope:               j.Scope,
		RedirectURI:         j.RedirectURI,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		ExpiresAt:           time.Unix(j.ExpiresAt, 0),
		Revoked:             j.Revoked,
		CreatedAt:           time.Unix(j.CreatedAt, 0),
	}
}

// pushedRequestJSON is the JSON representation of a pushed authorization request
type pushedRequestJSON struct {
	ID          string `json:"id"`
	RequestURI  string `json:"request_uri"`
	ClientID    string `json:"client_id"`
	RequestData []byte `json:"request_data"`
	ExpiresAt   int64  `json:"expires_at"`
	Used        bool   `json:"used,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

func toPushedRequestJSON(p *storage.PushedAuthorizationRequest) *pushedRequestJSON {
	return &pushedRequestJSON{
		ID:          p.ID,
		RequestURI:  p.RequestURI,
		ClientID:    p.ClientID,
		RequestData: p.RequestData,
		ExpiresAt:   p.ExpiresAt.Unix(),
		Used:        p.Used,
		CreatedAt:   p.CreatedAt.Unix(),
		UpdatedAt:   p.UpdatedAt.Unix(),
	}
}

func fromPushedRequestJSON(j *pushedRequestJSON) *storage.PushedAuthorizationRequest {
	if j == nil {
		return nil
	}
	return &storage.PushedAuthorizationRequest{
		ID:          j.ID,
		RequestURI:  j.RequestURI,
		ClientID:    j.ClientID,
		RequestData: j.RequestData,
		ExpiresAt:   time.Unix(j.ExpiresAt, 0),
		Used:        j.Used,
		CreatedAt:   time.Unix(j.CreatedAt, 0),
		UpdatedAt:   time.Unix(j.UpdatedAt, 0),
	}
}

// clientJSON is the JSON representation of an OAuth client
type clientJSON struct {
	ClientID         string   `json:"client_id"`
	ClientSecretHash string   `json:"client_secret_hash,omitempty"`
	ClientType       string   `json:"client_type"`
	ClientName       string   `json:"client_name,omitempty"`
	RedirectURIs     []string `json:"redirect_uris,omitempty"`
	Scopes           []string `json:"scopes,omitempty"`
	CreatedAt        int64    `json:"created_at"`
}

func toClientJSON(c *storage.Client) *clientJSON {
	return &clientJSON{
		ClientID:         c.ClientID,
		ClientSecretHash: c.ClientSecretHash,
		ClientType:       c.ClientType,
		ClientName:       c.ClientName,
		RedirectURIs:     c.RedirectURIs,
		Scopes:           c.Scopes,
		CreatedAt:        c.CreatedAt.Unix(),
	}
}

func fromClientJSON(j *clientJSON) *storage.Client {
	if j == nil {
		return nil
	}
	return &storage.Client{
		ClientID:         j.ClientID,
		ClientSecretHash: j.ClientSecretHash,
		ClientType:       j.ClientType,
		ClientName:       j.ClientName,
		RedirectURIs:     j.RedirectURIs,
		Scopes:           j.Scopes,
		CreatedAt:        time.Unix(j.CreatedAt, 0),
	}
}

// ============================================================
// Shared helpers
// ============================================================

// getJSON fetches a key and unmarshals it into J
func getJSON[J any](ctx context.Context, s *Store, key string, notFoundErr error) (*J, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, notFoundErr
		}
		return nil, fmt.Errorf("failed to get data: %w", err)
	}

	var j J
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal data: %w", err)
	}
	return &j, nil
}

// setJSON marshals and stores a value with the row TTL derived from expiresAt
func (s *Store) setJSON(ctx context.Context, key string, v any, expiresAt time.Time) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	ttl := s.rowTTL(expiresAt)
	if ttl <= 0 {
		return fmt.Errorf("row already expired")
	}

	return s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build(),
	).Error()
}

// eval runs a Lua script over the given keys and args
func (s *Store) eval(ctx context.Context, script string, keys []string, args ...string) (string, error) {
	cmd := s.client.B().Eval().Script(script).Numkeys(int64(len(keys))).Key(keys...).Arg(args...).Build()
	return s.client.Do(ctx, cmd).ToString()
}

func nowArg() string {
	return fmt.Sprintf("%d", time.Now().Unix())
}

func (s *Store) graceArg() string {
	return fmt.Sprintf("%d", s.graceSeconds())
}

// ============================================================
// DeviceAuthorizationStore Implementation
// ============================================================

// SaveDeviceAuthorization persists a device grant and its user-code index.
// The index maps the short user code to the device code and never changes
// after creation, so lookups through it do not need to be transactional.
func (s *Store) SaveDeviceAuthorization(ctx context.Context, grant *storage.DeviceAuthorization) error {
	if grant == nil || grant.DeviceCode == "" || grant.UserCode == "" {
		return fmt.Errorf("invalid device authorization")
	}

	if err := s.setJSON(ctx, s.deviceKey(grant.DeviceCode), toDeviceAuthorizationJSON(grant), grant.ExpiresAt); err != nil {
		return fmt.Errorf("failed to save device authorization: %w", err)
	}

	ttl := s.rowTTL(grant.ExpiresAt)
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.userCodeKey(grant.UserCode)).Value(grant.DeviceCode).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save user code index: %w", err)
	}

	s.logger.Debug("Saved device authorization",
		"user_code", grant.UserCode,
		"device_code_prefix", safeTruncate(grant.DeviceCode, codeLogLength))
	return nil
}

// GetDeviceAuthorization retrieves a grant by its device code
func (s *Store) GetDeviceAuthorization(ctx context.Context, deviceCode string) (*storage.DeviceAuthorization, error) {
	j, err := getJSON[deviceAuthorizationJSON](ctx, s, s.deviceKey(deviceCode), storage.ErrDeviceAuthorizationNotFound)
	if err != nil {
		return nil, err
	}
	return fromDeviceAuthorizationJSON(j), nil
}

// GetDeviceAuthorizationByUserCode retrieves a grant by its user code
func (s *Store) GetDeviceAuthorizationByUserCode(ctx context.Context, userCode string) (*storage.DeviceAuthorization, error) {
	deviceCode, err := s.resolveUserCode(ctx, userCode)
	if err != nil {
		return nil, err
	}
	return s.GetDeviceAuthorization(ctx, deviceCode)
}

func (s *Store) resolveUserCode(ctx context.Context, userCode string) (string, error) {
	deviceCode, err := s.client.Do(ctx, s.client.B().Get().Key(s.userCodeKey(userCode)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return "", storage.ErrDeviceAuthorizationNotFound
		}
		return "", fmt.Errorf("failed to resolve user code: %w", err)
	}
	return deviceCode, nil
}

// ApproveDeviceAuthorization atomically binds userID to a pending grant.
func (s *Store) ApproveDeviceAuthorization(ctx context.Context, userCode, userID string) (*storage.DeviceAuthorization, error) {
	deviceCode, err := s.resolveUserCode(ctx, userCode)
	if err != nil {
		return nil, err
	}

	result, err := s.eval(ctx, luaApproveDevice, []string{s.deviceKey(deviceCode)}, nowArg(), s.graceArg(), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic approval: %w", err)
	}

	grant, err := s.parseDeviceResult(result)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Device authorization approved", "user_code", userCode)
	return grant, nil
}

// DenyDeviceAuthorization atomically revokes a pending grant.
func (s *Store) DenyDeviceAuthorization(ctx context.Context, userCode string) (*storage.DeviceAuthorization, error) {
	deviceCode, err := s.resolveUserCode(ctx, userCode)
	if err != nil {
		return nil, err
	}

	result, err := s.eval(ctx, luaDenyDevice, []string{s.deviceKey(deviceCode)}, nowArg(), s.graceArg())
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic denial: %w", err)
	}

	grant, err := s.parseDeviceResult(result)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Device authorization denied", "user_code", userCode)
	return grant, nil
}

// TouchDevicePoll atomically records a poll attempt and applies the
// slow_down rule. The now argument is taken from the caller so flows under
// test can drive the clock.
func (s *Store) TouchDevicePoll(ctx context.Context, deviceCode string, now time.Time, increment int) (*storage.DeviceAuthorization, error) {
	result, err := s.eval(ctx, luaTouchPoll, []string{s.deviceKey(deviceCode)},
		fmt.Sprintf("%d", now.Unix()), fmt.Sprintf("%d", increment))
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic poll touch: %w", err)
	}

	if result == "NOT_FOUND" {
		return nil, storage.ErrDeviceAuthorizationNotFound
	}

	slowDown := false
	if rest, ok := strings.CutPrefix(result, "SLOW_DOWN:"); ok {
		slowDown = true
		result = rest
	}

	var j deviceAuthorizationJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to parse device authorization: %w", err)
	}

	grant := fromDeviceAuthorizationJSON(&j)
	if slowDown {
		return grant, storage.ErrSlowDown
	}
	return grant, nil
}

// ConsumeDeviceAuthorization atomically invalidates an authorized grant after
// token exchange. Two concurrent exchanges race here; exactly one wins.
func (s *Store) ConsumeDeviceAuthorization(ctx context.Context, deviceCode string) (*storage.DeviceAuthorization, error) {
	result, err := s.eval(ctx, luaConsumeDevice, []string{s.deviceKey(deviceCode)}, nowArg(), s.graceArg())
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic consume: %w", err)
	}

	grant, err := s.parseDeviceResult(result)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Device authorization consumed",
		"device_code_prefix", safeTruncate(deviceCode, codeLogLength))
	return grant, nil
}

func (s *Store) parseDeviceResult(result string) (*storage.DeviceAuthorization, error) {
	switch result {
	case "NOT_FOUND":
		return nil, storage.ErrDeviceAuthorizationNotFound
	case "EXPIRED":
		return nil, storage.ErrExpired
	case "INVALID_STATE":
		return nil, storage.ErrInvalidState
	}

	var j deviceAuthorizationJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to parse device authorization: %w", err)
	}
	return fromDeviceAuthorizationJSON(&j), nil
}

// ============================================================
// BackchannelStore Implementation
// ============================================================

// SaveBackchannelRequest persists a CIBA request
func (s *Store) SaveBackchannelRequest(ctx context.Context, req *storage.BackchannelRequest) error {
	if req == nil || req.AuthReqID == "" {
		return fmt.Errorf("invalid backchannel request")
	}

	if err := s.setJSON(ctx, s.backchannelKey(req.AuthReqID), toBackchannelRequestJSON(req), req.ExpiresAt); err != nil {
		return fmt.Errorf("failed to save backchannel request: %w", err)
	}

	s.logger.Debug("Saved backchannel request",
		"auth_req_id_suffix", safeTruncate(strings.TrimPrefix(req.AuthReqID, security.AuthReqIDPrefix), codeLogLength))
	return nil
}

// GetBackchannelRequest retrieves a request by auth_req_id
func (s *Store) GetBackchannelRequest(ctx context.Context, authReqID string) (*storage.BackchannelRequest, error) {
	j, err := getJSON[backchannelRequestJSON](ctx, s, s.backchannelKey(authReqID), storage.ErrBackchannelRequestNotFound)
	if err != nil {
		return nil, err
	}
	return fromBackchannelRequestJSON(j)
}

// AuthorizeBackchannelRequest atomically transitions Pending -> Authorized.
func (s *Store) AuthorizeBackchannelRequest(ctx context.Context, authReqID, userID string, now time.Time) (*storage.BackchannelRequest, error) {
	result, err := s.eval(ctx, luaDecideBackchannel, []string{s.backchannelKey(authReqID)},
		fmt.Sprintf("%d", now.Unix()), s.graceArg(), "authorized", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic authorize: %w", err)
	}

	req, err := s.parseBackchannelResult(result)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Backchannel request authorized")
	return req, nil
}

// DenyBackchannelRequest atomically transitions Pending -> Denied.
func (s *Store) DenyBackchannelRequest(ctx context.Context, authReqID string, now time.Time) (*storage.BackchannelRequest, error) {
	result, err := s.eval(ctx, luaDecideBackchannel, []string{s.backchannelKey(authReqID)},
		fmt.Sprintf("%d", now.Unix()), s.graceArg(), "denied", "")
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic deny: %w", err)
	}

	req, err := s.parseBackchannelResult(result)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Backchannel request denied")
	return req, nil
}

// MarkBackchannelExpired flips a pending request to expired. Requests that
// already settled are left untouched.
func (s *Store) MarkBackchannelExpired(ctx context.Context, authReqID string) error {
	result, err := s.eval(ctx, luaMarkBackchannelExpired, []string{s.backchannelKey(authReqID)}, nowArg())
	if err != nil {
		return fmt.Errorf("failed to execute atomic expire: %w", err)
	}

	if result == "NOT_FOUND" {
		return storage.ErrBackchannelRequestNotFound
	}
	return nil
}

// TouchBackchannelPoll atomically records a poll attempt and applies the
// slow_down rule, keyed by auth_req_id.
func (s *Store) TouchBackchannelPoll(ctx context.Context, authReqID string, now time.Time, increment int) (*storage.BackchannelRequest, error) {
	result, err := s.eval(ctx, luaTouchPoll, []string{s.backchannelKey(authReqID)},
		fmt.Sprintf("%d", now.Unix()), fmt.Sprintf("%d", increment))
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic poll touch: %w", err)
	}

	if result == "NOT_FOUND" {
		return nil, storage.ErrBackchannelRequestNotFound
	}

	slowDown := false
	if rest, ok := strings.CutPrefix(result, "SLOW_DOWN:"); ok {
		slowDown = true
		result = rest
	}

	var j backchannelRequestJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to parse backchannel request: %w", err)
	}

	req, err := fromBackchannelRequestJSON(&j)
	if err != nil {
		return nil, err
	}
	if slowDown {
		return req, storage.ErrSlowDown
	}
	return req, nil
}

// CreateBackchannelAuthCode mints the one-time code for an authorized
// request. The parent status check, the one-live-code check, and the insert
// run as a single Lua script.
func (s *Store) CreateBackchannelAuthCode(ctx context.Context, code *storage.BackchannelAuthCode) error {
	if code == nil || code.Code == "" || code.AuthReqID == "" {
		return fmt.Errorf("invalid backchannel auth code")
	}

	data, err := json.Marshal(toBackchannelAuthCodeJSON(code))
	if err != nil {
		return fmt.Errorf("failed to marshal backchannel auth code: %w", err)
	}

	ttl := s.rowTTL(code.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("backchannel auth code already expired")
	}

	result, err := s.eval(ctx, luaCreateBackchannelCode,
		[]string{s.backchannelKey(code.AuthReqID), s.backchannelCodeKey(code.Code), s.liveCodeKey(code.AuthReqID)},
		string(data), code.Code, fmt.Sprintf("%d", int64(ttl/time.Second)))
	if err != nil {
		return fmt.Errorf("failed to execute atomic code creation: %w", err)
	}

	switch result {
	case "NOT_FOUND":
		return storage.ErrBackchannelRequestNotFound
	case "INVALID_STATE":
		return storage.ErrInvalidState
	}

	s.logger.Debug("Created backchannel auth code",
		"code_prefix", safeTruncate(code.Code, codeLogLength))
	return nil
}

// GetBackchannelAuthCode retrieves a code by its value
func (s *Store) GetBackchannelAuthCode(ctx context.Context, code string) (*storage.BackchannelAuthCode, error) {
	j, err := getJSON[backchannelAuthCodeJSON](ctx, s, s.backchannelCodeKey(code), storage.ErrBackchannelCodeNotFound)
	if err != nil {
		return nil, err
	}
	return fromBackchannelAuthCodeJSON(j), nil
}

// RedeemBackchannelAuthCode atomically revokes the code and consumes its
// parent request. Only ONE concurrent redemption can succeed.
func (s *Store) RedeemBackchannelAuthCode(ctx context.Context, code string) (*storage.BackchannelAuthCode, error) {
	// Resolve the parent key first; auth_req_id is immutable on the code row,
	// so the script can re-validate both rows atomically afterwards.
	existing, err := s.GetBackchannelAuthCode(ctx, code)
	if err != nil {
		return nil, err
	}

	result, err := s.eval(ctx, luaRedeemBackchannelCode,
		[]string{s.backchannelCodeKey(code), s.backchannelKey(existing.AuthReqID)},
		nowArg(), s.graceArg())
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic redemption: %w", err)
	}

	switch result {
	case "NOT_FOUND":
		return nil, storage.ErrBackchannelCodeNotFound
	case "PARENT_NOT_FOUND":
		return nil, storage.ErrBackchannelRequestNotFound
	case "EXPIRED":
		return nil, storage.ErrExpired
	case "ALREADY_CONSUMED":
		return nil, storage.ErrAlreadyConsumed
	case "INVALID_STATE":
		return nil, storage.ErrInvalidState
	}

	var j backchannelAuthCodeJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to parse backchannel auth code: %w", err)
	}

	s.logger.Debug("Redeemed backchannel auth code",
		"code_prefix", safeTruncate(code, codeLogLength))
	return fromBackchannelAuthCodeJSON(&j), nil
}

func (s *Store) parseBackchannelResult(result string) (*storage.BackchannelRequest, error) {
	switch result {
	case "NOT_FOUND":
		return nil, storage.ErrBackchannelRequestNotFound
	case "EXPIRED":
		return nil, storage.ErrExpired
	case "INVALID_STATE":
		return nil, storage.ErrInvalidState
	}

	var j backchannelRequestJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to parse backchannel request: %w", err)
	}
	return fromBackchannelRequestJSON(&j)
}

// ============================================================
// PushedRequestStore Implementation
// ============================================================

// SavePushedRequest persists a pushed authorization request. When an
// encryptor is configured, the request data is sealed before it leaves the
// process.
func (s *Store) SavePushedRequest(ctx context.Context, req *storage.PushedAuthorizationRequest) error {
	if req == nil || req.RequestURI == "" {
		return fmt.Errorf("invalid pushed authorization request")
	}

	j := toPushedRequestJSON(req)
	if enc := s.getEncryptor(); enc != nil && enc.IsEnabled() {
		sealed, err := enc.Seal(req.RequestData)
		if err != nil {
			return fmt.Errorf("failed to encrypt request data: %w", err)
		}
		j.RequestData = sealed
	}

	if err := s.setJSON(ctx, s.pushedKey(req.RequestURI), j, req.ExpiresAt); err != nil {
		return fmt.Errorf("failed to save pushed request: %w", err)
	}

	s.logger.Debug("Saved pushed authorization request", "client_id", req.ClientID)
	return nil
}

// GetPushedRequest retrieves a pushed request without redeeming it.
// NOTE: For actual redemption, use RedeemPushedRequest instead to prevent
// race conditions.
func (s *Store) GetPushedRequest(ctx context.Context, requestURI string) (*storage.PushedAuthorizationRequest, error) {
	j, err := getJSON[pushedRequestJSON](ctx, s, s.pushedKey(requestURI), storage.ErrPushedRequestNotFound)
	if err != nil {
		return nil, err
	}
	return s.openPushedRequest(j)
}

// RedeemPushedRequest atomically marks the request used and returns it.
// Only ONE concurrent redemption can succeed.
func (s *Store) RedeemPushedRequest(ctx context.Context, requestURI string) (*storage.PushedAuthorizationRequest, error) {
	result, err := s.eval(ctx, luaRedeemPushed, []string{s.pushedKey(requestURI)}, nowArg(), s.graceArg())
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic redemption: %w", err)
	}

	switch result {
	case "NOT_FOUND":
		return nil, storage.ErrPushedRequestNotFound
	case "EXPIRED":
		return nil, storage.ErrExpired
	case "ALREADY_USED":
		return nil, storage.ErrAlreadyUsed
	}

	var j pushedRequestJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to parse pushed request: %w", err)
	}

	s.logger.Debug("Redeemed pushed authorization request", "client_id", j.ClientID)
	return s.openPushedRequest(&j)
}

func (s *Store) openPushedRequest(j *pushedRequestJSON) (*storage.PushedAuthorizationRequest, error) {
	req := fromPushedRequestJSON(j)
	if enc := s.getEncryptor(); enc != nil && enc.IsEnabled() {
		opened, err := enc.Open(req.RequestData)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt request data: %w", err)
		}
		req.RequestData = opened
	}
	return req, nil
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient saves a registered client. Clients have no expiry; they persist
// until deleted.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	data, err := json.Marshal(toClientJSON(client))
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.clientKey(client.ClientID)).Value(string(data)).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	j, err := getJSON[clientJSON](ctx, s, s.clientKey(clientID), storage.ErrClientNotFound)
	if err != nil {
		return nil, err
	}
	return fromClientJSON(j), nil
}

// ValidateClientSecret validates a client's secret. A bcrypt comparison runs
// even for unknown clients so existence cannot be probed by timing.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	client, err := s.GetClient(ctx, clientID)
	if err != nil || client.ClientSecretHash == "" {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(clientSecret))
		if err != nil {
			return err
		}
		return bcrypt.ErrMismatchedHashAndPassword
	}

	return bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(clientSecret))
}
