package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/lumagate/oauth-grants/security"
	"github.com/lumagate/oauth-grants/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "grants:"

	// DefaultExpiredRetention is how long a grant row outlives its expires_at.
	// Keeping the row lets a late poll see ErrExpired instead of not-found.
	DefaultExpiredRetention = 10 * time.Minute

	// codeLogLength is the number of characters to include when logging codes
	codeLogLength = 8

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "grants:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// ExpiredRetention overrides how long expired rows linger before their
	// TTL removes them (default 10 minutes)
	ExpiredRetention time.Duration

	// ClockSkewGrace is the allowance applied to expiry checks, in Go and in
	// the Lua scripts. Zero means the 5-second default; a negative value
	// disables the grace entirely.
	ClockSkewGrace time.Duration
}

// Store is a Valkey-backed implementation of storage.GrantStore.
type Store struct {
	client    valkeygo.Client
	prefix    string
	logger    *slog.Logger
	retention time.Duration
	skew      time.Duration

	// encryptor provides optional encryption at rest for pushed request data.
	// Access must be synchronized via encryptorMu.
	encryptor   *security.BlobEncryptor
	encryptorMu sync.RWMutex
}

var _ storage.GrantStore = (*Store)(nil)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	retention := cfg.ExpiredRetention
	if retention <= 0 {
		retention = DefaultExpiredRetention
	}

	skew := cfg.ClockSkewGrace
	if skew == 0 {
		skew = security.DefaultClockSkewGracePeriod
	} else if skew < 0 {
		skew = 0
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}

	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey grant storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client:    client,
		prefix:    prefix,
		logger:    logger,
		retention: retention,
		skew:      skew,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey grant storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// SetEncryptor enables encryption at rest for pushed authorization request
// data. Device and backchannel rows hold no client payloads and stay plain.
func (s *Store) SetEncryptor(enc *security.BlobEncryptor) {
	s.encryptorMu.Lock()
	defer s.encryptorMu.Unlock()
	s.encryptor = enc
	if enc != nil && enc.IsEnabled() {
		s.logger.Info("Encryption at rest enabled for pushed request data")
	}
}

// getEncryptor returns the current encryptor (thread-safe)
func (s *Store) getEncryptor() *security.BlobEncryptor {
	s.encryptorMu.RLock()
	defer s.encryptorMu.RUnlock()
	return s.encryptor
}

func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// safeTruncate safely truncates a string to n characters
func safeTruncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// rowTTL calculates a key's TTL: time until expiry plus the retention window
// during which the expired row still answers polls with EXPIRED.
func (s *Store) rowTTL(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt) + s.retention
	if ttl <= 0 {
		return 0
	}
	return ttl
}

// graceSeconds is the clock-skew grace applied inside the Lua expiry checks.
func (s *Store) graceSeconds() int64 {
	return int64(s.skew / time.Second)
}

// ============================================================
// Key Helpers
// ============================================================

// deviceKey returns the key for a device grant: {prefix}device:{deviceCode}
func (s *Store) deviceKey(deviceCode string) string {
	return fmt.Sprintf("%sdevice:%s", s.prefix, deviceCode)
}

// userCodeKey returns the user-code index key: {prefix}usercode:{userCode}
func (s *Store) userCodeKey(userCode string) string {
	return fmt.Sprintf("%susercode:%s", s.prefix, userCode)
}

// backchannelKey returns the key for a CIBA request: {prefix}bc:{authReqID}
func (s *Store) backchannelKey(authReqID string) string {
	return fmt.Sprintf("%sbc:%s", s.prefix, authReqID)
}

// backchannelCodeKey returns the key for a CIBA auth code: {prefix}bccode:{code}
func (s *Store) backchannelCodeKey(code string) string {
	return fmt.Sprintf("%sbccode:%s", s.prefix, code)
}

// liveCodeKey returns the one-live-code marker: {prefix}bccode:live:{authReqID}
func (s *Store) liveCodeKey(authReqID string) string {
	return fmt.Sprintf("%sbccode:live:%s", s.prefix, authReqID)
}

// pushedKey returns the key for a pushed request: {prefix}par:{requestURI}
func (s *Store) pushedKey(requestURI string) string {
	return fmt.Sprintf("%spar:%s", s.prefix, requestURI)
}

// clientKey returns the key for a client: {prefix}client:{clientID}
func (s *Store) clientKey(clientID string) string {
	return fmt.Sprintf("%sclient:%s", s.prefix, clientID)
}

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================
//
// Each conditional state transition runs as a Lua script so the check and the
// update are a single atomic step in Valkey. Scripts return string sentinels
// (NOT_FOUND, EXPIRED, INVALID_STATE, ...) that grants.go maps back onto the
// storage sentinel errors. Expiry checks take the clock-skew grace as an
// argument so Lua and Go agree on what "expired" means.

// luaApproveDevice binds a user to a pending device grant.
//
// KEYS[1] = device grant key
// ARGV[1] = current Unix timestamp, ARGV[2] = grace seconds, ARGV[3] = user ID
//
// Returns the updated JSON, or NOT_FOUND / EXPIRED / INVALID_STATE.
const luaApproveDevice = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local grant = cjson.decode(data)

local now = tonumber(ARGV[1])
local grace = tonumber(ARGV[2])
if now > grant.expires_at + grace then
    return 'EXPIRED'
end

if grant.revoked or grant.user_authorized then
    return 'INVALID_STATE'
end

grant.user_id = ARGV[3]
grant.user_authorized = true
grant.updated_at = now

local updated = cjson.encode(grant)
redis.call('SET', KEYS[1], updated, 'KEEPTTL')
return updated
`

// luaDenyDevice revokes a pending device grant.
//
// KEYS[1] = device grant key
// ARGV[1] = current Unix timestamp, ARGV[2] = grace seconds
const luaDenyDevice = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local grant = cjson.decode(data)

local now = tonumber(ARGV[1])
local grace = tonumber(ARGV[2])
if now > grant.expires_at + grace then
    return 'EXPIRED'
end

if grant.revoked or grant.user_authorized then
    return 'INVALID_STATE'
end

grant.revoked = true
grant.updated_at = now

local updated = cjson.encode(grant)
redis.call('SET', KEYS[1], updated, 'KEEPTTL')
return updated
`

// luaConsumeDevice invalidates an authorized device grant after exchange.
// Two concurrent exchanges race here; the loser sees INVALID_STATE.
//
// KEYS[1] = device grant key
// ARGV[1] = current Unix timestamp, ARGV[2] = grace seconds
const luaConsumeDevice = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local grant = cjson.decode(data)

local now = tonumber(ARGV[1])
local grace = tonumber(ARGV[2])
if now > grant.expires_at + grace then
    return 'EXPIRED'
end

if grant.revoked or not grant.user_authorized then
    return 'INVALID_STATE'
end

grant.revoked = true
grant.updated_at = now

local updated = cjson.encode(grant)
redis.call('SET', KEYS[1], updated, 'KEEPTTL')
return updated
`

// luaTouchPoll records a poll attempt on any row carrying interval and
// last_polled_at fields (device grants and CIBA requests share the shape).
// If the previous poll was under interval seconds ago, the interval widens by
// the increment and the caller gets SLOW_DOWN. The timestamp is persisted in
// both branches so back-to-back violations keep widening.
//
// KEYS[1] = grant key
// ARGV[1] = current Unix timestamp, ARGV[2] = interval increment seconds
//
// Returns the updated JSON, 'SLOW_DOWN:'+updated JSON, or NOT_FOUND.
const luaTouchPoll = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local grant = cjson.decode(data)

local now = tonumber(ARGV[1])
local increment = tonumber(ARGV[2])

local tooFast = false
if grant.last_polled_at and grant.last_polled_at > 0 then
    if now - grant.last_polled_at < grant.interval then
        tooFast = true
    end
end

grant.last_polled_at = now
grant.updated_at = now
if tooFast then
    grant.interval = grant.interval + increment
end

local updated = cjson.encode(grant)
redis.call('SET', KEYS[1], updated, 'KEEPTTL')

if tooFast then
    return 'SLOW_DOWN:' .. updated
end
return updated
`

// luaDecideBackchannel settles a pending CIBA request.
//
// KEYS[1] = request key
// ARGV[1] = current Unix timestamp, ARGV[2] = grace seconds,
// ARGV[3] = target status ("authorized" or "denied"), ARGV[4] = user ID
const luaDecideBackchannel = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local req = cjson.decode(data)

local now = tonumber(ARGV[1])
local grace = tonumber(ARGV[2])
if now > req.expires_at + grace then
    return 'EXPIRED'
end

if req.status ~= 'pending' then
    return 'INVALID_STATE'
end

req.status = ARGV[3]
if ARGV[3] == 'authorized' then
    req.user_id = ARGV[4]
    req.authorized_at = now
else
    req.denied_at = now
end
req.updated_at = now

local updated = cjson.encode(req)
redis.call('SET', KEYS[1], updated, 'KEEPTTL')
return updated
`

// luaMarkBackchannelExpired flips a pending request to expired. A request
// that already settled is left alone and reports OK; the sweep never
// overrides a real decision.
//
// KEYS[1] = request key
// ARGV[1] = current Unix timestamp
const luaMarkBackchannelExpired = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local req = cjson.decode(data)
if req.status ~= 'pending' then
    return 'OK'
end

req.status = 'expired'
req.updated_at = tonumber(ARGV[1])
redis.call('SET', KEYS[1], cjson.encode(req), 'KEEPTTL')
return 'OK'
`

// luaCreateBackchannelCode mints the one-time code for an authorized request.
// The parent status check, the one-live-code check, and the insert are a
// single atomic step. The live marker carries the same TTL as the code, so a
// code that expires unredeemed frees the slot by itself.
//
// KEYS[1] = parent request key
// KEYS[2] = code key
// KEYS[3] = live-code marker key
// ARGV[1] = code JSON, ARGV[2] = code value, ARGV[3] = TTL seconds
const luaCreateBackchannelCode = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local req = cjson.decode(data)
if req.status ~= 'authorized' then
    return 'INVALID_STATE'
end

if redis.call('EXISTS', KEYS[3]) == 1 then
    return 'INVALID_STATE'
end

local ttl = tonumber(ARGV[3])
redis.call('SET', KEYS[2], ARGV[1], 'EX', ttl)
redis.call('SET', KEYS[3], ARGV[2], 'EX', ttl)
return 'OK'
`

// luaRedeemBackchannelCode revokes the code and consumes its parent request
// in one atomic step. Only ONE concurrent redemption can succeed; the loser
// sees ALREADY_CONSUMED.
//
// KEYS[1] = code key
// KEYS[2] = parent request key
// ARGV[1] = current Unix timestamp, ARGV[2] = grace seconds
//
// Returns the updated code JSON on success.
const luaRedeemBackchannelCode = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local code = cjson.decode(data)

if code.revoked then
    return 'ALREADY_CONSUMED'
end

local now = tonumber(ARGV[1])
local grace = tonumber(ARGV[2])
if now > code.expires_at + grace then
    return 'EXPIRED'
end

local parentData = redis.call('GET', KEYS[2])
if not parentData then
    return 'PARENT_NOT_FOUND'
end

local req = cjson.decode(parentData)
if req.status == 'consumed' then
    return 'ALREADY_CONSUMED'
end
if req.status ~= 'authorized' then
    return 'INVALID_STATE'
end

code.revoked = true
req.status = 'consumed'
req.updated_at = now

local updated = cjson.encode(code)
redis.call('SET', KEYS[1], updated, 'KEEPTTL')
redis.call('SET', KEYS[2], cjson.encode(req), 'KEEPTTL')
return updated
`

// luaRedeemPushed marks a pushed request used before its data is returned.
// A concurrent duplicate redemption observes used=true and gets ALREADY_USED.
//
// KEYS[1] = pushed request key
// ARGV[1] = current Unix timestamp, ARGV[2] = grace seconds
const luaRedeemPushed = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local req = cjson.decode(data)

if req.used then
    return 'ALREADY_USED'
end

local now = tonumber(ARGV[1])
local grace = tonumber(ARGV[2])
if now > req.expires_at + grace then
    return 'EXPIRED'
end

req.used = true
req.updated_at = now

local updated = cjson.encode(req)
redis.call('SET', KEYS[1], updated, 'KEEPTTL')
return updated
`
