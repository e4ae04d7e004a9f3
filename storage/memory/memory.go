package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/lumagate/oauth-grants/instrumentation"
	"github.com/lumagate/oauth-grants/security"
	"github.com/lumagate/oauth-grants/storage"
)

const (
	// DefaultCleanupInterval is how often the janitor sweeps expired rows
	DefaultCleanupInterval = 1 * time.Minute

	// DefaultRetention is how long an expired row is kept before deletion.
	// Keeping it around lets a late poll see ErrExpired instead of not-found.
	DefaultRetention = 10 * time.Minute
)

// dummyHash is compared against when a client is unknown, so secret
// validation takes the same time whether or not the client_id exists.
var dummyHash = []byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")

// Store is an in-memory GrantStore
type Store struct {
	mu sync.RWMutex

	devices       map[string]*storage.DeviceAuthorization // keyed by device_code
	userCodes     map[string]string                       // user_code -> device_code
	requests      map[string]*storage.BackchannelRequest  // keyed by auth_req_id
	codes         map[string]*storage.BackchannelAuthCode // keyed by code value
	liveCodeByReq map[string]string                       // auth_req_id -> live code value
	pushed        map[string]*storage.PushedAuthorizationRequest
	clients       map[string]*storage.Client

	logger  *slog.Logger
	metrics *instrumentation.Metrics

	cleanupInterval time.Duration
	retention       time.Duration
	skew            time.Duration
	stopCh          chan struct{}
	stopOnce        sync.Once
}

var _ storage.GrantStore = (*Store)(nil)

// Option configures a Store
type Option func(*Store)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithInstrumentation wires metrics for storage operations and registers the
// store-size gauges.
func WithInstrumentation(inst *instrumentation.Instrumentation) Option {
	return func(s *Store) {
		if inst == nil {
			return
		}
		s.metrics = inst.Metrics()
		_ = inst.RegisterGrantCountCallbacks(
			func() int64 { s.mu.RLock(); defer s.mu.RUnlock(); return int64(len(s.devices)) },
			func() int64 { s.mu.RLock(); defer s.mu.RUnlock(); return int64(len(s.requests)) },
			func() int64 { s.mu.RLock(); defer s.mu.RUnlock(); return int64(len(s.pushed)) },
		)
	}
}

// WithClockSkewGrace overrides the clock-skew allowance applied to expiry
// checks. Zero disables the grace entirely; negative values are treated as
// zero.
func WithClockSkewGrace(d time.Duration) Option {
	return func(s *Store) {
		if d < 0 {
			d = 0
		}
		s.skew = d
	}
}

// WithCleanupInterval overrides how often expired rows are swept
func WithCleanupInterval(interval time.Duration) Option {
	return func(s *Store) {
		if interval > 0 {
			s.cleanupInterval = interval
		}
	}
}

// WithRetention overrides how long expired rows linger before deletion
func WithRetention(retention time.Duration) Option {
	return func(s *Store) {
		if retention >= 0 {
			s.retention = retention
		}
	}
}

// NewStore creates a new in-memory store and starts its cleanup loop.
// Call Stop when done to release the janitor goroutine.
func NewStore(opts ...Option) *Store {
	s := &Store{
		devices:         make(map[string]*storage.DeviceAuthorization),
		userCodes:       make(map[string]string),
		requests:        make(map[string]*storage.BackchannelRequest),
		codes:           make(map[string]*storage.BackchannelAuthCode),
		liveCodeByReq:   make(map[string]string),
		pushed:          make(map[string]*storage.PushedAuthorizationRequest),
		clients:         make(map[string]*storage.Client),
		logger:          slog.Default(),
		cleanupInterval: DefaultCleanupInterval,
		retention:       DefaultRetention,
		skew:            security.DefaultClockSkewGracePeriod,
		stopCh:          make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

// Stop terminates the cleanup loop
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}

// expired judges an expiry timestamp with the store's clock-skew grace.
func (s *Store) expired(expiresAt time.Time) bool {
	return security.IsExpiredWithGracePeriod(expiresAt, s.skew)
}

func (s *Store) record(ctx context.Context, op string, start time.Time, err error) {
	if s.metrics != nil {
		s.metrics.RecordStorageOperation(ctx, op, time.Since(start), err)
	}
}

// --- DeviceAuthorizationStore ---

func (s *Store) SaveDeviceAuthorization(ctx context.Context, grant *storage.DeviceAuthorization) (err error) {
	start := time.Now()
	defer func() { s.record(ctx, "SaveDeviceAuthorization", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *grant
	s.devices[grant.DeviceCode] = &cp
	s.userCodes[grant.UserCode] = grant.DeviceCode
	return nil
}

func (s *Store) GetDeviceAuthorization(ctx context.Context, deviceCode string) (grant *storage.DeviceAuthorization, err error) {
	start := time.Now()
	defer func() { s.record(ctx, "GetDeviceAuthorization", start, err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.devices[deviceCode]
	if !ok {
		return nil, storage.ErrDeviceAuthorizationNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *Store) GetDeviceAuthorizationByUserCode(ctx context.Context, userCode string) (grant *storage.DeviceAuthorization, err error) {
	start := time.Now()
	defer func() { s.record(ctx, "GetDeviceAuthorizationByUserCode", start, err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	d, err := s.deviceByUserCodeLocked(userCode)
	if err != nil {
		return nil, err
	}
	cp := *d
	return &cp, nil
}

func (s *Store) deviceByUserCodeLocked(userCode string) (*storage.DeviceAuthorization, error) {
	deviceCode, ok := s.userCodes[userCode]
	if !ok {
		return nil, storage.ErrDeviceAuthorizationNotFound
	}
	d, ok := s.devices[deviceCode]
	if !ok {
		return nil, storage.ErrDeviceAuthorizationNotFound
	}
	return d, nil
}

func (s *Store) ApproveDeviceAuthorization(ctx context.Context, userCode, userID string) (grant *storage.DeviceAuthorization, err error) {
	start := time.Now()
	defer func() { s.record(ctx, "ApproveDeviceAuthorization", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.deviceByUserCodeLocked(userCode)
	if err != nil {
		return nil, err
	}
	if s.expired(d.ExpiresAt) {
		return nil, storage.ErrExpired
	}
	if d.Revoked || d.UserAuthorized {
		return nil, storage.ErrInvalidState
	}

	d.UserID = userID
	d.UserAuthorized = true
	d.UpdatedAt = time.Now()

	cp := *d
	return &cp, nil
}

func (s *Store) DenyDeviceAuthorization(ctx context.Context, userCode string) (grant *storage.DeviceAuthorization, err error) {
	start := time.Now()
	defer func() { s.record(ctx, "DenyDeviceAuthorization", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.deviceByUserCodeLocked(userCode)
	if err != nil {
		return nil, err
	}
	if s.expired(d.ExpiresAt) {
		return nil, storage.ErrExpired
	}
	if d.Revoked || d.UserAuthorized {
		return nil, storage.ErrInvalidState
	}

	d.Revoked = true
	d.UpdatedAt = time.Now()

	cp := *d
	return &cp, nil
}

func (s *Store) TouchDevicePoll(ctx context.Context, deviceCode string, now time.Time, increment int) (grant *storage.DeviceAuthorization, err error) {
	start := time.Now()
	defer func() { s.record(ctx, "TouchDevicePoll", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[deviceCode]
	if !ok {
		return nil, storage.ErrDeviceAuthorizationNotFound
	}

	tooFast := !d.LastPolledAt.IsZero() &&
		now.Sub(d.LastPolledAt) < time.Duration(d.Interval)*time.Second

	d.LastPolledAt = now
	d.UpdatedAt = now
	if tooFast {
		d.Interval += increment
		cp := *d
		return &cp, storage.ErrSlowDown
	}

	cp := *d
	return &cp, nil
}

func (s *Store) ConsumeDeviceAuthorization(ctx context.Context, deviceCode string) (grant *storage.DeviceAuthorization, err error) {
	start := time.Now()
	defer func() { s.record(ctx, "ConsumeDeviceAuthorization", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[deviceCode]
	if !ok {
		return nil, storage.ErrDeviceAuthorizationNotFound
	}
	if s.expired(d.ExpiresAt) {
		return nil, storage.ErrExpired
	}
	if d.Revoked || !d.UserAuthorized {
		return nil, storage.ErrInvalidState
	}

	// Revoking here is what makes the exchange one-shot: the grant stays
	// UserAuthorized but IsAuthorized goes false, so a second exchange
	// observes ErrInvalidState.
	d.Revoked = true
	d.UpdatedAt = time.Now()

	cp := *d
	return &cp, nil
}

// --- BackchannelStore ---

func (s *Store) SaveBackchannelRequest(ctx context.Context, req *storage.BackchannelRequest) (err error) {
	start := time.Now()
	defer func() { s.record(ctx, "SaveBackchannelRequest", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *req
	s.requests[req.AuthReqID] = &cp
	return nil
}

func (s *Store) GetBackchannelRequest(ctx context.Context, authReqID string) (req *storage.BackchannelRequest, err error) {
	start := time.Now()
	defer func() { s.record(ctx, "GetBackchannelRequest", start, err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.requests[authReqID]
	if !ok {
		return nil, storage.ErrBackchannelRequestNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *Store) AuthorizeBackchannelRequest(ctx context.Context, authReqID, userID string, now time.Time) (req *storage.BackchannelRequest, err error) {
	start := time.Now()
	defer func() { s.record(ctx, "AuthorizeBackchannelRequest", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requests[authReqID]
	if !ok {
		return nil, storage.ErrBackchannelRequestNotFound
	}
	if s.expired(r.ExpiresAt) {
		return nil, storage.ErrExpired
	}
	if r.Status != storage.BackchannelPending {
		return nil, storage.ErrInvalidState
	}

	r.Status = storage.BackchannelAuthorized
	r.UserID = userID
	r.AuthorizedAt = now
	r.UpdatedAt = now

	cp := *r
	return &cp, nil
}

func (s *Store) DenyBackchannelRequest(ctx context.Context, authReqID string, now time.Time) (req *storage.BackchannelRequest, err error) {
	start := time.Now()
	defer func() { s.record(ctx, "DenyBackchannelRequest", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requests[authReqID]
	if !ok {
		return nil, storage.ErrBackchannelRequestNotFound
	}
	if s.expired(r.ExpiresAt) {
		return nil, storage.ErrExpired
	}
	if r.Status != storage.BackchannelPending {
		return nil, storage.ErrInvalidState
	}

	r.Status = storage.BackchannelDenied
	r.DeniedAt = now
	r.UpdatedAt = now

	cp := *r
	return &cp, nil
}

func (s *Store) MarkBackchannelExpired(ctx context.Context, authReqID string) (err error) {
	start := time.Now()
	defer func() { s.record(ctx, "MarkBackchannelExpired", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requests[authReqID]
	if !ok {
		return storage.ErrBackchannelRequestNotFound
	}
	if r.Status != storage.BackchannelPending {
		// Already settled; the sweep never overrides a real decision.
		return nil
	}

	r.Status = storage.BackchannelExpired
	r.UpdatedAt = time.Now()
	return nil
}

func (s *Store) TouchBackchannelPoll(ctx context.Context, authReqID string, now time.Time, increment int) (req *storage.BackchannelRequest, err error) {
	start := time.Now()
	defer func() { s.record(ctx, "TouchBackchannelPoll", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requests[authReqID]
	if !ok {
		return nil, storage.ErrBackchannelRequestNotFound
	}

	tooFast := !r.LastPolledAt.IsZero() &&
		now.Sub(r.LastPolledAt) < time.Duration(r.Interval)*time.Second

	r.LastPolledAt = now
	r.UpdatedAt = now
	if tooFast {
		r.Interval += increment
		cp := *r
		return &cp, storage.ErrSlowDown
	}

	cp := *r
	return &cp, nil
}

func (s *Store) CreateBackchannelAuthCode(ctx context.Context, code *storage.BackchannelAuthCode) (err error) {
	start := time.Now()
	defer func() { s.record(ctx, "CreateBackchannelAuthCode", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.requests[code.AuthReqID]
	if !ok {
		return storage.ErrBackchannelRequestNotFound
	}
	if parent.Status != storage.BackchannelAuthorized {
		return storage.ErrInvalidState
	}
	if live, ok := s.liveCodeByReq[code.AuthReqID]; ok {
		if existing, ok := s.codes[live]; ok && !existing.Revoked && !s.expired(existing.ExpiresAt) {
			return storage.ErrInvalidState
		}
	}

	cp := *code
	s.codes[code.Code] = &cp
	s.liveCodeByReq[code.AuthReqID] = code.Code
	return nil
}

func (s *Store) GetBackchannelAuthCode(ctx context.Context, code string) (authCode *storage.BackchannelAuthCode, err error) {
	start := time.Now()
	defer func() { s.record(ctx, "GetBackchannelAuthCode", start, err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrBackchannelCodeNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) RedeemBackchannelAuthCode(ctx context.Context, code string) (authCode *storage.BackchannelAuthCode, err error) {
	start := time.Now()
	defer func() { s.record(ctx, "RedeemBackchannelAuthCode", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrBackchannelCodeNotFound
	}
	if c.Revoked {
		return nil, storage.ErrAlreadyConsumed
	}
	if s.expired(c.ExpiresAt) {
		return nil, storage.ErrExpired
	}

	parent, ok := s.requests[c.AuthReqID]
	if !ok {
		return nil, storage.ErrBackchannelRequestNotFound
	}
	if parent.Status == storage.BackchannelConsumed {
		return nil, storage.ErrAlreadyConsumed
	}
	if parent.Status != storage.BackchannelAuthorized {
		return nil, storage.ErrInvalidState
	}

	now := time.Now()
	c.Revoked = true
	parent.Status = storage.BackchannelConsumed
	parent.UpdatedAt = now

	cp := *c
	return &cp, nil
}

// --- PushedRequestStore ---

func (s *Store) SavePushedRequest(ctx context.Context, req *storage.PushedAuthorizationRequest) (err error) {
	start := time.Now()
	defer func() { s.record(ctx, "SavePushedRequest", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *req
	cp.RequestData = append([]byte(nil), req.RequestData...)
	s.pushed[req.RequestURI] = &cp
	return nil
}

func (s *Store) GetPushedRequest(ctx context.Context, requestURI string) (req *storage.PushedAuthorizationRequest, err error) {
	start := time.Now()
	defer func() { s.record(ctx, "GetPushedRequest", start, err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pushed[requestURI]
	if !ok {
		return nil, storage.ErrPushedRequestNotFound
	}
	cp := *p
	cp.RequestData = append([]byte(nil), p.RequestData...)
	return &cp, nil
}

func (s *Store) RedeemPushedRequest(ctx context.Context, requestURI string) (req *storage.PushedAuthorizationRequest, err error) {
	start := time.Now()
	defer func() { s.record(ctx, "RedeemPushedRequest", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pushed[requestURI]
	if !ok {
		return nil, storage.ErrPushedRequestNotFound
	}
	if p.Used {
		return nil, storage.ErrAlreadyUsed
	}
	if s.expired(p.ExpiresAt) {
		return nil, storage.ErrExpired
	}

	// Flip used before handing the data back; a concurrent duplicate waits on
	// the lock and then observes used=true.
	p.Used = true
	p.UpdatedAt = time.Now()

	cp := *p
	cp.RequestData = append([]byte(nil), p.RequestData...)
	return &cp, nil
}

// --- ClientStore ---

func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	start := time.Now()
	defer func() { s.record(ctx, "SaveClient", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *client
	s.clients[client.ClientID] = &cp
	return nil
}

func (s *Store) GetClient(ctx context.Context, clientID string) (client *storage.Client, err error) {
	start := time.Now()
	defer func() { s.record(ctx, "GetClient", start, err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrClientNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) (err error) {
	start := time.Now()
	defer func() { s.record(ctx, "ValidateClientSecret", start, err) }()

	s.mu.RLock()
	c, ok := s.clients[clientID]
	var hash string
	if ok {
		hash = c.ClientSecretHash
	}
	s.mu.RUnlock()

	if !ok || hash == "" {
		// Burn a bcrypt comparison anyway so unknown clients and public
		// clients are indistinguishable from a wrong secret by timing.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(clientSecret))
		if !ok {
			return storage.ErrClientNotFound
		}
		return bcrypt.ErrMismatchedHashAndPassword
	}

	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(clientSecret))
}

// --- housekeeping ---

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.cleanupExpired()
		}
	}
}

func (s *Store) cleanupExpired() {
	cutoff := time.Now().Add(-s.retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int

	for deviceCode, d := range s.devices {
		if d.ExpiresAt.Before(cutoff) {
			delete(s.userCodes, d.UserCode)
			delete(s.devices, deviceCode)
			removed++
		}
	}

	for authReqID, r := range s.requests {
		if r.Status == storage.BackchannelPending && s.expired(r.ExpiresAt) {
			r.Status = storage.BackchannelExpired
			r.UpdatedAt = time.Now()
		}
		if r.ExpiresAt.Before(cutoff) {
			delete(s.liveCodeByReq, authReqID)
			delete(s.requests, authReqID)
			removed++
		}
	}

	for code, c := range s.codes {
		if c.ExpiresAt.Before(cutoff) {
			delete(s.codes, code)
			removed++
		}
	}

	for requestURI, p := range s.pushed {
		if p.ExpiresAt.Before(cutoff) {
			delete(s.pushed, requestURI)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug("cleaned up expired grants", "removed", removed)
	}
}
