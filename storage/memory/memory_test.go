package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"golang.org/x/crypto/bcrypt"

	"github.com/lumagate/oauth-grants/instrumentation"
	"github.com/lumagate/oauth-grants/internal/testutil"
	"github.com/lumagate/oauth-grants/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(WithCleanupInterval(time.Hour))
	t.Cleanup(s.Stop)
	return s
}

func TestDeviceAuthorizationLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	grant := testutil.NewDeviceAuthorization()
	testutil.RequireNoError(t, s.SaveDeviceAuthorization(ctx, grant))

	byCode, err := s.GetDeviceAuthorization(ctx, grant.DeviceCode)
	testutil.RequireNoError(t, err)
	testutil.RequireEqual(t, byCode.UserCode, grant.UserCode)

	byUserCode, err := s.GetDeviceAuthorizationByUserCode(ctx, grant.UserCode)
	testutil.RequireNoError(t, err)
	testutil.RequireEqual(t, byUserCode.DeviceCode, grant.DeviceCode)

	approved, err := s.ApproveDeviceAuthorization(ctx, grant.UserCode, "user-1")
	testutil.RequireNoError(t, err)
	if !approved.UserAuthorized || approved.UserID != "user-1" {
		t.Fatalf("approval not recorded: %+v", approved)
	}

	consumed, err := s.ConsumeDeviceAuthorization(ctx, grant.DeviceCode)
	testutil.RequireNoError(t, err)
	if !consumed.Revoked {
		t.Fatal("consume did not revoke the grant")
	}

	// Second exchange attempt loses.
	_, err = s.ConsumeDeviceAuthorization(ctx, grant.DeviceCode)
	testutil.RequireErrorIs(t, err, storage.ErrInvalidState)
}

func TestDeviceApproveDecidedGrant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	grant := testutil.NewDeviceAuthorization()
	testutil.RequireNoError(t, s.SaveDeviceAuthorization(ctx, grant))

	_, err := s.ApproveDeviceAuthorization(ctx, grant.UserCode, "user-1")
	testutil.RequireNoError(t, err)

	// A repeat approval and a late denial both observe the decided state.
	_, err = s.ApproveDeviceAuthorization(ctx, grant.UserCode, "user-2")
	testutil.RequireErrorIs(t, err, storage.ErrInvalidState)

	_, err = s.DenyDeviceAuthorization(ctx, grant.UserCode)
	testutil.RequireErrorIs(t, err, storage.ErrInvalidState)

	// The first approval's binding survives.
	stored, err := s.GetDeviceAuthorization(ctx, grant.DeviceCode)
	testutil.RequireNoError(t, err)
	testutil.RequireEqual(t, stored.UserID, "user-1")
}

func TestDeviceApproveExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	grant := testutil.NewDeviceAuthorization(func(d *storage.DeviceAuthorization) {
		d.ExpiresAt = time.Now().Add(-time.Minute)
	})
	testutil.RequireNoError(t, s.SaveDeviceAuthorization(ctx, grant))

	_, err := s.ApproveDeviceAuthorization(ctx, grant.UserCode, "user-1")
	testutil.RequireErrorIs(t, err, storage.ErrExpired)
}

func TestDeviceUnknownCode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetDeviceAuthorization(ctx, "nope")
	testutil.RequireErrorIs(t, err, storage.ErrDeviceAuthorizationNotFound)

	_, err = s.ApproveDeviceAuthorization(ctx, "XXXX-YYYY", "user-1")
	testutil.RequireErrorIs(t, err, storage.ErrDeviceAuthorizationNotFound)
}

func TestTouchDevicePollSlowDown(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	grant := testutil.NewDeviceAuthorization()
	testutil.RequireNoError(t, s.SaveDeviceAuthorization(ctx, grant))

	base := time.Now()

	// First poll always passes.
	first, err := s.TouchDevicePoll(ctx, grant.DeviceCode, base, 5)
	testutil.RequireNoError(t, err)
	testutil.RequireEqual(t, first.Interval, 5)

	// Second poll 2s later violates the 5s interval: widened to 10.
	second, err := s.TouchDevicePoll(ctx, grant.DeviceCode, base.Add(2*time.Second), 5)
	testutil.RequireErrorIs(t, err, storage.ErrSlowDown)
	testutil.RequireEqual(t, second.Interval, 10)

	// 6s after the violation is still under the widened interval; the
	// violation timestamp was persisted, so this widens again.
	third, err := s.TouchDevicePoll(ctx, grant.DeviceCode, base.Add(8*time.Second), 5)
	testutil.RequireErrorIs(t, err, storage.ErrSlowDown)
	testutil.RequireEqual(t, third.Interval, 15)

	// Respecting the widened interval clears the violation.
	fourth, err := s.TouchDevicePoll(ctx, grant.DeviceCode, base.Add(25*time.Second), 5)
	testutil.RequireNoError(t, err)
	testutil.RequireEqual(t, fourth.Interval, 15)
}

func TestConcurrentDeviceConsume(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	grant := testutil.NewDeviceAuthorization()
	testutil.RequireNoError(t, s.SaveDeviceAuthorization(ctx, grant))
	_, err := s.ApproveDeviceAuthorization(ctx, grant.UserCode, "user-1")
	testutil.RequireNoError(t, err)

	const racers = 16
	var wg sync.WaitGroup
	errs := make([]error, racers)

	for i := range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = s.ConsumeDeviceAuthorization(ctx, grant.DeviceCode)
		}()
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, storage.ErrInvalidState):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	testutil.RequireEqual(t, wins, 1)
}

func TestBackchannelLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	req := testutil.NewBackchannelRequest()
	testutil.RequireNoError(t, s.SaveBackchannelRequest(ctx, req))

	authorized, err := s.AuthorizeBackchannelRequest(ctx, req.AuthReqID, "user-1", now)
	testutil.RequireNoError(t, err)
	testutil.RequireEqual(t, authorized.Status, storage.BackchannelAuthorized)
	testutil.RequireEqual(t, authorized.UserID, "user-1")

	// A late denial observes the decided state.
	_, err = s.DenyBackchannelRequest(ctx, req.AuthReqID, now)
	testutil.RequireErrorIs(t, err, storage.ErrInvalidState)

	code := testutil.NewBackchannelAuthCode()
	testutil.RequireNoError(t, s.CreateBackchannelAuthCode(ctx, code))

	// One live code per request.
	dup := testutil.NewBackchannelAuthCode(func(c *storage.BackchannelAuthCode) {
		c.ID = "0190a1b2-0000-7000-8000-00000000000f"
		c.Code = "another-code-value-0000000000000000000000000000000000000000000000"
	})
	testutil.RequireErrorIs(t, s.CreateBackchannelAuthCode(ctx, dup), storage.ErrInvalidState)

	redeemed, err := s.RedeemBackchannelAuthCode(ctx, code.Code)
	testutil.RequireNoError(t, err)
	if !redeemed.Revoked {
		t.Fatal("redemption did not revoke the code")
	}

	parent, err := s.GetBackchannelRequest(ctx, req.AuthReqID)
	testutil.RequireNoError(t, err)
	testutil.RequireEqual(t, parent.Status, storage.BackchannelConsumed)

	// Replay loses.
	_, err = s.RedeemBackchannelAuthCode(ctx, code.Code)
	testutil.RequireErrorIs(t, err, storage.ErrAlreadyConsumed)
}

func TestBackchannelCodeForPendingRequest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	req := testutil.NewBackchannelRequest()
	testutil.RequireNoError(t, s.SaveBackchannelRequest(ctx, req))

	// Minting a code before authorization violates the state machine.
	code := testutil.NewBackchannelAuthCode()
	testutil.RequireErrorIs(t, s.CreateBackchannelAuthCode(ctx, code), storage.ErrInvalidState)
}

func TestBackchannelPollSlowDown(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	req := testutil.NewBackchannelRequest()
	testutil.RequireNoError(t, s.SaveBackchannelRequest(ctx, req))

	base := time.Now()
	_, err := s.TouchBackchannelPoll(ctx, req.AuthReqID, base, 5)
	testutil.RequireNoError(t, err)

	widened, err := s.TouchBackchannelPoll(ctx, req.AuthReqID, base.Add(time.Second), 5)
	testutil.RequireErrorIs(t, err, storage.ErrSlowDown)
	testutil.RequireEqual(t, widened.Interval, 10)
}

func TestMarkBackchannelExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	req := testutil.NewBackchannelRequest()
	testutil.RequireNoError(t, s.SaveBackchannelRequest(ctx, req))
	testutil.RequireNoError(t, s.MarkBackchannelExpired(ctx, req.AuthReqID))

	stored, err := s.GetBackchannelRequest(ctx, req.AuthReqID)
	testutil.RequireNoError(t, err)
	testutil.RequireEqual(t, stored.Status, storage.BackchannelExpired)

	// The sweep never overrides a settled request.
	denied := testutil.NewBackchannelRequest(func(r *storage.BackchannelRequest) {
		r.AuthReqID = "urn:ietf:params:oauth:ciba:auth-req-id:other"
		r.Status = storage.BackchannelDenied
	})
	testutil.RequireNoError(t, s.SaveBackchannelRequest(ctx, denied))
	testutil.RequireNoError(t, s.MarkBackchannelExpired(ctx, denied.AuthReqID))

	stored, err = s.GetBackchannelRequest(ctx, denied.AuthReqID)
	testutil.RequireNoError(t, err)
	testutil.RequireEqual(t, stored.Status, storage.BackchannelDenied)
}

func TestConcurrentBackchannelRedemption(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	req := testutil.NewBackchannelRequest()
	testutil.RequireNoError(t, s.SaveBackchannelRequest(ctx, req))
	_, err := s.AuthorizeBackchannelRequest(ctx, req.AuthReqID, "user-1", time.Now())
	testutil.RequireNoError(t, err)

	code := testutil.NewBackchannelAuthCode()
	testutil.RequireNoError(t, s.CreateBackchannelAuthCode(ctx, code))

	const racers = 16
	var wg sync.WaitGroup
	errs := make([]error, racers)

	for i := range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = s.RedeemBackchannelAuthCode(ctx, code.Code)
		}()
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, storage.ErrAlreadyConsumed):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	testutil.RequireEqual(t, wins, 1)
}

func TestPushedRequestRedemption(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	req := testutil.NewPushedRequest()
	testutil.RequireNoError(t, s.SavePushedRequest(ctx, req))

	redeemed, err := s.RedeemPushedRequest(ctx, req.RequestURI)
	testutil.RequireNoError(t, err)
	if !redeemed.Used {
		t.Fatal("redemption did not mark the request used")
	}
	if string(redeemed.RequestData) != string(req.RequestData) {
		t.Fatal("request data corrupted through redemption")
	}

	_, err = s.RedeemPushedRequest(ctx, req.RequestURI)
	testutil.RequireErrorIs(t, err, storage.ErrAlreadyUsed)
}

func TestPushedRequestExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	req := testutil.NewPushedRequest(func(p *storage.PushedAuthorizationRequest) {
		p.ExpiresAt = time.Now().Add(-time.Minute)
	})
	testutil.RequireNoError(t, s.SavePushedRequest(ctx, req))

	_, err := s.RedeemPushedRequest(ctx, req.RequestURI)
	testutil.RequireErrorIs(t, err, storage.ErrExpired)
}

func TestConcurrentPushedRedemption(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	req := testutil.NewPushedRequest()
	testutil.RequireNoError(t, s.SavePushedRequest(ctx, req))

	const racers = 16
	var wg sync.WaitGroup
	errs := make([]error, racers)

	for i := range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = s.RedeemPushedRequest(ctx, req.RequestURI)
		}()
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, storage.ErrAlreadyUsed):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	testutil.RequireEqual(t, wins, 1)
}

func TestValidateClientSecret(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	testutil.RequireNoError(t, err)

	client := testutil.NewClient(func(c *storage.Client) {
		c.ClientType = "confidential"
		c.ClientSecretHash = string(hash)
	})
	testutil.RequireNoError(t, s.SaveClient(ctx, client))

	testutil.RequireNoError(t, s.ValidateClientSecret(ctx, client.ClientID, "s3cret"))

	if err := s.ValidateClientSecret(ctx, client.ClientID, "wrong"); err == nil {
		t.Fatal("wrong secret accepted")
	}
	testutil.RequireErrorIs(t,
		s.ValidateClientSecret(ctx, "ghost", "s3cret"),
		storage.ErrClientNotFound)
}

func TestCleanupExpired(t *testing.T) {
	s := NewStore(WithCleanupInterval(time.Hour), WithRetention(0))
	defer s.Stop()
	ctx := context.Background()

	stale := testutil.NewDeviceAuthorization(func(d *storage.DeviceAuthorization) {
		d.ExpiresAt = time.Now().Add(-time.Minute)
	})
	fresh := testutil.NewDeviceAuthorization(func(d *storage.DeviceAuthorization) {
		d.DeviceCode = "fresh-device-code-000000000000000000000000000000000000000000000"
		d.UserCode = "FRSH-CODE"
	})
	testutil.RequireNoError(t, s.SaveDeviceAuthorization(ctx, stale))
	testutil.RequireNoError(t, s.SaveDeviceAuthorization(ctx, fresh))

	s.cleanupExpired()

	_, err := s.GetDeviceAuthorization(ctx, stale.DeviceCode)
	testutil.RequireErrorIs(t, err, storage.ErrDeviceAuthorizationNotFound)

	_, err = s.GetDeviceAuthorization(ctx, fresh.DeviceCode)
	testutil.RequireNoError(t, err)
}

func TestStorageMetricsRecordErrors(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	inst, err := instrumentation.New(instrumentation.Config{
		Enabled:       true,
		MeterProvider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
	})
	testutil.RequireNoError(t, err)

	s := NewStore(WithCleanupInterval(time.Hour), WithInstrumentation(inst))
	defer s.Stop()
	ctx := context.Background()

	grant := testutil.NewDeviceAuthorization()
	testutil.RequireNoError(t, s.SaveDeviceAuthorization(ctx, grant))
	_, err = s.GetDeviceAuthorization(ctx, "nope")
	testutil.RequireErrorIs(t, err, storage.ErrDeviceAuthorizationNotFound)

	var rm metricdata.ResourceMetrics
	testutil.RequireNoError(t, reader.Collect(ctx, &rm))

	var errorCount int64
	statuses := map[string]int64{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			switch m.Name {
			case "grants.storage.errors":
				sum, ok := m.Data.(metricdata.Sum[int64])
				if !ok {
					t.Fatalf("unexpected data type for %s: %T", m.Name, m.Data)
				}
				for _, dp := range sum.DataPoints {
					errorCount += dp.Value
				}
			case "grants.storage.operations":
				sum, ok := m.Data.(metricdata.Sum[int64])
				if !ok {
					t.Fatalf("unexpected data type for %s: %T", m.Name, m.Data)
				}
				for _, dp := range sum.DataPoints {
					if status, ok := dp.Attributes.Value("status"); ok {
						statuses[status.AsString()] += dp.Value
					}
				}
			}
		}
	}

	// The failed lookup must land in the error counters, not just the
	// success-path counts.
	if errorCount == 0 {
		t.Fatal("failed operation did not increment grants.storage.errors")
	}
	if statuses["error"] == 0 {
		t.Fatalf("no error-status operations recorded, got %v", statuses)
	}
	if statuses["success"] == 0 {
		t.Fatalf("no success-status operations recorded, got %v", statuses)
	}
}

func TestClockSkewGrace(t *testing.T) {
	ctx := context.Background()

	// 2s past expiry: inside the default 5s grace.
	recent := func() *storage.DeviceAuthorization {
		return testutil.NewDeviceAuthorization(func(d *storage.DeviceAuthorization) {
			d.ExpiresAt = time.Now().Add(-2 * time.Second)
		})
	}

	lenient := newTestStore(t)
	grant := recent()
	testutil.RequireNoError(t, lenient.SaveDeviceAuthorization(ctx, grant))
	_, err := lenient.ApproveDeviceAuthorization(ctx, grant.UserCode, "user-1")
	testutil.RequireNoError(t, err)

	// With the grace disabled the same grant is already expired.
	strict := NewStore(WithCleanupInterval(time.Hour), WithClockSkewGrace(0))
	t.Cleanup(strict.Stop)
	grant = recent()
	testutil.RequireNoError(t, strict.SaveDeviceAuthorization(ctx, grant))
	_, err = strict.ApproveDeviceAuthorization(ctx, grant.UserCode, "user-1")
	testutil.RequireErrorIs(t, err, storage.ErrExpired)

	req := testutil.NewBackchannelRequest(func(r *storage.BackchannelRequest) {
		r.ExpiresAt = time.Now().Add(-2 * time.Second)
	})
	testutil.RequireNoError(t, strict.SaveBackchannelRequest(ctx, req))
	_, err = strict.AuthorizeBackchannelRequest(ctx, req.AuthReqID, "user-1", time.Now())
	testutil.RequireErrorIs(t, err, storage.ErrExpired)

	pushed := testutil.NewPushedRequest(func(p *storage.PushedAuthorizationRequest) {
		p.ExpiresAt = time.Now().Add(-2 * time.Second)
	})
	testutil.RequireNoError(t, strict.SavePushedRequest(ctx, pushed))
	_, err = strict.RedeemPushedRequest(ctx, pushed.RequestURI)
	testutil.RequireErrorIs(t, err, storage.ErrExpired)
}
