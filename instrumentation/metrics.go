package instrumentation

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the library
type Metrics struct {
	// Device grant flow metrics
	DeviceAuthorizationsIssued metric.Int64Counter
	DeviceApprovals            metric.Int64Counter
	DeviceDenials              metric.Int64Counter
	DevicePolls                metric.Int64Counter
	DeviceSlowDowns            metric.Int64Counter
	DeviceExchanges            metric.Int64Counter

	// Backchannel (CIBA) flow metrics
	BackchannelRequestsIssued metric.Int64Counter
	BackchannelDecisions      metric.Int64Counter
	BackchannelCodesIssued    metric.Int64Counter
	BackchannelRedemptions    metric.Int64Counter

	// Pushed authorization request metrics
	PushedRequestsAccepted metric.Int64Counter
	PushedRedemptions      metric.Int64Counter

	// Cross-cutting metrics
	PKCEFailures   metric.Int64Counter
	ReplaysBlocked metric.Int64Counter
	TokensIssued   metric.Int64Counter

	// Storage metrics
	StorageOperations        metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageErrors            metric.Int64Counter

	// Observable gauges, fed by RegisterGrantCountCallbacks
	StorageDeviceGrants        metric.Int64ObservableGauge
	StorageBackchannelRequests metric.Int64ObservableGauge
	StoragePushedRequests      metric.Int64ObservableGauge
}

func newMetrics(inst *Instrumentation) (*Metrics, error) {
	serverMeter := inst.Meter("server")
	storageMeter := inst.Meter("storage")

	m := &Metrics{}
	var err error

	m.DeviceAuthorizationsIssued, err = serverMeter.Int64Counter(
		"grants.device.issued",
		metric.WithDescription("Device authorizations issued"),
		metric.WithUnit("{authorization}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grants.device.issued counter: %w", err)
	}

	m.DeviceApprovals, err = serverMeter.Int64Counter(
		"grants.device.approvals",
		metric.WithDescription("Device authorizations approved by a user"),
		metric.WithUnit("{authorization}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grants.device.approvals counter: %w", err)
	}

	m.DeviceDenials, err = serverMeter.Int64Counter(
		"grants.device.denials",
		metric.WithDescription("Device authorizations denied by a user"),
		metric.WithUnit("{authorization}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grants.device.denials counter: %w", err)
	}

	m.DevicePolls, err = serverMeter.Int64Counter(
		"grants.device.polls",
		metric.WithDescription("Device token polls by result"),
		metric.WithUnit("{poll}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grants.device.polls counter: %w", err)
	}

	m.DeviceSlowDowns, err = serverMeter.Int64Counter(
		"grants.device.slow_down",
		metric.WithDescription("Device polls rejected for polling too fast"),
		metric.WithUnit("{poll}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grants.device.slow_down counter: %w", err)
	}

	m.DeviceExchanges, err = serverMeter.Int64Counter(
		"grants.device.exchanges",
		metric.WithDescription("Device codes successfully exchanged for tokens"),
		metric.WithUnit("{exchange}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grants.device.exchanges counter: %w", err)
	}

	m.BackchannelRequestsIssued, err = serverMeter.Int64Counter(
		"grants.backchannel.issued",
		metric.WithDescription("Backchannel authentication requests issued"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grants.backchannel.issued counter: %w", err)
	}

	m.BackchannelDecisions, err = serverMeter.Int64Counter(
		"grants.backchannel.decisions",
		metric.WithDescription("Backchannel requests decided, by outcome"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grants.backchannel.decisions counter: %w", err)
	}

	m.BackchannelCodesIssued, err = serverMeter.Int64Counter(
		"grants.backchannel.codes_issued",
		metric.WithDescription("Authorization codes issued for authorized backchannel requests"),
		metric.WithUnit("{code}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grants.backchannel.codes_issued counter: %w", err)
	}

	m.BackchannelRedemptions, err = serverMeter.Int64Counter(
		"grants.backchannel.redemptions",
		metric.WithDescription("Backchannel authorization codes redeemed"),
		metric.WithUnit("{redemption}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grants.backchannel.redemptions counter: %w", err)
	}

	m.PushedRequestsAccepted, err = serverMeter.Int64Counter(
		"grants.par.pushed",
		metric.WithDescription("Pushed authorization requests accepted"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grants.par.pushed counter: %w", err)
	}

	m.PushedRedemptions, err = serverMeter.Int64Counter(
		"grants.par.redemptions",
		metric.WithDescription("Pushed authorization requests redeemed"),
		metric.WithUnit("{redemption}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grants.par.redemptions counter: %w", err)
	}

	m.PKCEFailures, err = serverMeter.Int64Counter(
		"grants.pkce.failures",
		metric.WithDescription("PKCE verification failures"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grants.pkce.failures counter: %w", err)
	}

	m.ReplaysBlocked, err = serverMeter.Int64Counter(
		"grants.replays_blocked",
		metric.WithDescription("Attempts to reuse an already-consumed artifact"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grants.replays_blocked counter: %w", err)
	}

	m.TokensIssued, err = serverMeter.Int64Counter(
		"grants.tokens.issued",
		metric.WithDescription("Access tokens issued across all grant types"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grants.tokens.issued counter: %w", err)
	}

	m.StorageOperations, err = storageMeter.Int64Counter(
		"grants.storage.operations",
		metric.WithDescription("Storage operations performed"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grants.storage.operations counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"grants.storage.operation.duration",
		metric.WithDescription("Storage operation duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grants.storage.operation.duration histogram: %w", err)
	}

	m.StorageErrors, err = storageMeter.Int64Counter(
		"grants.storage.errors",
		metric.WithDescription("Storage operations that returned an error"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grants.storage.errors counter: %w", err)
	}

	m.StorageDeviceGrants, err = storageMeter.Int64ObservableGauge(
		"grants.storage.device_grants",
		metric.WithDescription("Current number of device authorizations in storage"),
		metric.WithUnit("{authorization}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grants.storage.device_grants gauge: %w", err)
	}

	m.StorageBackchannelRequests, err = storageMeter.Int64ObservableGauge(
		"grants.storage.backchannel_requests",
		metric.WithDescription("Current number of backchannel requests in storage"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grants.storage.backchannel_requests gauge: %w", err)
	}

	m.StoragePushedRequests, err = storageMeter.Int64ObservableGauge(
		"grants.storage.pushed_requests",
		metric.WithDescription("Current number of pushed authorization requests in storage"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grants.storage.pushed_requests gauge: %w", err)
	}

	return m, nil
}

// RecordStorageOperation records a storage operation with its duration and
// outcome. Store implementations call this from a deferred helper so every
// operation is counted exactly once.
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}

	status := "success"
	if err != nil {
		status = "error"
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	m.StorageOperations.Add(ctx, 1, attrs)
	m.StorageOperationDuration.Record(ctx, duration.Seconds(), attrs)
	if err != nil {
		m.StorageErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
	}
}

// RecordPoll records a token-endpoint poll outcome for either polling flow.
// flow is "device" or "backchannel"; result is the OAuth error code returned,
// or "success" when tokens were issued.
func (m *Metrics) RecordPoll(ctx context.Context, flow, result string) {
	if m == nil {
		return
	}
	m.DevicePolls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("flow", flow),
		attribute.String("result", result),
	))
}
