package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nymproject/gateway-client/internal/gatewayerr"
)

// ReconnectPolicy bounds the reconnection supervisor: a fixed number of
// attempts separated by a fixed backoff, per spec §4.8 (no exponential
// backoff — that is a deliberate simplification from the teacher's
// doubling backoff, since the spec calls for a bounded, predictable retry
// budget rather than an open-ended one).
type ReconnectPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// DefaultReconnectPolicy matches the teacher's health-check cadence
// (5-second poll) translated into a bounded attempt budget.
var DefaultReconnectPolicy = ReconnectPolicy{MaxAttempts: 5, Backoff: 5 * time.Second}

// Reconnector drives ReconnectPolicy against a connect function. Run only
// calls connect (which, for a Client, dials and re-authenticates); it does
// not resend anything the caller was sending when the connection dropped
// and does not re-delegate the socket's read half.
type Reconnector struct {
	policy  ReconnectPolicy
	connect func(ctx context.Context) error
}

// NewReconnector builds a Reconnector that calls connect to attempt a
// fresh connection on each retry.
func NewReconnector(policy ReconnectPolicy, connect func(ctx context.Context) error) *Reconnector {
	return &Reconnector{policy: policy, connect: connect}
}

// Run attempts to reconnect only when err's kind says the transport is the
// reason the connection needs replacing (gatewayerr.ShouldReconnect); any
// other error kind is returned unchanged without retrying, since protocol,
// state, cryptographic, bandwidth, and registration failures are not
// connection problems a reconnect can fix.
func (r *Reconnector) Run(ctx context.Context, cause error) error {
	if !gatewayerr.ShouldReconnect(cause) {
		return cause
	}

	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		log.Warn().Int("attempt", attempt).Int("maxAttempts", r.policy.MaxAttempts).Msg("gateway: reconnecting")

		if err := r.connect(ctx); err != nil {
			lastErr = err
			log.Error().Err(err).Int("attempt", attempt).Msg("gateway: reconnect attempt failed")
			if attempt == r.policy.MaxAttempts {
				break
			}

			select {
			case <-ctx.Done():
				return gatewayerr.New(gatewayerr.KindTransport, "gateway.Reconnector.Run", ctx.Err())
			case <-time.After(r.policy.Backoff):
			}
			continue
		}

		log.Info().Int("attempt", attempt).Msg("gateway: reconnected")
		return nil
	}

	return gatewayerr.New(gatewayerr.KindTransport, "gateway.Reconnector.Run", fmt.Errorf("exhausted %d reconnect attempts: %w", r.policy.MaxAttempts, lastErr))
}
