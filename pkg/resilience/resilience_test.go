package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"delivery failed", errors.New("sendUnicast failed: DELIVERY_FAILED"), KindTransient},
		{"mac no ack", errors.New("MAC_NO_ACK"), KindTransient},
		{"channel access", errors.New("MAC_CHANNEL_ACCESS_FAILURE"), KindTransient},
		{"no buffers", errors.New("EZSP_ERROR_NO_BUFFERS"), KindTransient},
		{"network busy", errors.New("NETWORK_BUSY"), KindTransient},
		{"timeout text", errors.New("timeout waiting for EZSP response"), KindTransient},
		{"not found", errors.New("NOT_FOUND"), KindPermanent},
		{"invalid parameter", errors.New("INVALID_PARAMETER"), KindPermanent},
		{"table full", errors.New("TABLE_FULL"), KindPermanent},
		{"device not found", errors.New("device not found"), KindPermanent},
		{"context deadline", context.DeadlineExceeded, KindTimeout},
		{"ncp failure typed", NcpFailure("DELIVERY_FAILED"), KindNcpFailure},
		{"unknown defaults transient", errors.New("mystery"), KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestRetryTransientSucceedsEventually(t *testing.T) {
	var attempts atomic.Int32
	cfg := RetryConfig{MaxRetries: 3, BackoffBase: time.Millisecond, BackoffCap: 5 * time.Millisecond}

	err := Retry(context.Background(), nil, cfg, "test", func(ctx context.Context) error {
		if attempts.Add(1) < 3 {
			return errors.New("MAC_NO_ACK")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestRetryPermanentFailsImmediately(t *testing.T) {
	var attempts atomic.Int32
	cfg := RetryConfig{MaxRetries: 3, BackoffBase: time.Millisecond}

	err := Retry(context.Background(), nil, cfg, "test", func(ctx context.Context) error {
		attempts.Add(1)
		return errors.New("INVALID_PARAMETER")
	})
	require.Error(t, err)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestRetryExhaustsBudget(t *testing.T) {
	var attempts atomic.Int32
	cfg := RetryConfig{MaxRetries: 2, BackoffBase: time.Millisecond}

	err := Retry(context.Background(), nil, cfg, "test", func(ctx context.Context) error {
		attempts.Add(1)
		return errors.New("NETWORK_BUSY")
	})
	require.Error(t, err)
	assert.Equal(t, int32(3), attempts.Load()) // initial + 2 retries
}

func TestRetryRoutesNcpFailureToSupervisor(t *testing.T) {
	sup := NewSupervisor(func(ctx context.Context) error { return nil })
	sup.SetState(StateConnected, "test")
	sup.recoveryBackoff = time.Millisecond

	cfg := RetryConfig{MaxRetries: 3, BackoffBase: time.Millisecond}
	err := Retry(context.Background(), sup, cfg, "test", func(ctx context.Context) error {
		return NcpFailure("DELIVERY_FAILED")
	})
	require.Error(t, err)
	assert.True(t, IsNcpFailure(err))

	stats := sup.GetStats()
	assert.Equal(t, 1, stats.NcpFailures)
}

func TestSupervisorRecoveryCycle(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)

	sup := NewSupervisor(func(ctx context.Context) error {
		if healthy.Load() {
			return nil
		}
		return errors.New("still down")
	})
	sup.recoveryBackoff = time.Millisecond
	sup.SetState(StateConnected, "test")

	var transitions []ConnectionState
	sup.SetStateListener(func(_, newState ConnectionState, _ string) {
		transitions = append(transitions, newState)
	})

	// Connected -> Recovering -> Connected with a successful probe.
	ok := sup.HandleNcpFailure(errors.New("DELIVERY_FAILED"))
	assert.True(t, ok)

	stats := sup.GetStats()
	assert.Equal(t, 1, stats.RecoveriesAttempted)
	assert.Equal(t, 1, stats.RecoveriesSuccessful)
	assert.Equal(t, StateConnected, sup.State())
	require.Len(t, transitions, 2)
	assert.Equal(t, StateRecovering, transitions[0])
	assert.Equal(t, StateConnected, transitions[1])
}

func TestSupervisorMaxRecoveryAttempts(t *testing.T) {
	sup := NewSupervisor(func(ctx context.Context) error { return errors.New("dead") })
	sup.recoveryBackoff = time.Millisecond
	sup.SetState(StateConnected, "test")

	for i := 0; i < 4; i++ {
		sup.HandleNcpFailure(errors.New("DELIVERY_FAILED"))
	}
	assert.Equal(t, StateFailed, sup.State())
}

func TestSupervisorWatchdogFeedResetsFailures(t *testing.T) {
	sup := NewSupervisor(nil)
	sup.watchdogFailures = 2
	sup.FeedWatchdog()
	assert.Equal(t, 0, sup.watchdogFailures)
	assert.Less(t, sup.WatchdogAge(), time.Second)
}
