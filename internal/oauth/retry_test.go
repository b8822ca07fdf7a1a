package oauth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastRetry = RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}

func TestRetry_TransientThenSuccess(t *testing.T) {
	calls := 0

	got, err := Retry(context.Background(), fastRetry, testLogger(), func() (string, error) {
		calls++
		if calls < 3 {
			return "", &TransportError{Step: StepRefresh, Err: errors.New("connection reset")}
		}

		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
}

func TestRetry_ProtocolErrorNotRetried(t *testing.T) {
	calls := 0

	_, err := Retry(context.Background(), fastRetry, testLogger(), func() (string, error) {
		calls++
		return "", &ProtocolError{Step: StepRefresh, Code: "invalid_grant"}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, IsProtocol(err))
}

func TestRetry_GivesUp(t *testing.T) {
	calls := 0

	_, err := Retry(context.Background(), fastRetry, testLogger(), func() (int, error) {
		calls++
		return 0, &TransportError{Step: StepRefresh, Err: errors.New("timeout")}
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, IsTransient(err))
}

func TestRetry_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0

	_, err := Retry(context.Background(), RetryPolicy{}, testLogger(), func() (int, error) {
		calls++
		return 0, &TransportError{Step: StepRefresh, Err: errors.New("x")}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
