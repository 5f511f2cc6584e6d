package resilience

import (
	"context"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "deadline exceeded" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"net timeout", &net.OpError{Op: "dial", Err: timeoutErr{}}, true},
		{"conn reset", syscall.ECONNRESET, true},
		{"conn refused", eris.Wrap(syscall.ECONNREFUSED, "call upstream"), true},
		{"dns failure", eris.New("lookup api.example.com: no such host"), true},
		{"rate limited", eris.New("too many requests"), true},
		{"io timeout", eris.New("read tcp: i/o timeout"), true},
		{"plain error", eris.New("invalid payload"), false},
		{"http 500 text", eris.New("unexpected status 500"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestDoVal_SucceedsAfterTransientFailures(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}

	attempts := 0
	val, err := DoVal(context.Background(), cfg, func(context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", eris.New("i/o timeout")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", val)
	assert.Equal(t, 3, attempts)
}

func TestDoVal_PermanentErrorStopsImmediately(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 5, InitialBackoff: time.Millisecond}

	attempts := 0
	_, err := DoVal(context.Background(), cfg, func(context.Context) (string, error) {
		attempts++
		return "", eris.New("invalid request")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestDoVal_ExhaustsAttempts(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}

	attempts := 0
	_, err := DoVal(context.Background(), cfg, func(context.Context) (string, error) {
		attempts++
		return "", eris.New("i/o timeout")
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoVal_ContextCancelStopsRetries(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 10, InitialBackoff: 50 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())

	attempts := 0
	_, err := DoVal(ctx, cfg, func(context.Context) (string, error) {
		attempts++
		cancel()
		return "", eris.New("i/o timeout")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestDoVal_CustomShouldRetry(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		ShouldRetry:    func(err error) bool { return err.Error() == "retry me" },
	}

	attempts := 0
	_, err := DoVal(context.Background(), cfg, func(context.Context) (int, error) {
		attempts++
		return 0, eris.New("retry me")
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDo_WrapsDoVal(t *testing.T) {
	calls := 0
	err := Do(context.Background(), RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond}, func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}
