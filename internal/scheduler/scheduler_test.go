package scheduler

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func noop(context.Context) (int, error) { return 0, nil }

func TestNew_SchedulesAndSkipsDisabled(t *testing.T) {
	var buf bytes.Buffer
	s, err := New(testLogger(&buf), time.Minute,
		Sweep{Name: "pending_changes", Spec: "5 0 * * *", Run: noop},
		Sweep{Name: "expire_canceled", Spec: "", Run: noop},
		Sweep{Name: "renewals", Spec: "@every 1h", Run: noop},
	)
	require.NoError(t, err)

	assert.Equal(t, 2, s.Entries())
	assert.Contains(t, buf.String(), "sweep disabled")
}

func TestNew_InvalidSchedule(t *testing.T) {
	var buf bytes.Buffer
	_, err := New(testLogger(&buf), time.Minute, Sweep{Name: "renewals", Spec: "every day", Run: noop})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "renewals")
}

func TestRun_LogsOutcome(t *testing.T) {
	tests := []struct {
		name    string
		run     func(context.Context) (int, error)
		wantLog string
	}{
		{
			name:    "success",
			run:     func(context.Context) (int, error) { return 3, nil },
			wantLog: "processed=3",
		},
		{
			name:    "failure",
			run:     func(context.Context) (int, error) { return 0, errors.New("database down") },
			wantLog: "database down",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			s, err := New(testLogger(&buf), time.Second)
			require.NoError(t, err)

			s.run(Sweep{Name: "renewals", Run: tt.run})
			assert.Contains(t, buf.String(), tt.wantLog)
		})
	}
}

func TestRun_AppliesTimeout(t *testing.T) {
	var buf bytes.Buffer
	s, err := New(testLogger(&buf), 50*time.Millisecond)
	require.NoError(t, err)

	var deadline time.Time
	s.run(Sweep{Name: "renewals", Run: func(ctx context.Context) (int, error) {
		deadline, _ = ctx.Deadline()
		return 0, nil
	}})
	assert.False(t, deadline.IsZero())
}

func TestStartStop(t *testing.T) {
	var buf bytes.Buffer
	ran := make(chan struct{}, 1)
	s, err := New(testLogger(&buf), time.Second, Sweep{Name: "renewals", Spec: "@every 1s", Run: func(context.Context) (int, error) {
		select {
		case ran <- struct{}{}:
		default:
		}
		return 0, nil
	}})
	require.NoError(t, err)

	s.Start(context.Background())
	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("sweep did not run")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.Stop(ctx))
}
