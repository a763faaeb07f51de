package trigger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me/pipe/internal/loop"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Each tick stands for 100ms of wall time.
func tickClock(l *loop.Loop) func() time.Time {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		return base.Add(time.Duration(l.Now()) * 100 * time.Millisecond)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"*/10 * * * * *", false},
		{"0 0 * * * *", false},
		{"@every 5s", false},
		{"@hourly", false},
		{"* * * * *", true},
		{"nonsense", true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			_, err := Parse(tt.expr)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCron_FiresUntilLimit(t *testing.T) {
	l := loop.New(loop.Config{}, testLogger())
	var ran []string
	var results []any
	factory := func(n int) (loop.Computation, error) {
		return loop.ComputationFunc(func(context.Context) loop.Step {
			return loop.Done(n)
		}), nil
	}

	c, err := NewCron(l, "tick", "@every 1s", factory,
		WithLimit(3),
		WithPollTicks(5),
		WithClock(tickClock(l)),
		WithLogger(testLogger()),
		WithTaskOptions(loop.WithCallback(func(t *loop.Task) {
			ran = append(ran, t.Name())
			results = append(results, t.Result())
		})))
	require.NoError(t, err)

	v, err := l.RunUntilComplete(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, 3, v)
	assert.Equal(t, 3, c.Fired())

	// The last firing was created in the final pass and has not run yet.
	live := c.Live()
	require.Len(t, live, 1)
	assert.Equal(t, "tick#3", live[0].Name())

	// Children created by the last firing still run on the next Run.
	require.NoError(t, l.Run(context.Background()))
	assert.Equal(t, []string{"tick#1", "tick#2", "tick#3"}, ran)
	assert.Equal(t, []any{1, 2, 3}, results)
	assert.Empty(t, c.Live())
	// One firing per 10 ticks of 100ms.
	assert.GreaterOrEqual(t, l.Now(), int64(30))
}

func TestCron_ForgetsFinishedFirings(t *testing.T) {
	l := loop.New(loop.Config{}, testLogger())
	c, err := NewCron(l, "forever", "@every 1s", func(int) (loop.Computation, error) { return loop.Sleep(1), nil },
		WithPollTicks(1), WithClock(tickClock(l)), WithLogger(testLogger()))
	require.NoError(t, err)
	task := l.CreateTask(c)

	for l.Now() < 5000 {
		l.Tick(context.Background())
		assert.LessOrEqual(t, len(c.Live()), 1)
	}
	assert.GreaterOrEqual(t, c.Fired(), 490)

	require.True(t, task.Cancel())
	require.NoError(t, l.Run(context.Background()))
	assert.Empty(t, c.Live())
}

func TestCron_FactoryError(t *testing.T) {
	l := loop.New(loop.Config{}, testLogger())
	boom := errors.New("boom")
	c, err := NewCron(l, "bad", "@every 1s", func(int) (loop.Computation, error) { return nil, boom },
		WithPollTicks(5), WithClock(tickClock(l)), WithLogger(testLogger()))
	require.NoError(t, err)

	_, err = l.RunUntilComplete(context.Background(), c)
	require.ErrorIs(t, err, boom)
	assert.Zero(t, c.Fired())
}

func TestCron_UnlimitedRunsUntilCancelled(t *testing.T) {
	l := loop.New(loop.Config{}, testLogger())
	c, err := NewCron(l, "forever", "@every 1s", func(int) (loop.Computation, error) { return loop.Sleep(1), nil },
		WithPollTicks(5), WithClock(tickClock(l)), WithLogger(testLogger()))
	require.NoError(t, err)
	task := l.CreateTask(c)

	for l.Now() < 100 {
		l.Tick(context.Background())
	}
	assert.False(t, task.Done())
	assert.GreaterOrEqual(t, c.Fired(), 9)
	assert.False(t, c.Next().IsZero())

	require.True(t, task.Cancel())
	require.NoError(t, l.Run(context.Background()))
}

func TestNewCron_BadExpression(t *testing.T) {
	l := loop.New(loop.Config{}, testLogger())
	_, err := NewCron(l, "x", "every day", func(int) (loop.Computation, error) { return nil, nil })
	assert.Error(t, err)
}
