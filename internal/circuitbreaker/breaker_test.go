package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/safehold/internal/clock"
)

var epoch = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

const transferKey = "stripe:transfer"

func fail(b *Breaker, key string, n int) {
	for i := 0; i < n; i++ {
		b.RecordFailure(key)
	}
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b := New(3, time.Minute)
	assert.True(t, b.Allow(transferKey), "unseen key is closed")

	fail(b, transferKey, 2)
	assert.True(t, b.Allow(transferKey))
	assert.Equal(t, StateClosed, b.State(transferKey))

	fail(b, transferKey, 1)
	assert.False(t, b.Allow(transferKey))
	assert.Equal(t, StateOpen, b.State(transferKey))
}

func TestBreaker_SuccessClearsStreak(t *testing.T) {
	b := New(3, time.Minute)
	fail(b, "stripe:verify", 2)
	b.RecordSuccess("stripe:verify")
	fail(b, "stripe:verify", 2)
	assert.Equal(t, StateClosed, b.State("stripe:verify"))
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	b := New(2, time.Minute)
	fail(b, transferKey, 2)

	assert.False(t, b.Allow(transferKey))
	assert.True(t, b.Allow("stripe:refund"))
	assert.True(t, b.Allow("memory:transfer"))
}

func TestBreaker_Probe(t *testing.T) {
	tests := []struct {
		name  string
		probe func(b *Breaker, key string)
		want  State
	}{
		{"successful probe closes", func(b *Breaker, key string) { b.RecordSuccess(key) }, StateClosed},
		{"failed probe reopens", func(b *Breaker, key string) { b.RecordFailure(key) }, StateOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := clock.NewFake(epoch)
			b := NewWithClock(2, 30*time.Second, clk)
			fail(b, "stripe:refund", 2)

			clk.Advance(29 * time.Second)
			require.False(t, b.Allow("stripe:refund"), "still cooling down")

			clk.Advance(time.Second)
			require.True(t, b.Allow("stripe:refund"), "probe admitted")
			require.Equal(t, StateHalfOpen, b.State("stripe:refund"))
			require.False(t, b.Allow("stripe:refund"), "only one probe in flight")

			tt.probe(b, "stripe:refund")
			assert.Equal(t, tt.want, b.State("stripe:refund"))
		})
	}
}

func TestBreaker_ReopenRestartsCooldown(t *testing.T) {
	clk := clock.NewFake(epoch)
	b := NewWithClock(1, 30*time.Second, clk)
	fail(b, transferKey, 1)

	clk.Advance(time.Minute)
	require.True(t, b.Allow(transferKey))
	b.RecordFailure(transferKey)

	clk.Advance(20 * time.Second)
	assert.False(t, b.Allow(transferKey))
	clk.Advance(10 * time.Second)
	assert.True(t, b.Allow(transferKey))
}

func TestBreaker_Execute(t *testing.T) {
	clk := clock.NewFake(epoch)
	b := NewWithClock(2, time.Minute, clk)
	outage := errors.New("503 from provider")
	declined := errors.New("insufficient balance")
	countable := func(err error) bool { return errors.Is(err, outage) }

	for i := 0; i < 5; i++ {
		err := b.Execute(transferKey, countable, func() error { return declined })
		require.ErrorIs(t, err, declined)
	}
	assert.Equal(t, StateClosed, b.State(transferKey), "provider answered, circuit stays closed")

	_ = b.Execute(transferKey, countable, func() error { return outage })
	_ = b.Execute(transferKey, countable, func() error { return outage })

	clk.Advance(15 * time.Second)
	called := false
	err := b.Execute(transferKey, countable, func() error { called = true; return nil })
	assert.False(t, called)
	require.ErrorIs(t, err, ErrOpen)

	var open *OpenError
	require.ErrorAs(t, err, &open)
	assert.Equal(t, transferKey, open.Key)
	assert.Equal(t, 45*time.Second, open.RetryAfter)
	assert.Contains(t, open.Error(), "retry in 45s")
}

func TestBreaker_ExecuteNilCountable(t *testing.T) {
	b := New(1, time.Minute)
	_ = b.Execute("memory:verify", nil, func() error { return errors.New("boom") })
	assert.Equal(t, StateOpen, b.State("memory:verify"))
}

func TestBreaker_OnTransition(t *testing.T) {
	clk := clock.NewFake(epoch)
	b := NewWithClock(1, time.Second, clk)

	type change struct {
		key      string
		from, to State
	}
	got := make(chan change, 4)
	b.OnTransition(func(key string, from, to State) { got <- change{key, from, to} })

	next := func() change {
		t.Helper()
		select {
		case c := <-got:
			return c
		case <-time.After(time.Second):
			t.Fatal("transition callback not invoked")
			return change{}
		}
	}

	b.RecordFailure(transferKey)
	assert.Equal(t, change{transferKey, StateClosed, StateOpen}, next())

	clk.Advance(time.Second)
	b.Allow(transferKey)
	assert.Equal(t, change{transferKey, StateOpen, StateHalfOpen}, next())

	b.RecordSuccess(transferKey)
	assert.Equal(t, change{transferKey, StateHalfOpen, StateClosed}, next())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
	assert.Equal(t, "unknown", State(-1).String())
}
