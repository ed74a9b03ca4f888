package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok(context.Context) error { return nil }

func TestRegistryEmpty(t *testing.T) {
	healthy, statuses := NewRegistry().CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("database", ok)
	r.Register("escrow_timer", func(context.Context) error { return errors.New("scheduler not running") })

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	require.Len(t, statuses, 2)
	assert.Equal(t, "database", statuses[0].Name)
	assert.True(t, statuses[0].Healthy)
	assert.Equal(t, "scheduler not running", statuses[1].Detail)
}

func TestRegistryTimeoutAndPanic(t *testing.T) {
	r := NewRegistry().WithTimeout(20 * time.Millisecond)
	r.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return nil
	})
	r.Register("broken", func(context.Context) error { panic("boom") })

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	assert.Equal(t, "check timed out", statuses[0].Detail)
	assert.Equal(t, "checker panicked", statuses[1].Detail)
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("checker", ok)
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()
}

type fakePinger struct{ err error }

func (p fakePinger) PingContext(context.Context) error { return p.err }

func TestDatabase(t *testing.T) {
	assert.NoError(t, Database(fakePinger{})(context.Background()))
	assert.ErrorContains(t, Database(fakePinger{err: errors.New("refused")})(context.Background()), "refused")
}

type fakeScheduler struct {
	running bool
	last    time.Time
}

func (s fakeScheduler) Running() bool        { return s.running }
func (s fakeScheduler) LastSweep() time.Time { return s.last }

func TestSchedulerFreshness(t *testing.T) {
	started := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return started.Add(10 * time.Minute) }

	tests := []struct {
		name    string
		sched   fakeScheduler
		wantErr bool
	}{
		{"stopped", fakeScheduler{running: false, last: now()}, true},
		{"fresh", fakeScheduler{running: true, last: now().Add(-time.Minute)}, false},
		{"stale", fakeScheduler{running: true, last: now().Add(-6 * time.Minute)}, true},
		{"never swept, past grace", fakeScheduler{running: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := SchedulerFreshness(tt.sched, 5*time.Minute, started, now)(context.Background())
			assert.Equal(t, tt.wantErr, err != nil, "err = %v", err)
		})
	}
}

func TestProbeRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := NewRegistry()
	reg.Register("database", func(context.Context) error { return errors.New("down") })
	probe := NewProbe(reg, "1.2.3")
	r := gin.New()
	probe.RegisterRoutes(r)

	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w
	}

	assert.Equal(t, http.StatusOK, get("/health/live").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get("/health/ready").Code)
	probe.SetReady(true)
	assert.Equal(t, http.StatusOK, get("/health/ready").Code)

	w := get("/health")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var body Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "1.2.3", body.Version)
	require.Len(t, body.Checks, 1)
	assert.Equal(t, "down", body.Checks[0].Detail)

	probe.SetAlive(false)
	assert.Equal(t, http.StatusServiceUnavailable, get("/health/live").Code)
}
