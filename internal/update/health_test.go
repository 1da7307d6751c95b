package update

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func countingServer(t *testing.T, hits *atomic.Int32, failFirst int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		if n <= failFirst {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthValidatorImmediateSuccess(t *testing.T) {
	var hits atomic.Int32
	srv := countingServer(t, &hits, 0)

	var sleeps int
	v := NewHealthValidator(zaptest.NewLogger(t)).WithPolicy(6, time.Second)
	v.sleep = func(time.Duration) { sleeps++ }

	err := v.Validate(context.Background(), "api", srv.URL)
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())
	assert.Zero(t, sleeps)
}

func TestHealthValidatorRecoversMidway(t *testing.T) {
	var hits atomic.Int32
	srv := countingServer(t, &hits, 2)

	var sleeps int
	v := NewHealthValidator(zaptest.NewLogger(t)).WithPolicy(6, time.Second)
	v.sleep = func(time.Duration) { sleeps++ }

	err := v.Validate(context.Background(), "api", srv.URL)
	require.NoError(t, err)
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, 2, sleeps)
}

func TestHealthValidatorExhaustsRetries(t *testing.T) {
	var hits atomic.Int32
	srv := countingServer(t, &hits, 1000)

	var sleeps int
	var slept []time.Duration
	v := NewHealthValidator(zaptest.NewLogger(t)).WithPolicy(4, 250*time.Millisecond)
	v.sleep = func(d time.Duration) {
		sleeps++
		slept = append(slept, d)
	}

	err := v.Validate(context.Background(), "api", srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unhealthy after 4 attempts")
	assert.Contains(t, err.Error(), "status 503")

	assert.Equal(t, int32(4), hits.Load(), "exactly retries probes")
	assert.Equal(t, 3, sleeps, "exactly retries-1 sleeps")
	for _, d := range slept {
		assert.Equal(t, 250*time.Millisecond, d)
	}
}

func TestHealthValidatorCountsTransportErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	var sleeps int
	v := NewHealthValidator(zaptest.NewLogger(t)).WithPolicy(2, time.Second)
	v.sleep = func(time.Duration) { sleeps++ }

	err := v.Validate(context.Background(), "api", url)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unhealthy after 2 attempts")
	assert.Equal(t, 1, sleeps)
}
