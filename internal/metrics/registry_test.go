package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_CountersAndSnapshot(t *testing.T) {
	r := NewRegistry(false)

	r.Trials.WithLabelValues("seg-0", "scored").Add(3)
	r.Trials.WithLabelValues("seg-0", "failed").Inc()
	r.ObserveGate(false, "improvement", []string{"sharpe_improvement", "tail_drawdown"})
	r.ObserveGate(true, "improvement", nil)
	r.StartStep(StageSearch).Stop(ResultSuccess)

	assert.Equal(t, 3.0, testutil.ToFloat64(r.Trials.WithLabelValues("seg-0", "scored")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.GateDecisions.WithLabelValues("rejected", "improvement")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.GateChecks.WithLabelValues("tail_drawdown")))

	snap, err := r.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 1.0, snap["retune_trials_total{segment=seg-0,status=failed}"])
	assert.Equal(t, 1.0, snap["retune_step_duration_seconds{result=success,stage=search}"])
}

func TestRegistry_Handler(t *testing.T) {
	r := NewRegistry(false)
	r.BestObjective.Set(1.25)

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "retune_best_objective 1.25")
}

func TestRegistry_Push(t *testing.T) {
	var (
		mu   sync.Mutex
		path string
		body string
	)
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		b, _ := io.ReadAll(req.Body)
		mu.Lock()
		path, body = req.URL.Path, string(b)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer gw.Close()

	r := NewRegistry(false)
	r.Runs.WithLabelValues("approved").Inc()

	require.NoError(t, r.Push(context.Background(), Config{PushURL: gw.URL, Job: "retune", PushTimeout: time.Second}, "run-42"))

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, strings.HasPrefix(path, "/metrics/job/retune/run_id/run-42"), path)
	assert.NotEmpty(t, body)
}

func TestRegistry_PushDisabled(t *testing.T) {
	assert.NoError(t, NewRegistry(false).Push(context.Background(), Config{}, "run-1"))
}
