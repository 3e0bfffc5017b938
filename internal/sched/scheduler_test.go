package sched

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/imageguard/scanhub/internal/bulk"
)

type stubRunner struct {
	mu       sync.Mutex
	active   []bulk.BatchStatus
	err      error
	executed []bulk.Request
}

func (r *stubRunner) ExecuteBulkScan(_ context.Context, req bulk.Request) (bulk.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return bulk.Result{}, r.err
	}
	r.executed = append(r.executed, req)
	return bulk.Result{BatchID: "batch-1", TotalImages: 1}, nil
}

func (r *stubRunner) Active() []bulk.BatchStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *stubRunner) runs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.executed)
}

func TestAddValidatesCronExpressions(t *testing.T) {
	t.Parallel()

	s, err := New(&stubRunner{}, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Shutdown()) }()

	require.NoError(t, s.Add("nightly", "0 2 * * *", bulk.Request{Patterns: []string{"app:*"}}))
	require.Error(t, s.Add("broken", "not a cron", bulk.Request{Patterns: []string{"app:*"}}))
	require.Error(t, s.Add("too-many-fields", "* * * * * * *", bulk.Request{}))
}

func TestFireRunsBulkScan(t *testing.T) {
	t.Parallel()

	runner := &stubRunner{}
	s, err := New(runner, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Shutdown()) }()

	req := bulk.Request{Patterns: []string{"app:*"}}
	s.fire("nightly", req)
	require.Equal(t, 1, runner.runs())

	// Start errors are logged, not retried inline.
	runner.err = errors.New("inventory offline")
	s.fire("nightly", req)
	require.Equal(t, 1, runner.runs())
}

func TestFireSkipsWhilePreviousBatchActive(t *testing.T) {
	t.Parallel()

	runner := &stubRunner{active: []bulk.BatchStatus{{}}}
	s, err := New(runner, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Shutdown()) }()

	s.fire("nightly", bulk.Request{Patterns: []string{"app:*"}})
	require.Zero(t, runner.runs())
}
