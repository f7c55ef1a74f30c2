package recon

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/gstforge/gstforge/internal/gstin"
	"github.com/gstforge/gstforge/internal/tax"
	"github.com/gstforge/gstforge/internal/testutil"
)

type memoryRepo struct {
	mu           sync.Mutex
	runs         map[string]Run
	invoices     map[string][]tax.Invoice
	records      map[string][]GSTR2BRecord
	source       map[string]map[string]SourceStatus
	results      map[string]*RunResult
	matchesByKey map[string]ITCMatchRecord // period + "/" + invoice id
	filed        map[string]int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		runs:         make(map[string]Run),
		invoices:     make(map[string][]tax.Invoice),
		records:      make(map[string][]GSTR2BRecord),
		source:       make(map[string]map[string]SourceStatus),
		results:      make(map[string]*RunResult),
		matchesByKey: make(map[string]ITCMatchRecord),
		filed:        make(map[string]int),
	}
}

func (m *memoryRepo) CreateRun(_ context.Context, run Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return ErrDuplicateRun
	}
	m.runs[run.ID] = run
	return nil
}

func (m *memoryRepo) GetRun(_ context.Context, runID string) (Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return Run{}, ErrRunNotFound
	}
	return run, nil
}

func (m *memoryRepo) UpdateRunState(_ context.Context, runID string, state RunState, warnings []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	run.State = state
	run.Warnings = append(run.Warnings, warnings...)
	run.UpdatedAt = time.Now().UTC()
	m.runs[runID] = run
	return nil
}

func (m *memoryRepo) ListInvoices(_ context.Context, period string) ([]tax.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.invoices[period], nil
}

func (m *memoryRepo) ListGSTR2BRecords(_ context.Context, period string) ([]GSTR2BRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[period], nil
}

func (m *memoryRepo) ListSourceStatus(_ context.Context, period string) (map[string]SourceStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.source[period], nil
}

func (m *memoryRepo) SaveRunResult(_ context.Context, result *RunResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[result.RunID] = result
	for _, match := range result.Matches {
		m.matchesByKey[result.Period+"/"+match.InvoiceID] = match
	}
	run := m.runs[result.RunID]
	run.State = result.State
	run.Warnings = result.Warnings
	m.runs[result.RunID] = run
	return nil
}

func (m *memoryRepo) GetSummary(_ context.Context, runID string) (ReconciliationSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result, ok := m.results[runID]
	if !ok || result.Summary == nil {
		return ReconciliationSummary{}, ErrRunNotFound
	}
	return *result.Summary, nil
}

func (m *memoryRepo) ListMatchRecords(_ context.Context, runID string) ([]ITCMatchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result, ok := m.results[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return result.Matches, nil
}

func (m *memoryRepo) InvoiceFiledVersion(_ context.Context, invoiceID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filed[invoiceID], nil
}

func newTestService(t *testing.T) (*Service, *memoryRepo, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repo := newMemoryRepo()
	orch := NewOrchestrator(
		gstin.NewValidator(gstin.Config{}),
		RunConfig{Workers: 2, Match: DefaultMatchConfig()},
		testutil.DiscardLogger(),
	)
	svc := NewService(repo, orch, client, testutil.DiscardLogger(), nil, ServiceConfig{LockTTL: time.Minute})
	return svc, repo, client
}

func seedPeriod(repo *memoryRepo, period string) {
	in := runInput()
	repo.invoices[period] = in.Invoices
	repo.records[period] = in.Records
	repo.source[period] = in.SourceStatus
}

func TestServiceExecuteRunPersistsResult(t *testing.T) {
	svc, repo, _ := newTestService(t)
	seedPeriod(repo, "2024-01")

	run, err := svc.TriggerRun(context.Background(), "2024-01")
	require.NoError(t, err)
	require.Equal(t, RunPending, run.State)

	require.NoError(t, svc.ExecuteRun(context.Background(), run.ID))

	stored, err := svc.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, RunCompleted, stored.State)

	summary, err := svc.GetSummary(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, "2024-01", summary.Period)
	require.False(t, summary.TotalITC.IsZero())

	matches, err := svc.ListMatchRecords(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, matches, 4)
}

func TestServiceExecuteRunLockContention(t *testing.T) {
	svc, repo, client := newTestService(t)
	seedPeriod(repo, "2024-01")

	run, err := svc.TriggerRun(context.Background(), "2024-01")
	require.NoError(t, err)

	// Simulate another worker holding the period lock.
	require.NoError(t, client.SetNX(context.Background(), RunLockKey("2024-01"), "1", time.Minute).Err())

	err = svc.ExecuteRun(context.Background(), run.ID)
	require.ErrorIs(t, err, ErrRunInProgress)

	stored, err := svc.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, RunPending, stored.State)
}

func TestServiceExecuteRunReleasesLock(t *testing.T) {
	svc, repo, client := newTestService(t)
	seedPeriod(repo, "2024-01")

	run, err := svc.TriggerRun(context.Background(), "2024-01")
	require.NoError(t, err)
	require.NoError(t, svc.ExecuteRun(context.Background(), run.ID))

	exists, err := client.Exists(context.Background(), RunLockKey("2024-01")).Result()
	require.NoError(t, err)
	require.Zero(t, exists)
}

func TestServiceRerunOverwritesMatches(t *testing.T) {
	svc, repo, _ := newTestService(t)
	seedPeriod(repo, "2024-01")

	first, err := svc.TriggerRun(context.Background(), "2024-01")
	require.NoError(t, err)
	require.NoError(t, svc.ExecuteRun(context.Background(), first.ID))

	second, err := svc.TriggerRun(context.Background(), "2024-01")
	require.NoError(t, err)
	require.NoError(t, svc.ExecuteRun(context.Background(), second.ID))

	repo.mu.Lock()
	defer repo.mu.Unlock()
	// One record per (period, invoice id) regardless of how many runs.
	require.Len(t, repo.matchesByKey, 4)
}

func TestServiceExecuteRunCancelled(t *testing.T) {
	svc, repo, _ := newTestService(t)
	seedPeriod(repo, "2024-01")

	run, err := svc.TriggerRun(context.Background(), "2024-01")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = svc.ExecuteRun(ctx, run.ID)
	require.ErrorIs(t, err, ErrRunCancelled)

	stored, err := svc.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, RunCancelled, stored.State)
}

func TestServiceExecuteRunUnknownID(t *testing.T) {
	svc, _, _ := newTestService(t)
	err := svc.ExecuteRun(context.Background(), "missing")
	require.ErrorIs(t, err, ErrRunNotFound)
}

func TestServiceNextVersionBumpsFiledInvoices(t *testing.T) {
	svc, repo, _ := newTestService(t)
	repo.filed["inv-1"] = 3

	v, err := svc.NextVersion(context.Background(), tax.Invoice{ID: "inv-1", Version: 2})
	require.NoError(t, err)
	require.Equal(t, 4, v)

	v, err = svc.NextVersion(context.Background(), tax.Invoice{ID: "inv-1", Version: 5})
	require.NoError(t, err)
	require.Equal(t, 5, v)

	v, err = svc.NextVersion(context.Background(), tax.Invoice{ID: "never-filed", Version: 1})
	require.NoError(t, err)
	require.Equal(t, 1, v)
}
