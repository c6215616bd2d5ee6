// Msgmirror - Message Mirror and Consistency Reconciliation Engine
// Copyright 2026 Msgmirror Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/msgmirror/msgmirror

package sync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	stdsync "sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/msgmirror/msgmirror/internal/config"
	"github.com/msgmirror/msgmirror/internal/ledger"
	"github.com/msgmirror/msgmirror/internal/models"
	"github.com/msgmirror/msgmirror/internal/processor"
	"github.com/msgmirror/msgmirror/internal/source"
	"github.com/msgmirror/msgmirror/internal/store"
)

// fakeSource serves a fixed sequence of pages keyed by page token. Token n
// is "p<n>"; the first page has token "".
type fakeSource struct {
	mu        stdsync.Mutex
	pages     [][]models.RawMessage
	byID      map[string]*models.RawMessage
	listErrAt map[string]error
	getErr    map[string]error
	listCalls []string
	// blockList, when set, makes List signal listEntered and then block
	// until the channel is closed.
	blockList   chan struct{}
	listEntered chan struct{}
}

func newFakeSource(pages ...[]models.RawMessage) *fakeSource {
	s := &fakeSource{
		pages:     pages,
		byID:      make(map[string]*models.RawMessage),
		listErrAt: make(map[string]error),
		getErr:    make(map[string]error),
	}
	for _, page := range pages {
		for i := range page {
			msg := page[i]
			s.byID[msg.ID] = &msg
		}
	}
	return s
}

func (s *fakeSource) List(_ context.Context, _, pageToken string, _ int) (*source.MessagePage, error) {
	if s.blockList != nil {
		select {
		case s.listEntered <- struct{}{}:
		default:
		}
		<-s.blockList
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.listCalls = append(s.listCalls, pageToken)
	if err := s.listErrAt[pageToken]; err != nil {
		return nil, err
	}

	idx := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken[1:])
		if err != nil {
			return nil, fmt.Errorf("bad page token %q", pageToken)
		}
		idx = n
	}
	if idx >= len(s.pages) {
		return &source.MessagePage{}, nil
	}
	page := &source.MessagePage{Messages: s.pages[idx]}
	if idx+1 < len(s.pages) {
		page.NextPageToken = fmt.Sprintf("p%d", idx+1)
	}
	return page, nil
}

func (s *fakeSource) Get(_ context.Context, id string) (*models.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.getErr[id]; err != nil {
		return nil, err
	}
	msg, ok := s.byID[id]
	if !ok {
		return nil, &source.FatalFetchError{Operation: "get", Status: 404, Err: errors.New("not found")}
	}
	return msg, nil
}

// fakeStore is an in-memory Store with scriptable batch failures.
type fakeStore struct {
	mu      stdsync.Mutex
	records map[string]*models.Record
	// failAfter fails every Upsert once this many calls have succeeded.
	// Negative means never fail.
	failAfter int
	upserts   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]*models.Record), failAfter: -1}
}

func (s *fakeStore) Upsert(_ context.Context, batch []models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAfter >= 0 && s.upserts >= s.failAfter {
		return &store.WriteError{Store: "fake", BatchLen: len(batch), Err: errors.New("store offline")}
	}
	s.upserts++
	for i := range batch {
		rec := batch[i]
		s.records[rec.ID] = &rec
	}
	return nil
}

func (s *fakeStore) Exists(_ context.Context, ids []string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		_, ok := s.records[id]
		out[id] = ok
	}
	return out, nil
}

func (s *fakeStore) Get(_ context.Context, id string) (*models.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	return rec, ok, nil
}

func (s *fakeStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func msg(id string) models.RawMessage {
	return models.RawMessage{
		ID:           id,
		ThreadID:     "thread-" + id,
		InternalDate: 1767225600000,
		Payload:      json.RawMessage(`{"snippet":"body of ` + id + `"}`),
	}
}

func page(ids ...string) []models.RawMessage {
	msgs := make([]models.RawMessage, len(ids))
	for i, id := range ids {
		msgs[i] = msg(id)
	}
	return msgs
}

type harness struct {
	mgr       *Manager
	src       *fakeSource
	local     *fakeStore
	warehouse *fakeStore
	ledger    *ledger.Ledger
}

func newHarness(t *testing.T, src *fakeSource) *harness {
	t.Helper()

	led, err := ledger.Open(&config.LedgerConfig{OrphanThreshold: 2 * time.Hour})
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	t.Cleanup(func() { _ = led.Close() })

	cfg := &config.Config{
		Source: config.SourceConfig{PageSize: 2},
		Sync: config.SyncConfig{
			BatchSize:     2,
			Concurrency:   2,
			MaxErrorCount: 5,
		},
	}
	local := newFakeStore()
	warehouse := newFakeStore()
	return &harness{
		mgr:       NewManager(cfg, src, processor.NewMessageProcessor(), local, warehouse, led),
		src:       src,
		local:     local,
		warehouse: warehouse,
		ledger:    led,
	}
}

func TestRunHistoricalFreshMirror(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeSource(page("m1", "m2"), page("m3", "m4"), page("m5", "m6")))
	ctx := context.Background()

	stats, err := h.mgr.Run(ctx, RunParams{Kind: models.RunKindHistorical})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Processed != 6 || stats.Failed != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if h.local.size() != 6 || h.warehouse.size() != 6 {
		t.Errorf("stores = %d/%d", h.local.size(), h.warehouse.size())
	}

	runs, err := h.ledger.ListRuns(ctx, models.RunKindHistorical, 1)
	if err != nil || len(runs) != 1 {
		t.Fatalf("ListRuns: %v %d", err, len(runs))
	}
	run := runs[0]
	if run.Status != models.RunStatusSucceeded {
		t.Errorf("status = %q", run.Status)
	}
	if run.ProcessedCount != 6 {
		t.Errorf("processed_count = %d", run.ProcessedCount)
	}

	entry, found, err := h.ledger.GetEntry(ctx, "m4")
	if err != nil || !found {
		t.Fatalf("GetEntry: %v found=%v", err, found)
	}
	if entry.NeedsSync {
		t.Error("fully mirrored record must not need sync")
	}
}

func TestRunWarehouseOutageContinuesLocalFirst(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeSource(page("m1", "m2"), page("m3", "m4"), page("m5", "m6")))
	h.warehouse.failAfter = 1 // first batch lands, everything after fails
	ctx := context.Background()

	stats, err := h.mgr.Run(ctx, RunParams{Kind: models.RunKindHistorical})
	if err == nil {
		t.Fatal("degraded run must report failure")
	}
	if !errors.Is(err, errWarehouseDegraded) {
		t.Fatalf("err = %v", err)
	}

	if h.local.size() != 6 {
		t.Errorf("local mirror must stay complete, got %d", h.local.size())
	}
	if h.warehouse.size() != 2 {
		t.Errorf("warehouse = %d", h.warehouse.size())
	}
	if stats.Processed != 6 {
		t.Errorf("stats = %+v", stats)
	}

	entries, err := h.ledger.GetNeedsSync(ctx, 5, 10)
	if err != nil {
		t.Fatalf("GetNeedsSync: %v", err)
	}
	if len(entries) != 4 {
		t.Errorf("needs-sync backlog = %d", len(entries))
	}
	for _, e := range entries {
		if e.WarehouseStatus != models.StatusMissing || e.LocalStatus != models.StatusPresent {
			t.Errorf("entry = %+v", e)
		}
	}

	runs, err := h.ledger.ListRuns(ctx, models.RunKindHistorical, 1)
	if err != nil || len(runs) != 1 {
		t.Fatalf("ListRuns: %v", err)
	}
	if runs[0].Status != models.RunStatusFailed {
		t.Errorf("status = %q", runs[0].Status)
	}
	if runs[0].ErrorSummary["reason"] != "warehouse_unavailable" {
		t.Errorf("summary = %v", runs[0].ErrorSummary)
	}
}

func TestRunLocalFailureAborts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeSource(page("m1", "m2"), page("m3", "m4")))
	h.local.failAfter = 1
	ctx := context.Background()

	stats, err := h.mgr.Run(ctx, RunParams{Kind: models.RunKindHistorical})
	if err == nil {
		t.Fatal("local store failure must abort the run")
	}
	if !store.IsWriteError(err) {
		t.Fatalf("err = %v", err)
	}
	if stats.Processed != 2 || stats.Failed != 2 {
		t.Errorf("stats = %+v", stats)
	}
	if h.warehouse.size() != 2 {
		t.Errorf("aborted batch must not reach the warehouse, got %d", h.warehouse.size())
	}

	runs, _ := h.ledger.ListRuns(ctx, models.RunKindHistorical, 1)
	if runs[0].ErrorSummary["reason"] != "store_write" {
		t.Errorf("summary = %v", runs[0].ErrorSummary)
	}
	// The aborted batch's failures still land on the run row.
	if runs[0].ProcessedCount != stats.Processed || runs[0].FailedCount != stats.Failed {
		t.Errorf("run row counts = %d/%d, stats = %+v",
			runs[0].ProcessedCount, runs[0].FailedCount, stats)
	}
}

func TestRunPerRecordFailureIsolated(t *testing.T) {
	t.Parallel()

	src := newFakeSource(page("m1", "m2"), page("m3", "m4"))
	src.pages[0][1].InternalDate = 0 // m2 cannot be canonicalized
	h := newHarness(t, src)
	ctx := context.Background()

	stats, err := h.mgr.Run(ctx, RunParams{Kind: models.RunKindHistorical})
	if err != nil {
		t.Fatalf("processing failures alone must not fail the run: %v", err)
	}
	if stats.Processed != 3 || stats.Failed != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if _, found, _ := h.local.Get(ctx, "m2"); found {
		t.Error("failed record must not be written")
	}

	entry, found, err := h.ledger.GetEntry(ctx, "m2")
	if err != nil || !found {
		t.Fatalf("GetEntry: %v found=%v", err, found)
	}
	if entry.ErrorCount != 1 || !entry.NeedsSync {
		t.Errorf("entry = %+v", entry)
	}

	runs, _ := h.ledger.ListRuns(ctx, models.RunKindHistorical, 1)
	if runs[0].FailedCount != 1 {
		t.Errorf("failed_count = %d", runs[0].FailedCount)
	}
}

func TestRunResumesFromFailedCursor(t *testing.T) {
	t.Parallel()

	src := newFakeSource(page("m1", "m2"), page("m3", "m4"), page("m5", "m6"))
	src.listErrAt["p1"] = &source.TransientFetchError{Operation: "list", Err: errors.New("timeout")}
	h := newHarness(t, src)
	ctx := context.Background()

	if _, err := h.mgr.Run(ctx, RunParams{Kind: models.RunKindHistorical}); err == nil {
		t.Fatal("exhausted listing must fail the run")
	}
	runs, _ := h.ledger.ListRuns(ctx, models.RunKindHistorical, 1)
	if runs[0].Cursor == nil || *runs[0].Cursor != "p1" {
		t.Fatalf("cursor = %v", runs[0].Cursor)
	}
	if runs[0].ErrorSummary["reason"] != "fetch_exhausted" {
		t.Errorf("summary = %v", runs[0].ErrorSummary)
	}

	src.mu.Lock()
	delete(src.listErrAt, "p1")
	calls := len(src.listCalls)
	src.mu.Unlock()

	stats, err := h.mgr.Run(ctx, RunParams{Kind: models.RunKindHistorical})
	if err != nil {
		t.Fatalf("resumed run: %v", err)
	}
	if stats.Processed != 4 {
		t.Errorf("resumed run must only cover the remainder, stats = %+v", stats)
	}
	if h.local.size() != 6 || h.warehouse.size() != 6 {
		t.Errorf("stores = %d/%d", h.local.size(), h.warehouse.size())
	}

	src.mu.Lock()
	resumedFrom := src.listCalls[calls]
	src.mu.Unlock()
	if resumedFrom != "p1" {
		t.Errorf("resume must start at the failed page, got %q", resumedFrom)
	}
}

func TestRunMaxRecords(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeSource(page("m1", "m2"), page("m3", "m4"), page("m5", "m6")))
	stats, err := h.mgr.Run(context.Background(), RunParams{Kind: models.RunKindHistorical, MaxRecords: 3})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Processed != 3 {
		t.Errorf("stats = %+v", stats)
	}
	if h.local.size() != 3 {
		t.Errorf("local = %d", h.local.size())
	}
}

func TestRunRejectsConcurrentRuns(t *testing.T) {
	t.Parallel()

	src := newFakeSource(page("m1"))
	src.blockList = make(chan struct{})
	src.listEntered = make(chan struct{}, 1)
	h := newHarness(t, src)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.mgr.Run(context.Background(), RunParams{Kind: models.RunKindHistorical})
	}()

	// The first run holds the sync lock while it sits inside List.
	select {
	case <-src.listEntered:
	case <-time.After(2 * time.Second):
		t.Fatal("first run never reached the source")
	}

	if _, err := h.mgr.Run(context.Background(), RunParams{Kind: models.RunKindIncremental}); !errors.Is(err, ErrRunInFlight) {
		t.Fatalf("expected ErrRunInFlight, got %v", err)
	}

	close(src.blockList)
	<-done
}

func TestIncrementalRepairsBacklog(t *testing.T) {
	t.Parallel()

	src := newFakeSource() // empty listing window
	raw := msg("m1")
	src.byID["m1"] = &raw
	h := newHarness(t, src)
	ctx := context.Background()

	// The warehouse copy went missing; the checker flagged it.
	if err := h.local.Upsert(ctx, []models.Record{{ID: "m1", Payload: map[string]any{}, SourceTimestamp: time.Now()}}); err != nil {
		t.Fatalf("seed local: %v", err)
	}
	if err := h.ledger.MarkConsistency(ctx, "m1", models.StatusPresent, models.StatusMissing); err != nil {
		t.Fatalf("MarkConsistency: %v", err)
	}

	stats, err := h.mgr.Run(ctx, RunParams{Kind: models.RunKindIncremental, DaysBack: 7})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Processed != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if _, found, _ := h.warehouse.Get(ctx, "m1"); !found {
		t.Error("repair must rewrite the warehouse copy")
	}

	entry, _, err := h.ledger.GetEntry(ctx, "m1")
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if entry.NeedsSync {
		t.Error("repaired record must clear needs_sync")
	}
}

func TestRepairDegradationStillRunsListing(t *testing.T) {
	t.Parallel()

	src := newFakeSource(page("m2", "m3"))
	raw := msg("m1")
	src.byID["m1"] = &raw
	h := newHarness(t, src)
	h.warehouse.failAfter = 0 // down for the whole run
	ctx := context.Background()

	if err := h.ledger.MarkConsistency(ctx, "m1", models.StatusPresent, models.StatusMissing); err != nil {
		t.Fatalf("MarkConsistency: %v", err)
	}

	stats, err := h.mgr.Run(ctx, RunParams{Kind: models.RunKindIncremental, DaysBack: 7})
	if !errors.Is(err, errWarehouseDegraded) {
		t.Fatalf("err = %v", err)
	}

	// The degraded repair pass must not cut the run short: the listing phase
	// still mirrors new records local-first.
	if stats.Processed != 3 {
		t.Errorf("stats = %+v", stats)
	}
	for _, id := range []string{"m1", "m2", "m3"} {
		if _, found, _ := h.local.Get(ctx, id); !found {
			t.Errorf("local mirror missing %s", id)
		}
	}
	if h.warehouse.size() != 0 {
		t.Errorf("warehouse = %d", h.warehouse.size())
	}

	src.mu.Lock()
	listed := len(src.listCalls)
	src.mu.Unlock()
	if listed == 0 {
		t.Error("listing phase never ran")
	}

	runs, _ := h.ledger.ListRuns(ctx, models.RunKindIncremental, 1)
	if runs[0].ErrorSummary["reason"] != "warehouse_unavailable" {
		t.Errorf("summary = %v", runs[0].ErrorSummary)
	}
}

func TestRepairSkipsRecordsGoneUpstream(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	h := newHarness(t, src)
	ctx := context.Background()

	if err := h.ledger.MarkConsistency(ctx, "gone", models.StatusMissing, models.StatusMissing); err != nil {
		t.Fatalf("MarkConsistency: %v", err)
	}

	stats, err := h.mgr.Run(ctx, RunParams{Kind: models.RunKindIncremental})
	if err != nil {
		t.Fatalf("a record gone upstream must not fail the run: %v", err)
	}
	if stats.Skipped != 1 || stats.Processed != 0 {
		t.Errorf("stats = %+v", stats)
	}

	entry, _, err := h.ledger.GetEntry(ctx, "gone")
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if entry.ErrorCount != 1 {
		t.Errorf("fetch failure must be recorded, entry = %+v", entry)
	}
}

func TestRunFatalFetchAborts(t *testing.T) {
	t.Parallel()

	src := newFakeSource(page("m1"))
	src.listErrAt[""] = &source.FatalFetchError{Operation: "list", Status: 401, Err: errors.New("unauthorized")}
	h := newHarness(t, src)

	_, err := h.mgr.Run(context.Background(), RunParams{Kind: models.RunKindHistorical})
	if err == nil {
		t.Fatal("fatal fetch must fail the run")
	}
	runs, _ := h.ledger.ListRuns(context.Background(), models.RunKindHistorical, 1)
	if runs[0].ErrorSummary["reason"] != "fatal_fetch" {
		t.Errorf("summary = %v", runs[0].ErrorSummary)
	}
}

func TestRunLoopBackfillOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeSource(page("m1", "m2")))
	h.mgr.cfg.BackfillOnStart = true
	h.mgr.cfg.Interval = 0

	ctx, cancel := context.WithCancel(context.Background())
	loopDone := make(chan error, 1)
	go func() { loopDone <- h.mgr.RunLoop(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		runs, _ := h.ledger.ListRuns(context.Background(), models.RunKindHistorical, 1)
		if len(runs) == 1 && runs[0].Status.Terminal() {
			break
		}
		select {
		case <-deadline:
			t.Fatal("backfill never completed")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
	cancel()
	if err := <-loopDone; !errors.Is(err, context.Canceled) {
		t.Fatalf("RunLoop = %v", err)
	}

	runs, err := h.ledger.ListRuns(context.Background(), models.RunKindHistorical, 10)
	if err != nil || len(runs) != 1 {
		t.Fatalf("backfill must run exactly once, runs = %d err = %v", len(runs), err)
	}
	if runs[0].Status != models.RunStatusSucceeded {
		t.Errorf("status = %q", runs[0].Status)
	}
}
