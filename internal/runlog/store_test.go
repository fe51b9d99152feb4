package runlog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_CreateAndFetchRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateRun(ctx, "gpt-3.5-turbo", 16385, "lab-vm")
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if id == "" {
		t.Fatal("expected a run id")
	}

	run, err := s.Run(ctx, id)
	if err != nil {
		t.Fatalf("fetch run: %v", err)
	}
	if run.Model != "gpt-3.5-turbo" || run.ContextSize != 16385 || run.Tag != "lab-vm" {
		t.Fatalf("unexpected run: %+v", run)
	}
	if run.Status != StatusRunning {
		t.Fatalf("unexpected status: %q", run.Status)
	}
	if run.StartedAt.IsZero() {
		t.Fatal("expected started_at to be set")
	}
	if !run.FinishedAt.IsZero() {
		t.Fatalf("live run must have zero finished_at, got %v", run.FinishedAt)
	}
}

func TestStore_AppendRecordsInRoundOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateRun(ctx, "gpt-4", 8192, "")
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	usage := Usage{Duration: 1200 * time.Millisecond, TokensQuery: 40, TokensResponse: 12}
	if err := s.AppendQuery(ctx, id, 1, "id", "uid=1001(lowpriv)", usage); err != nil {
		t.Fatalf("append query: %v", err)
	}
	if err := s.AppendStateUpdate(ctx, id, 1, "- running as lowpriv", Usage{TokensQuery: 30}); err != nil {
		t.Fatalf("append state update: %v", err)
	}
	if err := s.AppendQuery(ctx, id, 2, "sudo -l", "not allowed", Usage{}); err != nil {
		t.Fatalf("append query: %v", err)
	}
	if err := s.AppendAnalysis(ctx, id, 2, "sudo is locked down", Usage{}); err != nil {
		t.Fatalf("append analysis: %v", err)
	}

	records, err := s.Records(ctx, id)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("expected 4 records, got %d", len(records))
	}

	wantKinds := []RecordKind{KindQuery, KindStateUpdate, KindQuery, KindAnalysis}
	for i, want := range wantKinds {
		if records[i].Kind != want {
			t.Fatalf("record %d kind = %q, want %q", i, records[i].Kind, want)
		}
	}
	if records[0].Command != "id" || records[0].Result != "uid=1001(lowpriv)" {
		t.Fatalf("unexpected query record: %+v", records[0])
	}
	if records[0].Duration != 1200*time.Millisecond {
		t.Fatalf("unexpected duration: %v", records[0].Duration)
	}
	if records[0].TokensQuery != 40 || records[0].TokensResponse != 12 {
		t.Fatalf("unexpected tokens: %+v", records[0])
	}
	if records[1].Result != "- running as lowpriv" {
		t.Fatalf("unexpected state record: %+v", records[1])
	}
}

func TestStore_FinishRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateRun(ctx, "gpt-4", 8192, "")
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	if err := s.FinishRun(ctx, id, StatusGotRoot, 4, "- got root via sudo misconfig"); err != nil {
		t.Fatalf("finish run: %v", err)
	}

	run, err := s.Run(ctx, id)
	if err != nil {
		t.Fatalf("fetch run: %v", err)
	}
	if run.Status != StatusGotRoot || run.Rounds != 4 {
		t.Fatalf("unexpected run: %+v", run)
	}
	if run.State != "- got root via sudo misconfig" {
		t.Fatalf("unexpected state: %q", run.State)
	}
	if run.FinishedAt.IsZero() {
		t.Fatal("expected finished_at to be set")
	}
}

func TestStore_FinishUnknownRun(t *testing.T) {
	s := openTestStore(t)

	err := s.FinishRun(context.Background(), "no-such-run", StatusFailed, 0, "")
	if !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestStore_RunsNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.CreateRun(ctx, "gpt-4", 8192, "a")
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	second, err := s.CreateRun(ctx, "gpt-4", 8192, "b")
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	runs, err := s.Runs(ctx, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != second || runs[1].ID != first {
		t.Fatalf("unexpected order: %q then %q", runs[0].ID, runs[1].ID)
	}

	limited, err := s.Runs(ctx, 1)
	if err != nil {
		t.Fatalf("list runs with limit: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != second {
		t.Fatalf("unexpected limited listing: %+v", limited)
	}
}

func TestStore_UnknownRunLookup(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Run(context.Background(), "no-such-run")
	if !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}
