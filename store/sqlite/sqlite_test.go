package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stroomnet/stroom"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "stroom.db"))
	t.Cleanup(func() { s.Close() })
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return s
}

func testProcess(id string) stroom.Process {
	now := time.Now()
	return stroom.Process{
		ID:             id,
		WorkflowName:   "create_port",
		Target:         stroom.TargetCreate,
		LastStatus:     stroom.StatusRunning,
		LastStep:       "Initialize",
		Assignee:       stroom.AssigneeSystem,
		StartedAt:      now,
		LastModifiedAt: now,
		CreatedBy:      "alice",
	}
}

func TestInitIsIdempotent(t *testing.T) {
	s := testStore(t)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("second Init: %v", err)
	}
	set, err := s.GetSettings(context.Background())
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if set.GlobalLock || set.RunningProcesses != 0 {
		t.Errorf("settings after reinit = %+v, want zero row", set)
	}
}

func TestProcessRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	want := testProcess("p-1")
	if err := s.CreateProcess(ctx, want); err != nil {
		t.Fatalf("CreateProcess: %v", err)
	}

	got, err := s.GetProcess(ctx, "p-1")
	if err != nil {
		t.Fatalf("GetProcess: %v", err)
	}
	if got.WorkflowName != want.WorkflowName || got.Target != want.Target ||
		got.LastStatus != want.LastStatus || got.Assignee != want.Assignee ||
		got.CreatedBy != want.CreatedBy || got.IsTask {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if !got.StartedAt.Equal(want.StartedAt) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, want.StartedAt)
	}
	if got.Version != 0 {
		t.Errorf("fresh process version = %d", got.Version)
	}

	if _, err := s.GetProcess(ctx, "nope"); stroom.KindOf(err) != stroom.KindNotFound {
		t.Errorf("missing process err = %v", err)
	}
}

func TestUpdateProcessVersionCheck(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	s.CreateProcess(ctx, testProcess("p-1"))

	p, _ := s.GetProcess(ctx, "p-1")
	p.LastStatus = stroom.StatusCompleted
	p.LastStep = "Done"
	p.LastModifiedAt = time.Now()
	if err := s.UpdateProcess(ctx, p); err != nil {
		t.Fatalf("UpdateProcess: %v", err)
	}

	got, _ := s.GetProcess(ctx, "p-1")
	if got.LastStatus != stroom.StatusCompleted || got.Version != 1 {
		t.Errorf("after update: status=%s version=%d", got.LastStatus, got.Version)
	}

	// Writing with the stale version loses the race.
	if err := s.UpdateProcess(ctx, p); stroom.KindOf(err) != stroom.KindStaleData {
		t.Errorf("stale update err = %v", err)
	}
	missing := p
	missing.ID = "nope"
	if err := s.UpdateProcess(ctx, missing); stroom.KindOf(err) != stroom.KindNotFound {
		t.Errorf("missing update err = %v", err)
	}
}

func TestListProcessesByStatus(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	base := time.Now()
	for i, st := range []stroom.ProcessStatus{stroom.StatusCompleted, stroom.StatusWaiting, stroom.StatusFailed} {
		p := testProcess("p-" + string(rune('a'+i)))
		p.LastStatus = st
		p.StartedAt = base.Add(time.Duration(i) * time.Second)
		if err := s.CreateProcess(ctx, p); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListProcesses(ctx, stroom.StatusWaiting, stroom.StatusFailed)
	if err != nil {
		t.Fatalf("ListProcesses: %v", err)
	}
	if len(got) != 2 || got[0].ID != "p-b" || got[1].ID != "p-c" {
		t.Errorf("filtered list = %+v", got)
	}

	all, err := s.ListProcesses(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("unfiltered list len = %d", len(all))
	}
}

func TestDeleteCompletedTasks(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	old := testProcess("old-task")
	old.IsTask = true
	old.LastStatus = stroom.StatusCompleted
	old.LastModifiedAt = time.Now().Add(-48 * time.Hour)
	fresh := testProcess("fresh-task")
	fresh.IsTask = true
	fresh.LastStatus = stroom.StatusCompleted
	workflow := testProcess("old-workflow")
	workflow.LastStatus = stroom.StatusCompleted
	workflow.LastModifiedAt = old.LastModifiedAt
	for _, p := range []stroom.Process{old, fresh, workflow} {
		if err := s.CreateProcess(ctx, p); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.DeleteCompletedTasks(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteCompletedTasks: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}
	if _, err := s.GetProcess(ctx, "old-task"); stroom.KindOf(err) != stroom.KindNotFound {
		t.Error("old task survived")
	}
	if _, err := s.GetProcess(ctx, "old-workflow"); err != nil {
		t.Errorf("non-task deleted: %v", err)
	}
}

func TestStepLog(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	s.CreateProcess(ctx, testProcess("p-1"))

	base := time.Now()
	rows := []stroom.ProcessStep{
		{ID: "s-1", ProcessID: "p-1", Name: "Initialize", Status: stroom.TagSuccess,
			State: stroom.State{"port_id": "po-7"}, ExecutedAt: base, CreatedBy: "SYSTEM", CommitHash: "abc123"},
		{ID: "s-2", ProcessID: "p-1", Name: "Provision", Status: stroom.TagWaiting,
			State: stroom.State{"error": "timeout", "retries": float64(1)}, ExecutedAt: base.Add(time.Second), CreatedBy: "SYSTEM"},
	}
	for _, r := range rows {
		if err := s.InsertStep(ctx, r); err != nil {
			t.Fatalf("InsertStep: %v", err)
		}
	}

	got, err := s.ListSteps(ctx, "p-1")
	if err != nil {
		t.Fatalf("ListSteps: %v", err)
	}
	if len(got) != 2 || got[0].Name != "Initialize" || got[1].Name != "Provision" {
		t.Fatalf("log = %+v", got)
	}
	if got[0].State.GetString("port_id") != "po-7" {
		t.Errorf("state lost: %v", got[0].State)
	}
	if got[0].CommitHash != "abc123" {
		t.Errorf("commit hash = %q", got[0].CommitHash)
	}

	// Folding a retry rewrites the row in place; commit hash survives.
	retried := rows[1]
	retried.Status = stroom.TagSuccess
	retried.State = stroom.State{"retries": float64(2)}
	retried.ExecutedAt = base.Add(2 * time.Second)
	if err := s.UpdateStep(ctx, retried); err != nil {
		t.Fatalf("UpdateStep: %v", err)
	}
	got, _ = s.ListSteps(ctx, "p-1")
	if len(got) != 2 {
		t.Fatalf("update inserted a row: %d", len(got))
	}
	if retries, ok := got[1].State.GetInt("retries"); got[1].Status != stroom.TagSuccess || !ok || retries != 2 {
		t.Errorf("updated row = %+v", got[1])
	}

	missing := retried
	missing.ID = "s-404"
	if err := s.UpdateStep(ctx, missing); stroom.KindOf(err) != stroom.KindNotFound {
		t.Errorf("missing step update err = %v", err)
	}
}

func TestWorkflowRecords(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	rec := stroom.WorkflowRecord{
		ID: "w-1", Name: "create_port", Target: stroom.TargetCreate,
		Description: "Create a port", CreatedAt: time.Now(),
	}
	if err := s.UpsertWorkflow(ctx, rec); err != nil {
		t.Fatalf("UpsertWorkflow: %v", err)
	}

	// Re-registering the same name updates metadata, keeps the row.
	rec.ID = "w-ignored"
	rec.Description = "Create a customer port"
	if err := s.UpsertWorkflow(ctx, rec); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	got, err := s.GetWorkflowRecord(ctx, "create_port")
	if err != nil {
		t.Fatalf("GetWorkflowRecord: %v", err)
	}
	if got.ID != "w-1" || got.Description != "Create a customer port" {
		t.Errorf("after upsert: %+v", got)
	}

	if err := s.SoftDeleteWorkflow(ctx, "create_port"); err != nil {
		t.Fatalf("SoftDeleteWorkflow: %v", err)
	}
	list, err := s.ListWorkflowRecords(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Errorf("deleted workflow still listed: %+v", list)
	}
	// The row itself stays, marked with a deletion time.
	got, err = s.GetWorkflowRecord(ctx, "create_port")
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if got.DeletedAt == nil {
		t.Error("DeletedAt not set")
	}
}

func TestSubscriptionLinks(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)
	s.CreateProcess(ctx, testProcess("p-1"))

	link := stroom.ProcessSubscription{
		ID: "l-1", ProcessID: "p-1", SubscriptionID: "sub-7",
		Target: stroom.TargetCreate, CreatedAt: time.Now(),
	}
	if err := s.LinkSubscription(ctx, link); err != nil {
		t.Fatalf("LinkSubscription: %v", err)
	}
	// Linking the same subscription again is a no-op.
	link.ID = "l-2"
	if err := s.LinkSubscription(ctx, link); err != nil {
		t.Fatalf("duplicate link: %v", err)
	}

	got, err := s.ListProcessSubscriptions(ctx, "p-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].SubscriptionID != "sub-7" {
		t.Errorf("links = %+v", got)
	}
}

func TestRunCounting(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	ok, err := s.TryBeginRun(ctx)
	if err != nil || !ok {
		t.Fatalf("TryBeginRun: (%v, %v)", ok, err)
	}
	set, _ := s.GetSettings(ctx)
	if set.RunningProcesses != 1 {
		t.Errorf("running = %d, want 1", set.RunningProcesses)
	}

	if _, err := s.SetGlobalLock(ctx, true); err != nil {
		t.Fatalf("SetGlobalLock: %v", err)
	}
	ok, err = s.TryBeginRun(ctx)
	if err != nil {
		t.Fatalf("TryBeginRun paused: %v", err)
	}
	if ok {
		t.Error("dispatch admitted while paused")
	}

	if err := s.EndRun(ctx); err != nil {
		t.Fatalf("EndRun: %v", err)
	}
	// The counter bottoms out at zero instead of going negative.
	if err := s.EndRun(ctx); err != nil {
		t.Fatalf("extra EndRun: %v", err)
	}
	set, _ = s.GetSettings(ctx)
	if set.RunningProcesses != 0 {
		t.Errorf("running = %d, want 0", set.RunningProcesses)
	}

	set, err = s.SetGlobalLock(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if set.GlobalLock {
		t.Error("lock not cleared")
	}
	if ok, _ := s.TryBeginRun(ctx); !ok {
		t.Error("dispatch refused after unpause")
	}
}
