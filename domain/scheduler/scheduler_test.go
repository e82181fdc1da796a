package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/avesa-io/avesa/domain/pipeline"
	"github.com/avesa-io/avesa/domain/state"
)

func TestScheduler_IsRunning(t *testing.T) {
	log := slog.Default()
	s := NewScheduler(log)

	// Initially should not be running
	if s.IsRunning() {
		t.Error("New scheduler should not be running")
	}

	// After Start, should be running
	// Note: We can't easily test Start/Stop without a context,
	// but we can test the internal running field
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	if !s.IsRunning() {
		t.Error("Scheduler should be running after setting running=true")
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	if s.IsRunning() {
		t.Error("Scheduler should not be running after setting running=false")
	}
}

func TestScheduler_ListTasks(t *testing.T) {
	log := slog.Default()
	s := NewScheduler(log)

	// Initially should have no tasks
	tasks := s.ListTasks()
	if len(tasks) != 0 {
		t.Errorf("New scheduler should have 0 tasks, got %d", len(tasks))
	}

	// Manually add a task entry
	s.mu.Lock()
	s.tasks["task1"] = 1
	s.tasks["task2"] = 2
	s.mu.Unlock()

	tasks = s.ListTasks()
	if len(tasks) != 2 {
		t.Errorf("Expected 2 tasks, got %d", len(tasks))
	}

	// Check that both tasks are present
	hasTask1, hasTask2 := false, false
	for _, name := range tasks {
		if name == "task1" {
			hasTask1 = true
		}
		if name == "task2" {
			hasTask2 = true
		}
	}

	if !hasTask1 {
		t.Error("Expected task1 in list")
	}
	if !hasTask2 {
		t.Error("Expected task2 in list")
	}
}

func TestScheduler_ListTasks_Empty(t *testing.T) {
	log := slog.Default()
	s := NewScheduler(log)

	tasks := s.ListTasks()
	if tasks == nil {
		t.Error("ListTasks should return non-nil slice")
	}
	if len(tasks) != 0 {
		t.Errorf("ListTasks should return empty slice, got %d items", len(tasks))
	}
}

func TestNewScheduler(t *testing.T) {
	log := slog.Default()
	s := NewScheduler(log)

	if s == nil {
		t.Fatal("NewScheduler returned nil")
	}
	if s.cron == nil {
		t.Error("Scheduler cron should not be nil")
	}
	if s.tasks == nil {
		t.Error("Scheduler tasks map should not be nil")
	}
	if s.running {
		t.Error("New scheduler should not be running")
	}
	if s.taskTimeout != defaultTaskTimeout {
		t.Errorf("taskTimeout = %v, want %v", s.taskTimeout, defaultTaskTimeout)
	}
}

func TestScheduler_SetTaskTimeout(t *testing.T) {
	s := NewScheduler(slog.Default())

	s.SetTaskTimeout(2 * time.Hour)
	if s.taskTimeout != 2*time.Hour {
		t.Errorf("taskTimeout = %v, want 2h", s.taskTimeout)
	}

	// Zero and negative values are ignored
	s.SetTaskTimeout(0)
	if s.taskTimeout != 2*time.Hour {
		t.Errorf("taskTimeout = %v after SetTaskTimeout(0), want 2h", s.taskTimeout)
	}
	s.SetTaskTimeout(-time.Minute)
	if s.taskTimeout != 2*time.Hour {
		t.Errorf("taskTimeout = %v after negative set, want 2h", s.taskTimeout)
	}
}

func TestTaskInfo_Struct(t *testing.T) {
	// Test that TaskInfo struct has the expected fields
	info := TaskInfo{
		Name:     "test-task",
		Schedule: "@every 1h",
	}

	if info.Name != "test-task" {
		t.Errorf("Name = %q, want %q", info.Name, "test-task")
	}
	if info.Schedule != "@every 1h" {
		t.Errorf("Schedule = %q, want %q", info.Schedule, "@every 1h")
	}
	if !info.NextRun.IsZero() {
		t.Error("NextRun should be zero value")
	}
	if !info.PrevRun.IsZero() {
		t.Error("PrevRun should be zero value")
	}
}

func TestScheduler_GetTaskInfo_Empty(t *testing.T) {
	log := slog.Default()
	s := NewScheduler(log)

	info := s.GetTaskInfo()
	// GetTaskInfo returns nil for empty scheduler (not an empty slice)
	if len(info) != 0 {
		t.Errorf("GetTaskInfo should return empty result, got %d items", len(info))
	}
}

func TestScheduler_GetTaskInfo_WithTasks(t *testing.T) {
	log := slog.Default()
	s := NewScheduler(log)

	// Add a cron task - this adds an entry to both s.tasks and s.cron
	dummyTask := func(ctx context.Context) error {
		return nil
	}

	// Add task with a simple cron schedule
	err := s.AddCronTask("test-task", "@every 1h", dummyTask)
	if err != nil {
		t.Fatalf("Failed to add cron task: %v", err)
	}

	// Now GetTaskInfo should return the task info
	info := s.GetTaskInfo()
	if len(info) != 1 {
		t.Fatalf("GetTaskInfo should return 1 item, got %d", len(info))
	}

	if info[0].Name != "test-task" {
		t.Errorf("TaskInfo.Name = %q, want %q", info[0].Name, "test-task")
	}
	// Schedule should contain a valid time string
	if info[0].Schedule == "" {
		t.Error("TaskInfo.Schedule should not be empty")
	}
}

func TestScheduler_GetTaskInfo_MultipleTasks(t *testing.T) {
	log := slog.Default()
	s := NewScheduler(log)

	dummyTask := func(ctx context.Context) error {
		return nil
	}

	// Add multiple tasks
	err := s.AddCronTask("task-a", "@every 30m", dummyTask)
	if err != nil {
		t.Fatalf("Failed to add task-a: %v", err)
	}

	err = s.AddIntervalTask("task-b", 15*time.Minute, dummyTask)
	if err != nil {
		t.Fatalf("Failed to add task-b: %v", err)
	}

	info := s.GetTaskInfo()
	if len(info) != 2 {
		t.Fatalf("GetTaskInfo should return 2 items, got %d", len(info))
	}

	// Check both tasks are present (order is not guaranteed due to map iteration)
	taskNames := make(map[string]bool)
	for _, ti := range info {
		taskNames[ti.Name] = true
	}

	if !taskNames["task-a"] {
		t.Error("Expected task-a in GetTaskInfo result")
	}
	if !taskNames["task-b"] {
		t.Error("Expected task-b in GetTaskInfo result")
	}
}

func TestScheduler_AddCronTask_ReplaceExisting(t *testing.T) {
	log := slog.Default()
	s := NewScheduler(log)

	dummyTask := func(ctx context.Context) error {
		return nil
	}

	// Add a task
	err := s.AddCronTask("task1", "@every 1h", dummyTask)
	if err != nil {
		t.Fatalf("Failed to add task: %v", err)
	}

	// Verify task exists
	tasks := s.ListTasks()
	if len(tasks) != 1 {
		t.Fatalf("Expected 1 task, got %d", len(tasks))
	}

	// Replace with a new task (same name)
	err = s.AddCronTask("task1", "@every 30m", dummyTask)
	if err != nil {
		t.Fatalf("Failed to replace task: %v", err)
	}

	// Should still have only 1 task (replaced)
	tasks = s.ListTasks()
	if len(tasks) != 1 {
		t.Fatalf("Expected 1 task after replace, got %d", len(tasks))
	}
}

func TestScheduler_AddIntervalTask_ReplaceExisting(t *testing.T) {
	log := slog.Default()
	s := NewScheduler(log)

	dummyTask := func(ctx context.Context) error {
		return nil
	}

	// Add a task
	err := s.AddIntervalTask("task1", 1*time.Hour, dummyTask)
	if err != nil {
		t.Fatalf("Failed to add task: %v", err)
	}

	// Verify task exists
	tasks := s.ListTasks()
	if len(tasks) != 1 {
		t.Fatalf("Expected 1 task, got %d", len(tasks))
	}

	// Replace with a new task (same name)
	err = s.AddIntervalTask("task1", 30*time.Minute, dummyTask)
	if err != nil {
		t.Fatalf("Failed to replace task: %v", err)
	}

	// Should still have only 1 task (replaced)
	tasks = s.ListTasks()
	if len(tasks) != 1 {
		t.Fatalf("Expected 1 task after replace, got %d", len(tasks))
	}
}

func TestScheduler_AddCronTask_InvalidSchedule(t *testing.T) {
	log := slog.Default()
	s := NewScheduler(log)

	dummyTask := func(ctx context.Context) error {
		return nil
	}

	// Try to add task with invalid cron schedule
	err := s.AddCronTask("task1", "not a valid schedule", dummyTask)
	if err == nil {
		t.Error("Expected error for invalid schedule, got nil")
	}

	// Verify no task was added
	tasks := s.ListTasks()
	if len(tasks) != 0 {
		t.Errorf("Expected 0 tasks after failed add, got %d", len(tasks))
	}
}

func TestAddScheduledTask_CronOverridesInterval(t *testing.T) {
	log := slog.Default()
	s := NewScheduler(log)

	task := func(ctx context.Context) error { return nil }

	// With cron schedule set, should use AddCronTask
	err := addScheduledTask(s, log, "test_cron", "0 0 2 * * *", 5*time.Minute, task)
	if err != nil {
		t.Fatalf("addScheduledTask with cron schedule failed: %v", err)
	}

	tasks := s.ListTasks()
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
	if tasks[0] != "test_cron" {
		t.Errorf("task name = %q, want test_cron", tasks[0])
	}
}

func TestAddScheduledTask_FallbackToInterval(t *testing.T) {
	log := slog.Default()
	s := NewScheduler(log)

	task := func(ctx context.Context) error { return nil }

	// With empty cron schedule, should use AddIntervalTask
	err := addScheduledTask(s, log, "test_interval", "", 5*time.Minute, task)
	if err != nil {
		t.Fatalf("addScheduledTask with interval fallback failed: %v", err)
	}

	tasks := s.ListTasks()
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
	if tasks[0] != "test_interval" {
		t.Errorf("task name = %q, want test_interval", tasks[0])
	}
}

// =============================================================================
// Task Tests
// =============================================================================

type fakeRunner struct {
	mu     sync.Mutex
	opts   []pipeline.RunOptions
	report *pipeline.Report
	err    error
}

func (f *fakeRunner) Run(ctx context.Context, opts pipeline.RunOptions) (*pipeline.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opts = append(f.opts, opts)
	if f.err != nil {
		return nil, f.err
	}
	return f.report, nil
}

func TestScheduledIngestTask_RunsScheduledKind(t *testing.T) {
	runner := &fakeRunner{report: &pipeline.Report{JobID: "job-1", Status: state.JobStatusSucceeded}}
	task := NewScheduledIngestTask(runner, slog.Default())

	if err := task.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if len(runner.opts) != 1 {
		t.Fatalf("expected 1 orchestrator run, got %d", len(runner.opts))
	}
	opts := runner.opts[0]
	if opts.RunKind != state.RunKindScheduled {
		t.Errorf("RunKind = %q, want scheduled", opts.RunKind)
	}
	if opts.TenantFilter != "" || opts.TableFilter != "" {
		t.Error("scheduled runs must not carry filters")
	}
	if opts.FullSync || opts.Backfill != nil {
		t.Error("scheduled runs must be incremental")
	}
}

func TestScheduledIngestTask_PropagatesStartupError(t *testing.T) {
	runner := &fakeRunner{err: errors.New("state store unreachable")}
	task := NewScheduledIngestTask(runner, slog.Default())

	if err := task.Run(context.Background()); err == nil {
		t.Fatal("expected error when the run cannot start")
	}
}

func TestStaleChunkRecoveryTask_RecoversAbandonedChunks(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemory()

	// Claim a chunk two hours in the past so the sweep sees it as
	// abandoned by a dead worker.
	past := time.Now().Add(-2 * time.Hour)
	store.SetClock(func() time.Time { return past })

	if err := store.CreateJob(ctx, &state.Job{ID: "job-1", RunKind: state.RunKindManual}); err != nil {
		t.Fatal(err)
	}
	chunk := &state.ChunkProgress{
		JobID:       "job-1",
		ChunkID:     "chunk-1",
		TenantID:    "acme",
		Service:     "connectwise",
		TableName:   "company/companies",
		WindowStart: past,
		WindowEnd:   past.Add(24 * time.Hour),
	}
	if err := store.UpsertChunk(ctx, chunk); err != nil {
		t.Fatal(err)
	}
	if _, err := store.ClaimChunk(ctx, "job-1", "chunk-1"); err != nil {
		t.Fatal(err)
	}
	store.SetClock(time.Now)

	task := NewStaleChunkRecoveryTask(store, 30*time.Minute, slog.Default())
	if err := task.Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	chunks, err := store.ListChunks(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0].Status != state.ChunkStatusTimedOut {
		t.Errorf("Status = %q, want timed_out", chunks[0].Status)
	}
}

func TestStaleChunkRecoveryTask_LeavesFreshChunksAlone(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemory()

	if err := store.CreateJob(ctx, &state.Job{ID: "job-1", RunKind: state.RunKindManual}); err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	chunk := &state.ChunkProgress{
		JobID:       "job-1",
		ChunkID:     "chunk-1",
		TenantID:    "acme",
		Service:     "connectwise",
		TableName:   "company/companies",
		WindowStart: now.Add(-24 * time.Hour),
		WindowEnd:   now,
	}
	if err := store.UpsertChunk(ctx, chunk); err != nil {
		t.Fatal(err)
	}
	if _, err := store.ClaimChunk(ctx, "job-1", "chunk-1"); err != nil {
		t.Fatal(err)
	}

	task := NewStaleChunkRecoveryTask(store, 30*time.Minute, slog.Default())
	if err := task.Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	chunks, err := store.ListChunks(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if chunks[0].Status != state.ChunkStatusInProgress {
		t.Errorf("Status = %q, want in_progress", chunks[0].Status)
	}
}

func TestNewStaleChunkRecoveryTask_DefaultsThreshold(t *testing.T) {
	task := NewStaleChunkRecoveryTask(state.NewMemory(), 0, slog.Default())
	if task.olderThan != 30*time.Minute {
		t.Errorf("olderThan = %v, want 30m", task.olderThan)
	}
}
