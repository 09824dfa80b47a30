package plugin

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"plugind/pkg/plugin/backup"
	"plugind/pkg/plugin/hooks"
	"plugind/pkg/plugin/loader"
	"plugind/pkg/profiling"
)

type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

func (s TaskStatus) terminal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskCancelled
}

// UpdateTask is a snapshot of one queued update.
type UpdateTask struct {
	ID         string     `json:"id"`
	PluginID   string     `json:"plugin_id"`
	SourcePath string     `json:"source_path"`
	Status     TaskStatus `json:"status"`
	Error      string     `json:"error,omitempty"`
	QueuedAt   time.Time  `json:"queued_at"`
	StartedAt  time.Time  `json:"started_at,omitempty"`
	FinishedAt time.Time  `json:"finished_at,omitempty"`
}

type task struct {
	UpdateTask
	done   chan struct{}
	flight inflight
}

// inflight is how far a running task got. Only the worker goroutine
// touches it.
type inflight struct {
	record    PluginRecord
	backup    *backup.Backup
	committed bool
}

// BackupService is the part of backup.Service the worker relies on.
type BackupService interface {
	CreateBackup(ctx context.Context, pluginPath string) (*backup.Backup, error)
	RestoreBackup(ctx context.Context, pluginPath string, b *backup.Backup) error
	Delete(b *backup.Backup) error
}

const (
	retainFinishedTasks = 256
	restoreRetries      = 2
)

type workerDeps struct {
	lock           sync.Locker
	store          *StateStore
	graph          *DependencyGraph
	validator      *Validator
	metadata       *MetadataStore
	backups        BackupService
	bus            *hooks.Bus
	logger         Logger
	metrics        *Metrics
	tracer         *profiling.Tracer
	backoffInitial time.Duration
	backoffMax     time.Duration
	queueHint      int64
}

// UpdateWorker applies queued updates one at a time in arrival order.
type UpdateWorker struct {
	workerDeps

	queue *queue.Queue

	mu       sync.Mutex
	tasks    map[string]*task
	pending  []*task
	finished []string
	running  string

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	started   bool
	stopped   bool
	wg        sync.WaitGroup
}

func newUpdateWorker(deps workerDeps) *UpdateWorker {
	if deps.backoffInitial <= 0 {
		deps.backoffInitial = 100 * time.Millisecond
	}
	if deps.backoffMax < deps.backoffInitial {
		deps.backoffMax = 5 * time.Second
	}
	if deps.queueHint <= 0 {
		deps.queueHint = 64
	}
	return &UpdateWorker{
		workerDeps: deps,
		queue:      queue.New(deps.queueHint),
		tasks:      make(map[string]*task),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the consumer loop. Cancelling ctx stops the worker the
// same way Stop does.
func (w *UpdateWorker) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		w.mu.Lock()
		w.started = true
		w.mu.Unlock()

		w.wg.Add(1)
		go w.loop(context.WithoutCancel(ctx))

		go func() {
			select {
			case <-ctx.Done():
				w.Stop()
			case <-w.stopCh:
			}
		}()
		w.logger.Info("update worker started")
	})
}

// Stop waits for the running task to finish. Tasks still queued are
// cancelled without being applied.
func (w *UpdateWorker) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.stopped = true
		w.mu.Unlock()

		close(w.stopCh)
		w.queue.Dispose()
	})
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, t := range w.pending {
		w.finishLocked(t, TaskCancelled, ErrWorkerStopped)
	}
	if n := len(w.pending); n > 0 {
		w.logger.Warn("update worker stopped with queued tasks", "count", n)
	}
	w.pending = nil
	w.metrics.setQueueDepth(0)
}

// Healthy reports whether the consumer loop is running.
func (w *UpdateWorker) Healthy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started && !w.stopped
}

// Enqueue adds an update task and returns it with its 1-based position
// among the queued tasks.
func (w *UpdateWorker) Enqueue(pluginID, sourcePath string) (UpdateTask, int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return UpdateTask{}, 0, ErrWorkerStopped
	}

	t := &task{
		UpdateTask: UpdateTask{
			ID:         uuid.NewString(),
			PluginID:   pluginID,
			SourcePath: sourcePath,
			Status:     TaskQueued,
			QueuedAt:   time.Now().UTC(),
		},
		done: make(chan struct{}),
	}
	if err := w.queue.Put(t); err != nil {
		if errors.Is(err, queue.ErrDisposed) {
			return UpdateTask{}, 0, ErrWorkerStopped
		}
		return UpdateTask{}, 0, err
	}

	w.tasks[t.ID] = t
	w.pending = append(w.pending, t)
	w.metrics.setQueueDepth(len(w.pending))
	return t.UpdateTask, len(w.pending), nil
}

func (w *UpdateWorker) CancelUpdate(taskID string) (UpdateTask, error) {
	w.mu.Lock()
	t, ok := w.tasks[taskID]
	if !ok {
		w.mu.Unlock()
		return UpdateTask{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if t.Status != TaskQueued {
		w.mu.Unlock()
		return t.UpdateTask, fmt.Errorf("%w: %s is %s", ErrTaskNotCancellable, taskID, t.Status)
	}
	w.removePendingLocked(t)
	w.finishLocked(t, TaskCancelled, nil)
	snapshot := t.UpdateTask
	w.mu.Unlock()

	w.bus.Emit(hooks.NewEvent(snapshot.PluginID, hooks.UpdateCancelledPayload{TaskID: snapshot.ID}))
	return snapshot, nil
}

// cancelPlugin cancels every queued task of pluginID.
func (w *UpdateWorker) cancelPlugin(pluginID string) []UpdateTask {
	w.mu.Lock()
	var cancelled []UpdateTask
	for _, t := range append([]*task(nil), w.pending...) {
		if t.PluginID != pluginID {
			continue
		}
		w.removePendingLocked(t)
		w.finishLocked(t, TaskCancelled, nil)
		cancelled = append(cancelled, t.UpdateTask)
	}
	w.mu.Unlock()

	for _, t := range cancelled {
		w.bus.Emit(hooks.NewEvent(pluginID, hooks.UpdateCancelledPayload{TaskID: t.ID}))
	}
	return cancelled
}

// Queue lists the tasks waiting to run, oldest first.
func (w *UpdateWorker) Queue() []UpdateTask {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]UpdateTask, 0, len(w.pending))
	for _, t := range w.pending {
		out = append(out, t.UpdateTask)
	}
	return out
}

func (w *UpdateWorker) Task(taskID string) (UpdateTask, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	t, ok := w.tasks[taskID]
	if !ok {
		return UpdateTask{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return t.UpdateTask, nil
}

// Running returns the id of the task being applied, or "".
func (w *UpdateWorker) Running() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// WaitTask blocks until the task reaches a terminal status or ctx is done.
func (w *UpdateWorker) WaitTask(ctx context.Context, taskID string) (UpdateTask, error) {
	w.mu.Lock()
	t, ok := w.tasks[taskID]
	w.mu.Unlock()
	if !ok {
		return UpdateTask{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	select {
	case <-t.done:
		return w.Task(taskID)
	case <-ctx.Done():
		snapshot, _ := w.Task(taskID)
		return snapshot, ctx.Err()
	}
}

func (w *UpdateWorker) loop(ctx context.Context) {
	defer w.wg.Done()

	bo := w.newBackOff()
	for {
		items, err := w.queue.Get(1)
		if err != nil {
			if !errors.Is(err, queue.ErrDisposed) {
				w.logger.Error("update queue failed", "error", err)
			}
			return
		}

		for _, item := range items {
			t, ok := item.(*task)
			if !ok || !w.claim(t) {
				continue
			}

			if err := w.runSafely(ctx, t); err != nil {
				wait := bo.NextBackOff()
				w.logger.Warn("update worker recovered from internal error",
					"task", t.ID, "error", err, "backoff", wait)
				select {
				case <-time.After(wait):
				case <-w.stopCh:
					return
				}
				continue
			}
			bo.Reset()
		}
	}
}

func (w *UpdateWorker) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.backoffInitial
	bo.MaxInterval = w.backoffMax
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

func (w *UpdateWorker) claim(t *task) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t.Status != TaskQueued {
		return false
	}
	w.removePendingLocked(t)
	t.Status = TaskRunning
	t.StartedAt = time.Now().UTC()
	w.running = t.ID
	return true
}

// runSafely converts a panic in one task into a failed task so the loop
// keeps going. The plugin is settled as an ordinary failure at the same
// step would settle it.
func (w *UpdateWorker) runSafely(ctx context.Context, t *task) (err error) {
	start := time.Now()
	spanCtx, span := w.tracer.Start(ctx, "plugin.update", "plugin.id", t.PluginID, "task.id", t.ID)
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		err = fmt.Errorf("panic: %v", r)
		w.logger.Error("update task panicked", "task", t.ID, "plugin", t.PluginID,
			"panic", r, "stack", string(debug.Stack()))
		w.recoverTask(spanCtx, t, err)
		span.End(err)
		w.metrics.observeUpdate(TaskFailed, time.Since(start))
		w.complete(t, TaskFailed, err)
	}()

	runErr := w.process(spanCtx, t)
	span.End(runErr)

	status := TaskSucceeded
	if runErr != nil {
		status = TaskFailed
	}
	w.metrics.observeUpdate(status, time.Since(start))
	w.complete(t, status, runErr)
	return nil
}

func (w *UpdateWorker) process(ctx context.Context, t *task) error {
	rec, err := w.begin(t.PluginID)
	if err != nil {
		w.logger.Warn("update skipped", "task", t.ID, "plugin", t.PluginID, "error", err)
		return err
	}
	t.flight.record = rec
	w.bus.Emit(hooks.NewEvent(rec.ID, hooks.UpdateStartedPayload{TaskID: t.ID}))

	b, err := w.backups.CreateBackup(ctx, rec.Path)
	if err != nil {
		uerr := &UpdateError{PluginID: rec.ID, TaskID: t.ID, Op: OpBackup, Err: err}
		w.logger.Error("backup before update failed", "plugin", rec.ID, "task", t.ID, "error", err)
		w.markError(rec.ID, uerr.Error())
		w.bus.Emit(hooks.NewEvent(rec.ID, hooks.ErrorPayload{
			Op: string(OpBackup), Message: uerr.Error(), TaskID: t.ID,
		}))
		return uerr
	}

	t.flight.backup = b

	meta, applyErr := w.apply(ctx, rec, t.SourcePath)
	if applyErr != nil {
		return w.rollback(ctx, rec, t, b, applyErr)
	}

	if err := w.commit(rec.ID, meta); err != nil {
		// The record was deleted underneath us; nothing left to report on.
		return err
	}
	t.flight.committed = true

	if err := w.backups.Delete(b); err != nil {
		w.logger.Warn("failed to delete backup", "plugin", rec.ID, "backup", b.Path, "error", err)
	}
	w.logger.Info("plugin updated", "plugin", rec.ID, "from", rec.Version, "to", meta.Version, "task", t.ID)
	w.bus.Emit(hooks.NewEvent(rec.ID, hooks.UpdatedPayload{
		TaskID:          t.ID,
		PreviousVersion: rec.Version,
		Version:         meta.Version,
	}))
	return nil
}

func (w *UpdateWorker) commit(pluginID string, meta PluginMetadata) error {
	w.lock.Lock()
	defer w.lock.Unlock()

	_, err := w.store.Update(pluginID, func(r *PluginRecord) error {
		r.State = StateInstalled
		r.Version = meta.Version
		r.Dependencies = append([]string(nil), meta.Dependencies...)
		r.Metadata = meta
		r.LastUpdatedAt = time.Now().UTC()
		r.Errors = nil
		return nil
	})
	if err != nil {
		return err
	}
	w.graph.SetDependencies(pluginID, meta.Dependencies)
	return nil
}

// recoverTask settles a task that panicked. After a backup exists the
// panic is rolled back like any apply failure; before that no file has
// changed and the plugin is only marked failed.
func (w *UpdateWorker) recoverTask(ctx context.Context, t *task, cause error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("recovering panicked update failed", "severity", "critical",
				"task", t.ID, "plugin", t.PluginID, "panic", r)
			w.markError(t.PluginID, cause.Error(), fmt.Sprintf("recovery failed: %v", r))
		}
	}()

	f := t.flight
	switch {
	case f.committed:
		w.logger.Warn("update panicked after it was committed", "task", t.ID, "plugin", t.PluginID)
	case f.backup != nil:
		_ = w.rollback(ctx, f.record, t, f.backup, cause)
	default:
		w.markError(t.PluginID, cause.Error())
		w.bus.Emit(hooks.NewEvent(t.PluginID, hooks.ErrorPayload{
			Op: string(OpBackup), Message: cause.Error(), TaskID: t.ID,
		}))
	}
}

// begin moves the record to UPDATING before any file is touched.
func (w *UpdateWorker) begin(pluginID string) (PluginRecord, error) {
	w.lock.Lock()
	defer w.lock.Unlock()

	return w.store.Update(pluginID, func(r *PluginRecord) error {
		r.State = StateUpdating
		return nil
	})
}

func (w *UpdateWorker) apply(ctx context.Context, rec PluginRecord, sourcePath string) (PluginMetadata, error) {
	src, err := loader.Open(sourcePath, w.metadata.Files(), loader.WithMaxBytes(w.validator.MaxSize()))
	if err != nil {
		return PluginMetadata{}, err
	}
	if err := src.CopyTo(ctx, rec.Path); err != nil {
		return PluginMetadata{}, fmt.Errorf("failed to apply %s: %w", sourcePath, err)
	}

	res := w.validator.Validate(rec.Path)
	if !res.Valid {
		return PluginMetadata{}, &ValidationError{PluginID: rec.ID, Problems: res.Errors}
	}
	if cycle := w.graph.WouldCycle(rec.ID, res.Metadata.Dependencies); len(cycle) > 0 {
		return PluginMetadata{}, fmt.Errorf("%w: %s", ErrCircularDependency, strings.Join(cycle, " -> "))
	}
	return res.Metadata, nil
}

func (w *UpdateWorker) rollback(ctx context.Context, rec PluginRecord, t *task, b *backup.Backup, applyErr error) error {
	uerr := &UpdateError{PluginID: rec.ID, TaskID: t.ID, Op: OpApply, Err: applyErr}

	restore := func() error { return w.backups.RestoreBackup(ctx, rec.Path, b) }
	policy := backoff.WithContext(backoff.WithMaxRetries(w.newBackOff(), restoreRetries), ctx)
	if restoreErr := backoff.Retry(restore, policy); restoreErr != nil {
		uerr.RestoreErr = restoreErr
		uerr.Err = multierror.Append(applyErr, restoreErr)
		w.logger.Error("restore after failed update failed, manual intervention required",
			"severity", "critical", "plugin", rec.ID, "task", t.ID, "backup", b.Path,
			"error", applyErr, "restore_error", restoreErr)
		w.markError(rec.ID,
			fmt.Sprintf("update failed: %v", applyErr),
			fmt.Sprintf("restore failed: %v", restoreErr))
		w.bus.Emit(hooks.NewEvent(rec.ID, hooks.ErrorPayload{
			Op: string(OpRestore), Message: uerr.Error(), TaskID: t.ID, RestoreFailed: true,
		}))
		return uerr
	}

	w.logger.Warn("update failed, plugin restored from backup", "plugin", rec.ID, "task", t.ID, "error", applyErr)
	w.revert(rec, fmt.Sprintf("update failed: %v", applyErr))
	w.bus.Emit(hooks.NewEvent(rec.ID, hooks.ErrorPayload{
		Op: string(OpApply), Message: uerr.Error(), TaskID: t.ID, BackupRestored: true,
	}))
	if err := w.backups.Delete(b); err != nil {
		w.logger.Warn("failed to delete backup", "plugin", rec.ID, "backup", b.Path, "error", err)
	}
	return uerr
}

// revert puts the pre-update record back, in ERROR, once its files have been
// restored.
func (w *UpdateWorker) revert(prev PluginRecord, messages ...string) {
	w.lock.Lock()
	defer w.lock.Unlock()

	prev = prev.Clone()
	_, err := w.store.Update(prev.ID, func(r *PluginRecord) error {
		r.State = StateError
		r.Version = prev.Version
		r.Dependencies = prev.Dependencies
		r.Metadata = prev.Metadata
		r.LastUpdatedAt = prev.LastUpdatedAt
		r.Errors = append(r.Errors, messages...)
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrPluginNotInstalled) {
			w.logger.Error("failed to record update error", "plugin", prev.ID, "error", err)
		}
		return
	}
	w.graph.SetDependencies(prev.ID, prev.Dependencies)
}

func (w *UpdateWorker) markError(pluginID string, messages ...string) {
	w.lock.Lock()
	defer w.lock.Unlock()

	_, err := w.store.Update(pluginID, func(r *PluginRecord) error {
		r.State = StateError
		r.Errors = append(r.Errors, messages...)
		return nil
	})
	if err != nil && !errors.Is(err, ErrPluginNotInstalled) {
		w.logger.Error("failed to record update error", "plugin", pluginID, "error", err)
	}
}

func (w *UpdateWorker) complete(t *task, status TaskStatus, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t.Status.terminal() {
		return
	}
	if w.running == t.ID {
		w.running = ""
	}
	w.finishLocked(t, status, err)
}

func (w *UpdateWorker) finishLocked(t *task, status TaskStatus, err error) {
	t.Status = status
	t.FinishedAt = time.Now().UTC()
	if err != nil {
		t.Error = err.Error()
	}
	close(t.done)

	w.finished = append(w.finished, t.ID)
	for len(w.finished) > retainFinishedTasks {
		delete(w.tasks, w.finished[0])
		w.finished = w.finished[1:]
	}
}

func (w *UpdateWorker) removePendingLocked(t *task) {
	for i, p := range w.pending {
		if p == t {
			w.pending = append(w.pending[:i], w.pending[i+1:]...)
			break
		}
	}
	w.metrics.setQueueDepth(len(w.pending))
}
