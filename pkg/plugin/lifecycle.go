package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"plugind/pkg/plugin/hooks"
	"plugind/pkg/plugin/loader"
	"plugind/pkg/profiling"
)

var pluginIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

const interruptedUpdate = "interrupted update"

type Options struct {
	PluginsRoot string
	Validator   *Validator
	Metadata    *MetadataStore
	Backups     BackupService
	// Persister is optional; without it state lives only in memory.
	Persister Persister
	Logger    Logger
	Metrics   *Metrics
	Tracer    *profiling.Tracer

	QueueSize      int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

type InstallResult struct {
	PluginID    string
	Metadata    PluginMetadata
	InstallPath string
}

type UpdateResult struct {
	TaskID        string
	QueuePosition int
}

type RemoveResult struct {
	PluginID  string
	RemovedAt time.Time
}

// LifecycleManager drives plugins through install, activation, update and
// removal. mu is held for every guard-check-then-mutate sequence and events
// are emitted only after it is released.
type LifecycleManager struct {
	mu sync.Mutex

	root      string
	store     *StateStore
	graph     *DependencyGraph
	validator *Validator
	metadata  *MetadataStore
	bus       *hooks.Bus
	worker    *UpdateWorker
	logger    Logger
	metrics   *Metrics
	tracer    *profiling.Tracer
}

// Open restores persisted records, rebuilds the dependency graph from them
// and prepares the update worker. The worker does not run until Start.
func Open(opts Options) (*LifecycleManager, error) {
	if opts.PluginsRoot == "" {
		return nil, errors.New("plugins root is required")
	}
	if opts.Backups == nil {
		return nil, errors.New("backup service is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if err := os.MkdirAll(opts.PluginsRoot, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create plugins root: %w", err)
	}
	if opts.Metadata == nil {
		opts.Metadata = NewMetadataStore(nil)
	}
	if opts.Validator == nil {
		opts.Validator = NewValidator(ValidatorConfig{Metadata: opts.Metadata})
	}
	if opts.Tracer == nil {
		opts.Tracer = profiling.NewTracer(nil)
	}

	lm := &LifecycleManager{
		root:      opts.PluginsRoot,
		store:     NewStateStore(opts.Persister, opts.Logger),
		graph:     NewDependencyGraph(),
		validator: opts.Validator,
		metadata:  opts.Metadata,
		bus:       hooks.NewBus(opts.Logger),
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
	}

	if err := lm.restore(); err != nil {
		return nil, err
	}

	lm.worker = newUpdateWorker(workerDeps{
		lock:           &lm.mu,
		store:          lm.store,
		graph:          lm.graph,
		validator:      lm.validator,
		metadata:       lm.metadata,
		backups:        opts.Backups,
		bus:            lm.bus,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		tracer:         opts.Tracer,
		backoffInitial: opts.BackoffInitial,
		backoffMax:     opts.BackoffMax,
		queueHint:      int64(opts.QueueSize),
	})

	if lm.metrics != nil {
		lm.bus.Subscribe(hooks.EventAny, func(e hooks.Event) {
			lm.metrics.observeEvent(e)
			lm.metrics.setStateCounts(lm.store.CountByState())
		})
		lm.metrics.setStateCounts(lm.store.CountByState())
	}
	return lm, nil
}

func (lm *LifecycleManager) restore() error {
	if err := lm.store.Load(); err != nil {
		return err
	}

	for id, rec := range lm.store.List() {
		if rec.State == StateUpdating {
			lm.logger.Warn("plugin was mid-update at shutdown, marking as error", "plugin", id)
			if _, err := lm.store.Update(id, func(r *PluginRecord) error {
				r.State = StateError
				r.Errors = append(r.Errors, interruptedUpdate)
				return nil
			}); err != nil {
				return err
			}
		}
		lm.graph.SetDependencies(id, rec.Dependencies)
	}

	if cycle, err := lm.graph.DetectCycle(); err != nil {
		lm.logger.Warn("persisted dependency graph contains a cycle", "cycle", cycle)
	}
	return nil
}

func (lm *LifecycleManager) Start(ctx context.Context) {
	lm.worker.Start(ctx)
}

// Close stops the update worker after the running task finishes.
func (lm *LifecycleManager) Close() error {
	lm.worker.Stop()
	return nil
}

func (lm *LifecycleManager) Healthy() bool {
	return lm.worker.Healthy()
}

func (lm *LifecycleManager) Subscribe(eventType hooks.EventType, l hooks.Listener) (unsubscribe func()) {
	return lm.bus.Subscribe(eventType, l)
}

func (lm *LifecycleManager) emit(events ...hooks.Event) {
	for _, e := range events {
		lm.bus.Emit(e)
	}
}

// Install validates the source in a staging directory under the plugins
// root and moves it into place. An empty pluginID is derived from the
// metadata name or the source file name.
func (lm *LifecycleManager) Install(ctx context.Context, sourcePath, pluginID string) (res InstallResult, err error) {
	ctx, span := lm.tracer.Start(ctx, "plugin.install", "source", sourcePath)
	defer func() { span.End(err) }()

	if pluginID != "" && !pluginIDPattern.MatchString(pluginID) {
		return res, fmt.Errorf("%w: %q", ErrInvalidPluginID, pluginID)
	}

	maxSize := lm.validator.MaxSize()
	src, err := loader.Open(sourcePath, lm.metadata.Files(), loader.WithMaxBytes(maxSize))
	if err != nil {
		return res, err
	}

	staging, err := os.MkdirTemp(lm.root, ".staging-*")
	if err != nil {
		return res, fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := src.CopyTo(ctx, staging); err != nil {
		if errors.Is(err, loader.ErrTooLarge) {
			id := derivePluginID(pluginID, src.BaseName())
			lm.logger.Warn("plugin source too large", "plugin", id, "source", sourcePath, "error", err)
			return res, &ValidationError{PluginID: id, Problems: []string{
				fmt.Sprintf("plugin size exceeds maximum of %d bytes", maxSize),
			}}
		}
		return res, fmt.Errorf("failed to stage %s: %w", sourcePath, err)
	}

	validation := lm.validator.Validate(staging)
	id := pluginID
	if id == "" {
		id = derivePluginID(validation.Metadata.Name, src.BaseName())
	}
	if !validation.Valid {
		lm.logger.Warn("plugin validation failed", "plugin", id, "source", sourcePath, "errors", validation.Errors)
		return res, &ValidationError{PluginID: id, Problems: validation.Errors}
	}
	if id == "" {
		return res, fmt.Errorf("%w: cannot derive an id from %s", ErrInvalidPluginID, sourcePath)
	}
	span.SetAttribute("plugin.id", id)

	meta := validation.Metadata
	installPath := filepath.Join(lm.root, id)

	lm.mu.Lock()
	rec, err := lm.installLocked(id, staging, installPath, meta)
	lm.mu.Unlock()
	if err != nil {
		return res, err
	}

	lm.logger.Info("plugin installed", "plugin", id, "version", meta.Version, "path", installPath)
	lm.emit(hooks.NewEvent(id, hooks.InstalledPayload{Version: rec.Version, Path: rec.Path}))
	return InstallResult{PluginID: id, Metadata: meta, InstallPath: installPath}, nil
}

func (lm *LifecycleManager) installLocked(id, staging, installPath string, meta PluginMetadata) (PluginRecord, error) {
	if _, err := lm.store.Get(id); err == nil {
		return PluginRecord{}, fmt.Errorf("%w: %s", ErrPluginAlreadyInstalled, id)
	}
	if cycle := lm.graph.WouldCycle(id, meta.Dependencies); len(cycle) > 0 {
		return PluginRecord{}, fmt.Errorf("%w: %s", ErrCircularDependency, strings.Join(cycle, " -> "))
	}
	if _, err := os.Stat(installPath); err == nil {
		return PluginRecord{}, fmt.Errorf("%w: %s", ErrInstallPathExists, installPath)
	}
	if err := os.Rename(staging, installPath); err != nil {
		return PluginRecord{}, fmt.Errorf("failed to move plugin into place: %w", err)
	}

	rec := PluginRecord{
		ID:           id,
		State:        StateInstalled,
		Version:      meta.Version,
		Dependencies: append([]string(nil), meta.Dependencies...),
		Path:         installPath,
		Metadata:     meta,
		InstalledAt:  time.Now().UTC(),
	}
	if err := lm.store.Create(rec); err != nil {
		_ = os.RemoveAll(installPath)
		return PluginRecord{}, err
	}
	lm.graph.SetDependencies(id, meta.Dependencies)
	return rec, nil
}

func derivePluginID(candidates ...string) string {
	for _, c := range candidates {
		if pluginIDPattern.MatchString(c) {
			return c
		}
	}
	return ""
}

// Activate requires every dependency to be ACTIVATED and the installed tree
// to pass validation. Activating an ACTIVATED plugin is a no-op.
func (lm *LifecycleManager) Activate(ctx context.Context, pluginID string) (state PluginState, err error) {
	_, span := lm.tracer.Start(ctx, "plugin.activate", "plugin.id", pluginID)
	defer func() { span.End(err) }()

	lm.mu.Lock()
	state, events, err := lm.activateLocked(pluginID)
	lm.mu.Unlock()

	lm.emit(events...)
	return state, err
}

func (lm *LifecycleManager) activateLocked(pluginID string) (PluginState, []hooks.Event, error) {
	rec, err := lm.store.Get(pluginID)
	if err != nil {
		return 0, nil, err
	}

	switch rec.State {
	case StateActivated:
		lm.logger.Debug("plugin already activated", "plugin", pluginID)
		return StateActivated, nil, nil
	case StateUpdating:
		return rec.State, nil, fmt.Errorf("%w: %s", ErrPluginBusy, pluginID)
	}

	var opErr error
	if unmet := lm.unsatisfiedLocked(pluginID); len(unmet) > 0 {
		opErr = &DependencyError{PluginID: pluginID, Unsatisfied: unmet}
	} else if res := lm.validator.Validate(rec.Path); !res.Valid {
		opErr = &ValidationError{PluginID: pluginID, Problems: res.Errors}
	}

	if opErr != nil {
		if _, err := lm.store.Update(pluginID, func(r *PluginRecord) error {
			r.State = StateError
			r.Errors = append(r.Errors, opErr.Error())
			return nil
		}); err != nil {
			return rec.State, nil, err
		}
		lm.logger.Warn("plugin activation failed", "plugin", pluginID, "error", opErr)
		return StateError, []hooks.Event{hooks.NewEvent(pluginID, hooks.ErrorPayload{
			Op: "activate", Message: opErr.Error(),
		})}, opErr
	}

	updated, err := lm.store.Update(pluginID, func(r *PluginRecord) error {
		r.State = StateActivated
		r.ActivatedAt = time.Now().UTC()
		r.Errors = nil
		return nil
	})
	if err != nil {
		return rec.State, nil, err
	}
	lm.logger.Info("plugin activated", "plugin", pluginID)
	return StateActivated, []hooks.Event{hooks.NewEvent(pluginID, hooks.ActivatedPayload{Version: updated.Version})}, nil
}

// unsatisfiedLocked lists dependencies that are missing or not ACTIVATED.
func (lm *LifecycleManager) unsatisfiedLocked(pluginID string) []string {
	var unmet []string
	for _, dep := range lm.graph.Dependencies(pluginID) {
		rec, err := lm.store.Get(dep)
		if err != nil {
			unmet = append(unmet, dep+" (not installed)")
			continue
		}
		if rec.State != StateActivated {
			unmet = append(unmet, fmt.Sprintf("%s (%s)", dep, rec.State))
		}
	}
	return unmet
}

// activeDependentsLocked lists ACTIVATED plugins that depend on pluginID.
func (lm *LifecycleManager) activeDependentsLocked(pluginID string) []string {
	var active []string
	for _, id := range lm.graph.Dependents(pluginID) {
		if rec, err := lm.store.Get(id); err == nil && rec.State == StateActivated {
			active = append(active, id)
		}
	}
	return active
}

// Deactivate is refused while any ACTIVATED plugin depends on pluginID.
// Deactivating a DEACTIVATED plugin is a no-op.
func (lm *LifecycleManager) Deactivate(ctx context.Context, pluginID string) (state PluginState, err error) {
	_, span := lm.tracer.Start(ctx, "plugin.deactivate", "plugin.id", pluginID)
	defer func() { span.End(err) }()

	lm.mu.Lock()
	state, events, err := lm.deactivateLocked(pluginID)
	lm.mu.Unlock()

	lm.emit(events...)
	return state, err
}

func (lm *LifecycleManager) deactivateLocked(pluginID string) (PluginState, []hooks.Event, error) {
	rec, err := lm.store.Get(pluginID)
	if err != nil {
		return 0, nil, err
	}

	switch rec.State {
	case StateDeactivated:
		lm.logger.Debug("plugin already deactivated", "plugin", pluginID)
		return StateDeactivated, nil, nil
	case StateUpdating:
		return rec.State, nil, fmt.Errorf("%w: %s", ErrPluginBusy, pluginID)
	case StateActivated:
	default:
		return rec.State, nil, fmt.Errorf("%w: cannot deactivate %s from %s", ErrInvalidTransition, pluginID, rec.State)
	}

	if dependents := lm.activeDependentsLocked(pluginID); len(dependents) > 0 {
		return rec.State, nil, &DependentsError{PluginID: pluginID, Dependents: dependents}
	}

	if _, err := lm.store.Update(pluginID, func(r *PluginRecord) error {
		r.State = StateDeactivated
		r.DeactivatedAt = time.Now().UTC()
		return nil
	}); err != nil {
		return rec.State, nil, err
	}
	lm.logger.Info("plugin deactivated", "plugin", pluginID)
	return StateDeactivated, []hooks.Event{hooks.NewEvent(pluginID, hooks.DeactivatedPayload{})}, nil
}

// Update queues an update and returns immediately. The outcome is reported
// through events and Status.
func (lm *LifecycleManager) Update(ctx context.Context, pluginID, sourcePath string) (UpdateResult, error) {
	_, span := lm.tracer.Start(ctx, "plugin.update.enqueue", "plugin.id", pluginID)

	res, err := lm.enqueue(pluginID, sourcePath)
	span.End(err)
	return res, err
}

func (lm *LifecycleManager) enqueue(pluginID, sourcePath string) (UpdateResult, error) {
	if _, err := lm.store.Get(pluginID); err != nil {
		return UpdateResult{}, err
	}
	if _, err := loader.Open(sourcePath, lm.metadata.Files()); err != nil {
		return UpdateResult{}, err
	}
	if abs, err := filepath.Abs(sourcePath); err == nil {
		sourcePath = abs
	}

	task, position, err := lm.worker.Enqueue(pluginID, sourcePath)
	if err != nil {
		return UpdateResult{}, err
	}

	lm.logger.Info("plugin update queued", "plugin", pluginID, "task", task.ID, "position", position)
	lm.emit(hooks.NewEvent(pluginID, hooks.UpdateQueuedPayload{
		TaskID:        task.ID,
		Source:        sourcePath,
		QueuePosition: position,
	}))
	return UpdateResult{TaskID: task.ID, QueuePosition: position}, nil
}

// Remove deletes the plugin directory and record. Without force it refuses
// an ACTIVATED plugin or one that other plugins depend on; force skips both
// checks. Queued updates for the plugin are cancelled.
func (lm *LifecycleManager) Remove(ctx context.Context, pluginID string, force bool) (res RemoveResult, err error) {
	_, span := lm.tracer.Start(ctx, "plugin.remove", "plugin.id", pluginID)
	defer func() { span.End(err) }()

	lm.mu.Lock()
	err = lm.removeLocked(pluginID, force)
	lm.mu.Unlock()
	if err != nil {
		return res, err
	}

	removedAt := time.Now().UTC()
	lm.worker.cancelPlugin(pluginID)
	lm.logger.Info("plugin removed", "plugin", pluginID, "force", force)
	lm.emit(hooks.NewEvent(pluginID, hooks.RemovedPayload{Forced: force}))
	return RemoveResult{PluginID: pluginID, RemovedAt: removedAt}, nil
}

func (lm *LifecycleManager) removeLocked(pluginID string, force bool) error {
	rec, err := lm.store.Get(pluginID)
	if err != nil {
		return err
	}

	if rec.State == StateUpdating {
		return fmt.Errorf("%w: %s", ErrPluginBusy, pluginID)
	}
	if !force {
		if rec.State == StateActivated {
			return fmt.Errorf("%w: %s is activated, deactivate it first or force removal", ErrInvalidTransition, pluginID)
		}
		if dependents := lm.graph.Dependents(pluginID); len(dependents) > 0 {
			return &DependentsError{PluginID: pluginID, Dependents: dependents}
		}
	} else if dependents := lm.graph.Dependents(pluginID); len(dependents) > 0 {
		lm.logger.Warn("forcing removal of plugin with dependents", "plugin", pluginID, "dependents", dependents)
	}

	if err := os.RemoveAll(rec.Path); err != nil {
		return fmt.Errorf("failed to remove plugin directory %s: %w", rec.Path, err)
	}
	if err := lm.store.Delete(pluginID); err != nil {
		return err
	}
	lm.graph.RemoveNode(pluginID)
	return nil
}

func (lm *LifecycleManager) Status(pluginID string) (PluginRecord, error) {
	return lm.store.Get(pluginID)
}

func (lm *LifecycleManager) ListAll() map[string]PluginRecord {
	return lm.store.List()
}

func (lm *LifecycleManager) CancelUpdate(taskID string) (UpdateTask, error) {
	return lm.worker.CancelUpdate(taskID)
}

func (lm *LifecycleManager) Queue() []UpdateTask {
	return lm.worker.Queue()
}

func (lm *LifecycleManager) Task(taskID string) (UpdateTask, error) {
	return lm.worker.Task(taskID)
}

func (lm *LifecycleManager) WaitTask(ctx context.Context, taskID string) (UpdateTask, error) {
	return lm.worker.WaitTask(ctx, taskID)
}

// ActivateAll activates every INSTALLED or DEACTIVATED plugin, dependencies
// first. It keeps going after a failure and returns all failures together.
func (lm *LifecycleManager) ActivateAll(ctx context.Context) error {
	order, err := lm.graph.TopologicalSort()
	if err != nil {
		return err
	}

	var result *multierror.Error
	for _, id := range order {
		if err := ctx.Err(); err != nil {
			return multierror.Append(result, err).ErrorOrNil()
		}
		rec, err := lm.store.Get(id)
		if err != nil {
			continue
		}
		if rec.State != StateInstalled && rec.State != StateDeactivated {
			continue
		}
		if _, err := lm.Activate(ctx, id); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", id, err))
		}
	}
	return result.ErrorOrNil()
}
