package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var ErrNotDynamic = errors.New("key cannot be changed at runtime")

type DynamicUpdater interface {
	CanUpdate(key string) bool
	ApplyUpdate(key string, value interface{}) error
	RollbackUpdate(key string, oldValue interface{}) error
}

// DynamicConfigManager applies runtime changes to dynamic keys one at a time.
// A registered updater gets the chance to apply the value to the running
// component first; the stored value only changes once it succeeds.
type DynamicConfigManager struct {
	manager     *ConfigManager
	updaters    map[string]DynamicUpdater
	mu          sync.RWMutex
	updateQueue chan UpdateRequest
	ctx         context.Context
	cancel      context.CancelFunc
	startOnce   sync.Once
	wg          sync.WaitGroup
}

type UpdateRequest struct {
	Key      string
	Value    interface{}
	Source   ConfigSource
	Response chan UpdateResponse
}

type UpdateResponse struct {
	Success  bool
	Error    error
	OldValue interface{}
	NewValue interface{}
}

func NewDynamicConfigManager(manager *ConfigManager) *DynamicConfigManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &DynamicConfigManager{
		manager:     manager,
		updaters:    make(map[string]DynamicUpdater),
		updateQueue: make(chan UpdateRequest, 100),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (d *DynamicConfigManager) RegisterUpdater(name string, updater DynamicUpdater) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.updaters[name] = updater
}

func (d *DynamicConfigManager) Start() {
	d.startOnce.Do(func() {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.processUpdates()
		}()
	})
}

func (d *DynamicConfigManager) Stop() {
	d.cancel()
	d.wg.Wait()
}

// Submit queues a change and waits for its outcome.
func (d *DynamicConfigManager) Submit(ctx context.Context, key string, value interface{}, source ConfigSource) (UpdateResponse, error) {
	if !d.manager.IsDynamic(key) {
		return UpdateResponse{}, fmt.Errorf("%w: %s", ErrNotDynamic, key)
	}

	request := UpdateRequest{
		Key:      key,
		Value:    value,
		Source:   source,
		Response: make(chan UpdateResponse, 1),
	}

	select {
	case d.updateQueue <- request:
	case <-ctx.Done():
		return UpdateResponse{}, ctx.Err()
	case <-d.ctx.Done():
		return UpdateResponse{}, errors.New("dynamic config manager stopped")
	}

	select {
	case resp := <-request.Response:
		return resp, resp.Error
	case <-ctx.Done():
		return UpdateResponse{}, ctx.Err()
	}
}

// ApplyPending re-reads the sources and submits every changed dynamic key.
// Changed keys that are not dynamic are returned so the caller can report
// that they need a restart.
func (d *DynamicConfigManager) ApplyPending(ctx context.Context) (applied []ConfigChange, static []string, err error) {
	changes, err := d.manager.Pending(ctx)
	if err != nil {
		return nil, nil, err
	}

	var errs MultiError
	for _, change := range changes {
		if !d.manager.IsDynamic(change.Key) {
			static = append(static, change.Key)
			continue
		}
		if change.NewValue == nil {
			continue
		}
		if _, err := d.Submit(ctx, change.Key, change.NewValue, change.Source); err != nil {
			errs.Add(err)
			continue
		}
		applied = append(applied, change)
	}
	if errs.HasErrors() {
		return applied, static, &errs
	}
	return applied, static, nil
}

func (d *DynamicConfigManager) processUpdates() {
	for {
		select {
		case <-d.ctx.Done():
			return
		case request := <-d.updateQueue:
			d.processUpdate(request)
		}
	}
}

func (d *DynamicConfigManager) processUpdate(request UpdateRequest) {
	oldValue, _ := d.manager.Get(request.Key)

	var updater DynamicUpdater
	d.mu.RLock()
	for _, u := range d.updaters {
		if u.CanUpdate(request.Key) {
			updater = u
			break
		}
	}
	d.mu.RUnlock()

	if updater != nil {
		if err := updater.ApplyUpdate(request.Key, request.Value); err != nil {
			if rollbackErr := updater.RollbackUpdate(request.Key, oldValue); rollbackErr != nil {
				d.manager.logger.Error("failed to rollback update",
					"key", request.Key,
					"error", rollbackErr)
			}
			d.sendResponse(request, UpdateResponse{Error: err})
			return
		}
	}

	if err := d.manager.Set(request.Key, request.Value, request.Source, true); err != nil {
		if updater != nil {
			if rollbackErr := updater.RollbackUpdate(request.Key, oldValue); rollbackErr != nil {
				d.manager.logger.Error("failed to rollback update",
					"key", request.Key,
					"error", rollbackErr)
			}
		}
		d.sendResponse(request, UpdateResponse{Error: err})
		return
	}

	d.manager.logger.Info("dynamic config updated",
		"key", request.Key,
		"old", oldValue,
		"new", request.Value)
	d.sendResponse(request, UpdateResponse{
		Success:  true,
		OldValue: oldValue,
		NewValue: request.Value,
	})
}

func (d *DynamicConfigManager) sendResponse(request UpdateRequest, response UpdateResponse) {
	select {
	case request.Response <- response:
	case <-time.After(time.Second):
		d.manager.logger.Warn("failed to send update response", "key", request.Key)
	}
}

type ComponentUpdater struct {
	name         string
	keys         []string
	applyFunc    func(key string, value interface{}) error
	rollbackFunc func(key string, oldValue interface{}) error
}

// NewComponentUpdater handles keys equal to or nested below any of keys.
func NewComponentUpdater(name string, keys []string,
	apply func(key string, value interface{}) error,
	rollback func(key string, oldValue interface{}) error,
) *ComponentUpdater {
	return &ComponentUpdater{
		name:         name,
		keys:         keys,
		applyFunc:    apply,
		rollbackFunc: rollback,
	}
}

func (c *ComponentUpdater) Name() string { return c.name }

func (c *ComponentUpdater) CanUpdate(key string) bool {
	for _, k := range c.keys {
		if k == key || strings.HasPrefix(key, k+".") {
			return true
		}
	}
	return false
}

func (c *ComponentUpdater) ApplyUpdate(key string, value interface{}) error {
	if c.applyFunc != nil {
		return c.applyFunc(key, value)
	}
	return nil
}

func (c *ComponentUpdater) RollbackUpdate(key string, oldValue interface{}) error {
	if c.rollbackFunc != nil {
		return c.rollbackFunc(key, oldValue)
	}
	return nil
}
