package plugin

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrPluginNotInstalled     = errors.New("plugin not installed")
	ErrPluginAlreadyInstalled = errors.New("plugin already installed")
	ErrInstallPathExists      = errors.New("install path already exists")
	ErrInvalidPluginID        = errors.New("invalid plugin id")
	ErrValidation             = errors.New("plugin validation failed")
	ErrDependencyUnsatisfied  = errors.New("plugin dependencies not satisfied")
	ErrDependentsExist        = errors.New("plugin has dependents")
	ErrCircularDependency     = errors.New("circular dependency detected")
	ErrInvalidTransition      = errors.New("invalid state transition")
	ErrPluginBusy             = errors.New("plugin is being updated")
	ErrBackupFailed           = errors.New("backup failed")
	ErrUpdateApply            = errors.New("update apply failed")
	ErrRestoreFailed          = errors.New("restore failed")
	ErrTaskNotFound           = errors.New("update task not found")
	ErrTaskNotCancellable     = errors.New("update task is no longer queued")
	ErrWorkerStopped          = errors.New("update worker stopped")
)

type ValidationError struct {
	PluginID string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrValidation, e.PluginID, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// DependencyError lists dependencies that are missing or not activated.
type DependencyError struct {
	PluginID    string
	Unsatisfied []string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s: %s requires %s", ErrDependencyUnsatisfied, e.PluginID, strings.Join(e.Unsatisfied, ", "))
}

func (e *DependencyError) Unwrap() error { return ErrDependencyUnsatisfied }

type DependentsError struct {
	PluginID   string
	Dependents []string
}

func (e *DependentsError) Error() string {
	return fmt.Sprintf("%s: %s is required by %s", ErrDependentsExist, e.PluginID, strings.Join(e.Dependents, ", "))
}

func (e *DependentsError) Unwrap() error { return ErrDependentsExist }

type UpdateOp string

const (
	OpBackup  UpdateOp = "backup"
	OpApply   UpdateOp = "apply"
	OpRestore UpdateOp = "restore"
)

// UpdateError reports a failed update task. RestoreErr is set when rolling
// back to the backup failed as well; Err then carries both failures.
type UpdateError struct {
	PluginID   string
	TaskID     string
	Op         UpdateOp
	Err        error
	RestoreErr error
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("update of %s failed during %s: %v", e.PluginID, e.Op, e.Err)
}

func (e *UpdateError) Unwrap() []error {
	var kind error
	switch {
	case e.RestoreErr != nil:
		kind = ErrRestoreFailed
	case e.Op == OpBackup:
		kind = ErrBackupFailed
	default:
		kind = ErrUpdateApply
	}
	return []error{kind, e.Err}
}
