package hooks

import "time"

type EventType string

const (
	EventInstalled       EventType = "plugin.installed"
	EventActivated       EventType = "plugin.activated"
	EventDeactivated     EventType = "plugin.deactivated"
	EventUpdateQueued    EventType = "plugin.update_queued"
	EventUpdateStarted   EventType = "plugin.update_started"
	EventUpdated         EventType = "plugin.updated"
	EventUpdateCancelled EventType = "plugin.update_cancelled"
	EventError           EventType = "plugin.error"
	EventRemoved         EventType = "plugin.removed"

	// EventAny subscribes a listener to every event type.
	EventAny EventType = "*"
)

func AllEventTypes() []EventType {
	return []EventType{
		EventInstalled,
		EventActivated,
		EventDeactivated,
		EventUpdateQueued,
		EventUpdateStarted,
		EventUpdated,
		EventUpdateCancelled,
		EventError,
		EventRemoved,
	}
}

// Event is emitted after every lifecycle transition. Data holds the payload
// struct matching Type.
type Event struct {
	Type      EventType
	PluginID  string
	Timestamp time.Time
	Data      Payload
}

// Payload is implemented only by the payload types in this package.
type Payload interface {
	eventType() EventType
}

type InstalledPayload struct {
	Version string
	Path    string
}

type ActivatedPayload struct {
	Version string
}

type DeactivatedPayload struct{}

type UpdateQueuedPayload struct {
	TaskID        string
	Source        string
	QueuePosition int
}

type UpdateStartedPayload struct {
	TaskID string
}

type UpdatedPayload struct {
	TaskID          string
	PreviousVersion string
	Version         string
}

type UpdateCancelledPayload struct {
	TaskID string
}

// ErrorPayload describes a failed operation. BackupRestored is set when an
// update failed and the plugin directory was rolled back; RestoreFailed when
// the rollback itself failed.
type ErrorPayload struct {
	Op             string
	Message        string
	TaskID         string
	BackupRestored bool
	RestoreFailed  bool
}

type RemovedPayload struct {
	Forced bool
}

func (InstalledPayload) eventType() EventType       { return EventInstalled }
func (ActivatedPayload) eventType() EventType       { return EventActivated }
func (DeactivatedPayload) eventType() EventType     { return EventDeactivated }
func (UpdateQueuedPayload) eventType() EventType    { return EventUpdateQueued }
func (UpdateStartedPayload) eventType() EventType   { return EventUpdateStarted }
func (UpdatedPayload) eventType() EventType         { return EventUpdated }
func (UpdateCancelledPayload) eventType() EventType { return EventUpdateCancelled }
func (ErrorPayload) eventType() EventType           { return EventError }
func (RemovedPayload) eventType() EventType         { return EventRemoved }

// NewEvent stamps an event whose type is derived from its payload.
func NewEvent(pluginID string, data Payload) Event {
	return Event{
		Type:      data.eventType(),
		PluginID:  pluginID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}
