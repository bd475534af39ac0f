package events

// Event type constants.
const (
	TypeSnapshotChanged       = "snapshot_changed"
	TypeStoreCommitted        = "store_committed"
	TypeRemoteApplied         = "remote_applied"
	TypeDaemonStatus          = "daemon_status"
	TypeRunConditionsEvaluate = "run_conditions_evaluate"
	TypeSessionStarted        = "session_started"
	TypeSessionEnded          = "session_ended"
	TypeActionCompleted       = "action_completed"
)

// SnapshotChangedEvent is emitted when a session's in-memory state changes.
type SnapshotChangedEvent struct {
	BaseEvent
	Scope   string         `json:"scope"`
	Origin  string         `json:"origin"`
	Version uint64         `json:"version"`
	Values  map[string]any `json:"values"`
	Inert   bool           `json:"inert,omitempty"`
}

// NewSnapshotChangedEvent creates a new snapshot_changed event. values must
// already have secrets removed.
func NewSnapshotChangedEvent(sessionID, scope, origin string, version uint64, values map[string]any, inert bool) SnapshotChangedEvent {
	return SnapshotChangedEvent{
		BaseEvent: NewBaseEvent(TypeSnapshotChanged, sessionID),
		Scope:     scope,
		Origin:    origin,
		Version:   version,
		Values:    values,
		Inert:     inert,
	}
}

// StoreCommittedEvent is emitted after the local loop committed a diff.
type StoreCommittedEvent struct {
	BaseEvent
	Keys    []string `json:"keys"`
	Durable bool     `json:"durable"`
	Error   string   `json:"error,omitempty"`
}

func NewStoreCommittedEvent(sessionID string, keys []string, durable bool, err error) StoreCommittedEvent {
	e := StoreCommittedEvent{
		BaseEvent: NewBaseEvent(TypeStoreCommitted, sessionID),
		Keys:      keys,
		Durable:   durable,
	}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// RemoteAppliedEvent is emitted after a push to the daemon.
type RemoteAppliedEvent struct {
	BaseEvent
	Keys          []string `json:"keys"`
	Skipped       bool     `json:"skipped,omitempty"`
	DeviceUpdated bool     `json:"device_updated,omitempty"`
	Error         string   `json:"error,omitempty"`
}

func NewRemoteAppliedEvent(sessionID string, keys []string, skipped, deviceUpdated bool, err error) RemoteAppliedEvent {
	e := RemoteAppliedEvent{
		BaseEvent:     NewBaseEvent(TypeRemoteApplied, sessionID),
		Keys:          keys,
		Skipped:       skipped,
		DeviceUpdated: deviceUpdated,
	}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// DaemonStatusEvent is emitted when the daemon state or config availability changes.
type DaemonStatusEvent struct {
	BaseEvent
	State        string `json:"state"`
	ConfigLoaded bool   `json:"config_loaded"`
	Tick         uint64 `json:"tick"`
}

func NewDaemonStatusEvent(state string, configLoaded bool, tick uint64) DaemonStatusEvent {
	return DaemonStatusEvent{
		BaseEvent:    NewBaseEvent(TypeDaemonStatus, ""),
		State:        state,
		ConfigLoaded: configLoaded,
		Tick:         tick,
	}
}

// RunConditionsEvaluateEvent asks the sync service to re-evaluate its run conditions.
type RunConditionsEvaluateEvent struct {
	BaseEvent
	Reason string `json:"reason"`
}

func NewRunConditionsEvaluateEvent(sessionID, reason string) RunConditionsEvaluateEvent {
	return RunConditionsEvaluateEvent{
		BaseEvent: NewBaseEvent(TypeRunConditionsEvaluate, sessionID),
		Reason:    reason,
	}
}

// SessionStartedEvent is emitted when a settings session begins.
type SessionStartedEvent struct {
	BaseEvent
}

func NewSessionStartedEvent(sessionID string) SessionStartedEvent {
	return SessionStartedEvent{BaseEvent: NewBaseEvent(TypeSessionStarted, sessionID)}
}

// SessionEndedEvent is emitted when a settings session ends.
type SessionEndedEvent struct {
	BaseEvent
	Reason string `json:"reason"`
}

func NewSessionEndedEvent(sessionID, reason string) SessionEndedEvent {
	return SessionEndedEvent{
		BaseEvent: NewBaseEvent(TypeSessionEnded, sessionID),
		Reason:    reason,
	}
}

// ActionCompletedEvent reports the outcome of a user-initiated action.
type ActionCompletedEvent struct {
	BaseEvent
	Action  string `json:"action"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

func NewActionCompletedEvent(action string, success bool, message string) ActionCompletedEvent {
	return ActionCompletedEvent{
		BaseEvent: NewBaseEvent(TypeActionCompleted, ""),
		Action:    action,
		Success:   success,
		Message:   message,
	}
}
