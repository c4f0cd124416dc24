package events

import "encoding/json"

// Event name constants
const (
	DeviceStatus     = "device.status"
	SyncError        = "sync.error"
	ScheduleUpcoming = "schedule.upcoming"
	ScheduleError    = "schedule.error"
)

// Event is a generic SSE event from daemon.
type Event struct {
	Name string          // SSE event name
	Data json.RawMessage // Raw JSON payload
}

// StatusChangedEvent is the typed payload for device.status.
type StatusChangedEvent struct {
	From string `json:"from"`
	To   string `json:"to"`
	Ts   int64  `json:"ts"`
}

// SyncErrorEvent is the typed payload for sync.error.
type SyncErrorEvent struct {
	Message string `json:"message"`
	Ts      int64  `json:"ts"`
}

// ScheduleEvent is the typed payload for schedule.upcoming and schedule.error.
type ScheduleEvent struct {
	RunAt   int64  `json:"runAt,omitempty"`
	Message string `json:"message,omitempty"`
}

// DecodeAs decodes the event payload into the caller-specified generic type T.
// It ignores the event name and simply unmarshals Data into T. If Data is
// empty, it returns the zero value of T with a nil error.
func DecodeAs[T any](e Event) (T, error) {
	var zero T
	if len(e.Data) == 0 {
		return zero, nil
	}
	var v T
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return zero, err
	}
	return v, nil
}
