package session

import (
	"fmt"

	"golive/native/internal/domain"
)

// Event drives the session state machine.
type Event string

const (
	EventCreated              Event = "created"
	EventCreateConflict       Event = "create_conflict"
	EventCaptureSelected      Event = "capture_selected"
	EventCaptureFailed        Event = "capture_failed"
	EventNegotiationStarted   Event = "negotiation_started"
	EventNegotiationSucceeded Event = "negotiation_succeeded"
	EventFailed               Event = "failed"
	EventStopRequested        Event = "stop_requested"
	EventReset                Event = "reset"

	// Toggles and resumes change the session but not its state.
	EventAudioToggled Event = "audio_toggled"
	EventVideoToggled Event = "video_toggled"
	EventResumed      Event = "resumed"
)

type edge struct {
	from  domain.State
	event Event
}

var transitions = map[edge]domain.State{
	{domain.StateIdle, EventCreated}:        domain.StateCreated,
	{domain.StateIdle, EventCreateConflict}: domain.StateIdle,

	{domain.StateCreated, EventCaptureSelected}:        domain.StateDeviceSelected,
	{domain.StateDeviceSelected, EventCaptureSelected}: domain.StateDeviceSelected,
	{domain.StateError, EventCaptureSelected}:          domain.StateDeviceSelected,

	{domain.StateCreated, EventCaptureFailed}:        domain.StateCreated,
	{domain.StateDeviceSelected, EventCaptureFailed}: domain.StateCreated,
	{domain.StateError, EventCaptureFailed}:          domain.StateError,

	{domain.StateDeviceSelected, EventNegotiationStarted}: domain.StateNegotiating,
	{domain.StateNegotiating, EventNegotiationSucceeded}:  domain.StateLive,

	{domain.StateNegotiating, EventFailed}: domain.StateError,
	{domain.StateLive, EventFailed}:        domain.StateError,

	{domain.StateCreated, EventStopRequested}:        domain.StateStopping,
	{domain.StateDeviceSelected, EventStopRequested}: domain.StateStopping,
	{domain.StateNegotiating, EventStopRequested}:    domain.StateStopping,
	{domain.StateLive, EventStopRequested}:           domain.StateStopping,
	{domain.StateError, EventStopRequested}:          domain.StateStopping,

	{domain.StateStopping, EventReset}: domain.StateIdle,
	{domain.StateError, EventReset}:    domain.StateIdle,
}

// Transition returns the state reached from `from` on ev. Pairs missing from
// the table are rejected with KindInvalidState.
func Transition(from domain.State, ev Event) (domain.State, error) {
	to, ok := transitions[edge{from, ev}]
	if !ok {
		return from, domain.NewError(domain.KindInvalidState,
			fmt.Sprintf("%s not allowed in state %s", ev, from))
	}
	return to, nil
}
