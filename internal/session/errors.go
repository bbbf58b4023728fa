package session

import (
	"fmt"

	"github.com/pveiga/oraculo/internal/catalog"
)

// NotFoundError is returned when no session with the given id exists.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("session: %q not found", e.ID)
}

// CatalogCode implements catalog.Coder.
func (e *NotFoundError) CatalogCode() catalog.Code {
	return catalog.CodeSessionNotFound
}

// IllegalTransitionError is returned when an event is not legal in the
// session's current state.
type IllegalTransitionError struct {
	ID    string
	From  State
	Event string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("session: %q: event %q not allowed in state %s", e.ID, e.Event, e.From)
}

// CatalogCode implements catalog.Coder. Audio delivered outside COLLECTING
// gets its own user-facing entry; everything else is a generic transition
// error.
func (e *IllegalTransitionError) CatalogCode() catalog.Code {
	if e.Event == "audio" {
		return catalog.CodeNotCollecting
	}
	return catalog.CodeInvalidTransition
}

// ActiveExistsError is returned by Create when the chat already has a
// session in COLLECTING.
type ActiveExistsError struct {
	ActiveID string
}

func (e *ActiveExistsError) Error() string {
	return fmt.Sprintf("session: chat already has active session %q", e.ActiveID)
}

// CatalogCode implements catalog.Coder.
func (e *ActiveExistsError) CatalogCode() catalog.Code {
	return catalog.CodeActiveSessionExists
}

// EmptySessionError is returned by Finalize when the session holds no
// audio.
type EmptySessionError struct {
	ID string
}

func (e *EmptySessionError) Error() string {
	return fmt.Sprintf("session: %q has no audio to finalize", e.ID)
}

// CatalogCode implements catalog.Coder.
func (e *EmptySessionError) CatalogCode() catalog.Code {
	return catalog.CodeEmptySession
}

// NotReadyError is returned by operations that require a READY session.
type NotReadyError struct {
	ID    string
	State State
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("session: %q is %s, not READY", e.ID, e.State)
}

// CatalogCode implements catalog.Coder.
func (e *NotReadyError) CatalogCode() catalog.Code {
	return catalog.CodeSessionNotReady
}

// CorruptSessionError is returned when stored metadata fails validation.
type CorruptSessionError struct {
	ID     string
	Reason string
}

func (e *CorruptSessionError) Error() string {
	return fmt.Sprintf("session: %q metadata corrupt: %s", e.ID, e.Reason)
}

// CatalogCode implements catalog.Coder.
func (e *CorruptSessionError) CatalogCode() catalog.Code {
	return catalog.CodeCorruptSession
}
