package itip

import (
	"errors"

	"itipcal/internal/storage"
)

// Authorization errors.
var (
	// ErrNotOrganizer is returned when the originator of a message is neither
	// the organizer nor acting on the organizer's behalf.
	ErrNotOrganizer = errors.New("originator is not the organizer")

	// ErrOrganizerMismatch is returned when the transmitted organizer differs
	// from the stored one.
	ErrOrganizerMismatch = errors.New("transmitted organizer differs from stored organizer")

	// ErrNotInFolder is returned when the stored event lives outside the
	// folder the message is processed for.
	ErrNotInFolder = errors.New("event is not located in the target folder")
)

// Protocol errors.
var (
	// ErrWrongCancellation is returned when a CANCEL does not address the
	// acting calendar user.
	ErrWrongCancellation = errors.New("cancellation does not apply to calendar user")

	// ErrNotSupported is returned for operations the engine does not
	// implement, such as ADD against a non-recurring event.
	ErrNotSupported = errors.New("operation not supported")

	// ErrUnsupportedMethod is returned when no processor exists for a method.
	ErrUnsupportedMethod = errors.New("unsupported scheduling method")

	// ErrUnknownAttendee is returned when a REPLY comes from a calendar user
	// that is not invited.
	ErrUnknownAttendee = errors.New("replying calendar user is not an attendee")
)

// Data conflicts.
var (
	// ErrEventNotFound is returned when a UID cannot be resolved.
	ErrEventNotFound = errors.New("event not found")

	// ErrDuplicateException is returned when ADD transmits an occurrence
	// that already has a change exception.
	ErrDuplicateException = errors.New("change exception already exists")

	// ErrOutdatedSequence is returned when a transmitted event carries a
	// lower sequence number than the stored one.
	ErrOutdatedSequence = errors.New("outdated sequence number")
)

// Code returns the protocol error code for err, or "" if err is not one of
// the engine errors.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotOrganizer):
		return "NOT_ORGANIZER"
	case errors.Is(err, ErrOrganizerMismatch):
		return "ORGANIZER_MISMATCH"
	case errors.Is(err, ErrNotInFolder):
		return "NOT_IN_FOLDER"
	case errors.Is(err, ErrWrongCancellation):
		return "WRONG_CANCELLATION"
	case errors.Is(err, ErrNotSupported):
		return "NOT_SUPPORTED"
	case errors.Is(err, ErrUnsupportedMethod):
		return "UNSUPPORTED_METHOD"
	case errors.Is(err, ErrUnknownAttendee):
		return "UNKNOWN_ATTENDEE"
	case errors.Is(err, ErrEventNotFound):
		return "EVENT_NOT_FOUND"
	case errors.Is(err, ErrDuplicateException):
		return "DUPLICATE_EXCEPTION"
	case errors.Is(err, ErrOutdatedSequence):
		return "OUTDATED_SEQUENCE"
	case errors.Is(err, storage.ErrPermissionDenied):
		return "PERMISSION_DENIED"
	default:
		return ""
	}
}
