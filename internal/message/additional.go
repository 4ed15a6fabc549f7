package message

// AdditionalKey names an extension value carried by a message.
type AdditionalKey string

const (
	// AdditionalNotificationsEnabled (bool) is false when the recipient asked
	// not to be notified.
	AdditionalNotificationsEnabled AdditionalKey = "notifications_enabled"
	// AdditionalComment (string) is the free text the originator attached.
	AdditionalComment AdditionalKey = "comment"
	// AdditionalAddedAttendee (bool) marks invitations sent to attendees added
	// by an update.
	AdditionalAddedAttendee AdditionalKey = "added_attendee"
	// AdditionalSplit (bool) marks messages produced by a series split.
	AdditionalSplit AdditionalKey = "split"
)

type additionalSource interface {
	additional(key AdditionalKey) (any, bool)
}

// Additional returns the value stored under key if it has type T. Absence
// and type mismatch both yield the zero value and false.
func Additional[T any](m additionalSource, key AdditionalKey) (T, bool) {
	var zero T
	if m == nil {
		return zero, false
	}
	raw, ok := m.additional(key)
	if !ok {
		return zero, false
	}
	v, ok := raw.(T)
	if !ok {
		return zero, false
	}
	return v, true
}
