package itip

import (
	"fmt"

	"itipcal/internal/models"
)

// OriginatorMatches reports whether originator is the organizer of event or
// the user the organizer delegated sending to.
func OriginatorMatches(event *models.Event, originator models.CalendarUser) bool {
	if event == nil || event.Organizer == nil {
		return false
	}
	if models.SameUser(*event.Organizer, originator) {
		return true
	}
	return event.Organizer.SentBy != nil && models.SameUser(*event.Organizer.SentBy, originator)
}

// RequireOrganizer returns ErrNotOrganizer unless OriginatorMatches.
func RequireOrganizer(event *models.Event, originator models.CalendarUser) error {
	if !OriginatorMatches(event, originator) {
		return fmt.Errorf("%w: %s for event %q", ErrNotOrganizer, originator, event.UID)
	}
	return nil
}
