package models

import (
	"slices"
	"time"
)

// EventField names an event property that can differ between two versions.
type EventField string

const (
	FieldSummary              EventField = "summary"
	FieldDescription          EventField = "description"
	FieldLocation             EventField = "location"
	FieldStart                EventField = "start"
	FieldEnd                  EventField = "end"
	FieldAllDay               EventField = "all_day"
	FieldRecurrenceRule       EventField = "recurrence_rule"
	FieldDeleteExceptionDates EventField = "delete_exception_dates"
	FieldOrganizer            EventField = "organizer"
	FieldAttendees            EventField = "attendees"
	FieldAttachments          EventField = "attachments"
	FieldSequence             EventField = "sequence"
)

// rescheduleFields are the changes that move occurrences in time.
var rescheduleFields = []EventField{
	FieldStart, FieldEnd, FieldAllDay, FieldRecurrenceRule, FieldDeleteExceptionDates,
}

// AttendeeUpdate pairs two versions of the same attendee.
type AttendeeUpdate struct {
	Original Attendee
	Updated  Attendee
}

// EventUpdate is the typed difference between two versions of an event.
type EventUpdate struct {
	Original *Event
	Updated  *Event

	Fields           []EventField
	AddedAttendees   []Attendee
	RemovedAttendees []Attendee
	UpdatedAttendees []AttendeeUpdate
}

// Diff computes the update leading from original to updated.
func Diff(original, updated *Event) EventUpdate {
	u := EventUpdate{Original: original, Updated: updated}
	mark := func(f EventField, changed bool) {
		if changed {
			u.Fields = append(u.Fields, f)
		}
	}
	mark(FieldSummary, original.Summary != updated.Summary)
	mark(FieldDescription, original.Description != updated.Description)
	mark(FieldLocation, original.Location != updated.Location)
	mark(FieldStart, !original.Start.Equal(updated.Start))
	mark(FieldEnd, !original.End.Equal(updated.End))
	mark(FieldAllDay, original.AllDay != updated.AllDay)
	mark(FieldRecurrenceRule, original.RecurrenceRule != updated.RecurrenceRule)
	mark(FieldDeleteExceptionDates, !sameDates(original.DeleteExceptionDates, updated.DeleteExceptionDates))
	mark(FieldOrganizer, !sameOrganizer(original.Organizer, updated.Organizer))
	mark(FieldAttachments, !slices.Equal(original.Attachments, updated.Attachments))
	mark(FieldSequence, original.Sequence != updated.Sequence)

	for _, a := range updated.Attendees {
		prev, ok := original.Attendee(a.CalendarUser)
		if !ok {
			u.AddedAttendees = append(u.AddedAttendees, a)
			continue
		}
		if !sameAttendee(prev, a) {
			u.UpdatedAttendees = append(u.UpdatedAttendees, AttendeeUpdate{Original: prev, Updated: a})
		}
	}
	for _, a := range original.Attendees {
		if updated.FindAttendee(a.CalendarUser) < 0 {
			u.RemovedAttendees = append(u.RemovedAttendees, a)
		}
	}
	mark(FieldAttendees, len(u.AddedAttendees)+len(u.RemovedAttendees)+len(u.UpdatedAttendees) > 0)
	return u
}

// ContainsAnyChangeOf reports whether any of fields changed.
func (u EventUpdate) ContainsAnyChangeOf(fields ...EventField) bool {
	for _, f := range fields {
		if slices.Contains(u.Fields, f) {
			return true
		}
	}
	return false
}

// IsEmpty reports whether both versions are equivalent.
func (u EventUpdate) IsEmpty() bool {
	return len(u.Fields) == 0
}

// IsReschedule reports whether the update moves the event or any of its
// occurrences in time.
func (u EventUpdate) IsReschedule() bool {
	return u.ContainsAnyChangeOf(rescheduleFields...)
}

// HasAttendeeMembershipChange reports whether attendees were added or removed.
func (u EventUpdate) HasAttendeeMembershipChange() bool {
	return len(u.AddedAttendees) > 0 || len(u.RemovedAttendees) > 0
}

func sameAttendee(a, b Attendee) bool {
	return a.PartStat == b.PartStat &&
		a.Comment == b.Comment &&
		a.Role == b.Role &&
		a.RSVP == b.RSVP &&
		a.CN == b.CN
}

func sameDates(a, b []time.Time) bool {
	if len(a) != len(b) {
		return false
	}
	for _, t := range a {
		if !slices.ContainsFunc(b, t.Equal) {
			return false
		}
	}
	return true
}
