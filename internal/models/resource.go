package models

import (
	"errors"
	"fmt"
)

// ErrInvalidResource is returned when events cannot form one calendar object
// resource.
var ErrInvalidResource = errors.New("invalid calendar object resource")

// CalendarObjectResource groups the events sharing one UID: an optional
// series master followed by its change exceptions.
type CalendarObjectResource struct {
	master     *Event
	exceptions []*Event
}

// NewResource builds a resource from events. All events must share the same
// UID and organizer; at most one of them may be a series master.
func NewResource(events ...*Event) (*CalendarObjectResource, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: no events", ErrInvalidResource)
	}
	r := &CalendarObjectResource{}
	first := events[0]
	for _, e := range events {
		if e == nil {
			return nil, fmt.Errorf("%w: nil event", ErrInvalidResource)
		}
		if e.UID != first.UID {
			return nil, fmt.Errorf("%w: mixed uids %q and %q", ErrInvalidResource, first.UID, e.UID)
		}
		if !sameOrganizer(first.Organizer, e.Organizer) {
			return nil, fmt.Errorf("%w: mixed organizers in %q", ErrInvalidResource, e.UID)
		}
		if e.RecurrenceID == nil {
			if r.master != nil {
				return nil, fmt.Errorf("%w: more than one master for %q", ErrInvalidResource, e.UID)
			}
			r.master = e
			continue
		}
		r.exceptions = append(r.exceptions, e)
	}
	return r, nil
}

func sameOrganizer(a, b *CalendarUser) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return SameUser(*a, *b)
}

// UID returns the UID shared by all events.
func (r *CalendarObjectResource) UID() string {
	return r.FirstEvent().UID
}

// Organizer returns the organizer shared by all events, may be nil.
func (r *CalendarObjectResource) Organizer() *CalendarUser {
	return r.FirstEvent().Organizer
}

// SeriesMaster returns the master event or nil for loose exceptions.
func (r *CalendarObjectResource) SeriesMaster() *Event {
	return r.master
}

// ChangeExceptions returns the change exceptions in document order.
func (r *CalendarObjectResource) ChangeExceptions() []*Event {
	return append([]*Event(nil), r.exceptions...)
}

// Events returns the master (if any) followed by the change exceptions.
func (r *CalendarObjectResource) Events() []*Event {
	out := make([]*Event, 0, len(r.exceptions)+1)
	if r.master != nil {
		out = append(out, r.master)
	}
	return append(out, r.exceptions...)
}

// FirstEvent returns the master, or the first exception when there is none.
func (r *CalendarObjectResource) FirstEvent() *Event {
	if r.master != nil {
		return r.master
	}
	return r.exceptions[0]
}

// Find returns the event addressed by rid; a nil rid addresses the master.
func (r *CalendarObjectResource) Find(rid *RecurrenceID) *Event {
	if rid == nil {
		return r.master
	}
	for _, e := range r.exceptions {
		if e.RecurrenceID.Matches(rid) {
			return e
		}
	}
	return nil
}

// Clone returns a deep copy of the resource.
func (r *CalendarObjectResource) Clone() *CalendarObjectResource {
	c := &CalendarObjectResource{master: r.master.Clone()}
	for _, e := range r.exceptions {
		c.exceptions = append(c.exceptions, e.Clone())
	}
	return c
}

// WithoutAttachments returns a copy of the resource whose events carry no
// attachments.
func (r *CalendarObjectResource) WithoutAttachments() *CalendarObjectResource {
	c := r.Clone()
	for _, e := range c.Events() {
		e.Attachments = nil
	}
	return c
}
