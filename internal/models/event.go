package models

import "time"

// PartStat is an attendee's participation status.
type PartStat string

const (
	PartStatNeedsAction PartStat = "NEEDS-ACTION"
	PartStatAccepted    PartStat = "ACCEPTED"
	PartStatDeclined    PartStat = "DECLINED"
	PartStatTentative   PartStat = "TENTATIVE"
	PartStatDelegated   PartStat = "DELEGATED"
)

// ParsePartStat maps an iCalendar PARTSTAT value onto a PartStat. Unknown
// values fall back to NEEDS-ACTION as RFC 5545 requires.
func ParsePartStat(v string) PartStat {
	switch PartStat(v) {
	case PartStatAccepted, PartStatDeclined, PartStatTentative, PartStatDelegated:
		return PartStat(v)
	default:
		return PartStatNeedsAction
	}
}

// Attendee is a participant of an event together with its reply state.
type Attendee struct {
	CalendarUser
	CUType   string
	Role     string
	PartStat PartStat
	Comment  string
	RSVP     bool
	// Timestamp is the time of the last participation status change.
	Timestamp time.Time
}

// Attachment references a file attached to an event. ManagedID is set when
// the binary content is held by the storage layer.
type Attachment struct {
	ManagedID string
	URI       string
	Filename  string
	FmtType   string
	Size      int64
}

// Event represents a single VEVENT: a non-recurring event, a series master or
// one change exception of a series.
// This is an internal representation, independent of any specific calendar provider.
type Event struct {
	ID       string // storage object id
	FolderID string
	SeriesID string // object id of the series master, empty for single events
	UID      string // shared by every event of a series

	RecurrenceID *RecurrenceID
	Sequence     int

	Summary     string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	AllDay      bool

	RecurrenceRule       string
	DeleteExceptionDates []time.Time

	Organizer   *CalendarUser
	Attendees   []Attendee
	Attachments []Attachment

	Created      time.Time
	LastModified time.Time
}

// IsSeriesMaster reports whether the event defines a recurring series.
func (e *Event) IsSeriesMaster() bool {
	if e.RecurrenceID != nil {
		return false
	}
	if e.SeriesID != "" {
		return e.SeriesID == e.ID
	}
	return e.RecurrenceRule != ""
}

// IsSeriesException reports whether the event overrides one occurrence.
func (e *Event) IsSeriesException() bool {
	return e.RecurrenceID != nil
}

// IsGroupScheduled reports whether the event has an organizer and attendees.
func (e *Event) IsGroupScheduled() bool {
	return e.Organizer != nil && len(e.Attendees) > 0
}

// FindAttendee returns the index of the attendee matching user, or -1.
func (e *Event) FindAttendee(user CalendarUser) int {
	for i := range e.Attendees {
		if SameUser(e.Attendees[i].CalendarUser, user) {
			return i
		}
	}
	return -1
}

// Attendee returns a copy of the attendee matching user.
func (e *Event) Attendee(user CalendarUser) (Attendee, bool) {
	if i := e.FindAttendee(user); i >= 0 {
		return e.Attendees[i], true
	}
	return Attendee{}, false
}

// HasDeleteException reports whether the occurrence starting at t is excluded.
func (e *Event) HasDeleteException(t time.Time) bool {
	for _, ex := range e.DeleteExceptionDates {
		if ex.Equal(t) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the event.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	c := *e
	c.RecurrenceID = e.RecurrenceID.clone()
	c.Organizer = cloneUser(e.Organizer)
	if e.Attendees != nil {
		c.Attendees = make([]Attendee, len(e.Attendees))
		for i, a := range e.Attendees {
			a.SentBy = cloneUser(a.SentBy)
			c.Attendees[i] = a
		}
	}
	if e.Attachments != nil {
		c.Attachments = append([]Attachment(nil), e.Attachments...)
	}
	if e.DeleteExceptionDates != nil {
		c.DeleteExceptionDates = append([]time.Time(nil), e.DeleteExceptionDates...)
	}
	return &c
}

func cloneUser(u *CalendarUser) *CalendarUser {
	if u == nil {
		return nil
	}
	c := *u
	c.SentBy = cloneUser(u.SentBy)
	return &c
}
