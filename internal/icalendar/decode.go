// Package icalendar converts between iCalendar (RFC 5545) objects and the
// scheduling models.
package icalendar

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"itipcal/internal/inbound"
	"itipcal/internal/itip"
	"itipcal/internal/models"
)

// Non-standard parameters carrying the extra attendee and attachment data.
const (
	paramResponseComment = "X-RESPONSE-COMMENT"
	paramFilename        = "FILENAME"
	paramSize            = "SIZE"
	paramManagedID       = "MANAGED-ID"
)

// ErrNoEvents is returned for calendar objects without a VEVENT.
var ErrNoEvents = errors.New("calendar object contains no events")

// Decode reads a single iCalendar object. The method is empty when the object
// carries no METHOD property.
func Decode(r io.Reader) (itip.Method, *models.CalendarObjectResource, error) {
	cal, err := ical.NewDecoder(r).Decode()
	if err != nil {
		return "", nil, fmt.Errorf("failed to decode iCalendar data: %w", err)
	}
	var method itip.Method
	if p := cal.Props.Get(ical.PropMethod); p != nil {
		if method, err = itip.ParseMethod(p.Value); err != nil {
			return "", nil, err
		}
	}
	events, err := Events(cal)
	if err != nil {
		return "", nil, err
	}
	resource, err := models.NewResource(events...)
	if err != nil {
		return "", nil, err
	}
	return method, resource, nil
}

// DecodeMessage reads an iTIP message and derives its originator: the
// replying attendee for REPLY, otherwise the organizer or the user sending on
// its behalf.
func DecodeMessage(r io.Reader) (inbound.Message, error) {
	method, resource, err := Decode(r)
	if err != nil {
		return inbound.Message{}, err
	}
	if method == "" {
		return inbound.Message{}, errors.New("calendar object is not a scheduling message: METHOD is missing")
	}
	msg := inbound.Message{Method: method, Resource: resource}
	first := resource.FirstEvent()
	switch {
	case method == itip.MethodReply:
		if len(first.Attendees) != 1 {
			return inbound.Message{}, fmt.Errorf("REPLY for %q must contain exactly one attendee, got %d", first.UID, len(first.Attendees))
		}
		msg.Originator = first.Attendees[0].CalendarUser
	case first.Organizer == nil:
		return inbound.Message{}, fmt.Errorf("%s for %q has no organizer", method, first.UID)
	case first.Organizer.SentBy != nil:
		msg.Originator = *first.Organizer.SentBy
	default:
		msg.Originator = *first.Organizer
	}
	return msg, nil
}

// Events converts every VEVENT of cal.
func Events(cal *ical.Calendar) ([]*models.Event, error) {
	var events []*models.Event
	for _, child := range cal.Children {
		if child.Name != ical.CompEvent {
			continue
		}
		e, err := parseEvent(child)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if len(events) == 0 {
		return nil, ErrNoEvents
	}
	return events, nil
}

func parseEvent(comp *ical.Component) (*models.Event, error) {
	uid, err := comp.Props.Text(ical.PropUID)
	if err != nil || uid == "" {
		return nil, errors.New("VEVENT without UID")
	}
	e := &models.Event{UID: uid}

	if p := comp.Props.Get(ical.PropSequence); p != nil {
		if e.Sequence, err = p.Int(); err != nil {
			return nil, fmt.Errorf("invalid SEQUENCE in %q: %w", uid, err)
		}
	}
	e.Summary = text(comp, ical.PropSummary)
	e.Description = text(comp, ical.PropDescription)
	e.Location = text(comp, ical.PropLocation)

	if p := comp.Props.Get(ical.PropDateTimeStart); p != nil {
		if e.Start, err = p.DateTime(time.UTC); err != nil {
			return nil, fmt.Errorf("invalid DTSTART in %q: %w", uid, err)
		}
		e.AllDay = p.ValueType() == ical.ValueDate
	}
	if e.End, err = parseEnd(comp, e); err != nil {
		return nil, fmt.Errorf("invalid end of %q: %w", uid, err)
	}

	if p := comp.Props.Get(ical.PropRecurrenceID); p != nil {
		value, err := p.DateTime(time.UTC)
		if err != nil {
			return nil, fmt.Errorf("invalid RECURRENCE-ID in %q: %w", uid, err)
		}
		e.RecurrenceID = &models.RecurrenceID{Value: value, AllDay: p.ValueType() == ical.ValueDate}
		if strings.EqualFold(p.Params.Get(ical.ParamRange), "THISANDFUTURE") {
			e.RecurrenceID.Range = models.RangeThisAndFuture
		}
	}
	if p := comp.Props.Get(ical.PropRecurrenceRule); p != nil {
		e.RecurrenceRule = p.Value
	}
	for _, p := range comp.Props.Values(ical.PropExceptionDates) {
		dates, err := parseDateList(p)
		if err != nil {
			return nil, fmt.Errorf("invalid EXDATE in %q: %w", uid, err)
		}
		e.DeleteExceptionDates = append(e.DeleteExceptionDates, dates...)
	}

	if p := comp.Props.Get(ical.PropOrganizer); p != nil {
		organizer := parseUser(p)
		e.Organizer = &organizer
	}
	for _, p := range comp.Props.Values(ical.PropAttendee) {
		e.Attendees = append(e.Attendees, parseAttendee(&p))
	}
	for _, p := range comp.Props.Values(ical.PropAttach) {
		e.Attachments = append(e.Attachments, parseAttachment(&p))
	}

	if p := comp.Props.Get(ical.PropCreated); p != nil {
		e.Created, _ = p.DateTime(time.UTC)
	}
	if p := comp.Props.Get(ical.PropLastModified); p != nil {
		e.LastModified, _ = p.DateTime(time.UTC)
	}
	return e, nil
}

func text(comp *ical.Component, name string) string {
	v, err := comp.Props.Text(name)
	if err != nil {
		return ""
	}
	return v
}

func parseEnd(comp *ical.Component, e *models.Event) (time.Time, error) {
	if p := comp.Props.Get(ical.PropDateTimeEnd); p != nil {
		return p.DateTime(time.UTC)
	}
	if p := comp.Props.Get(ical.PropDuration); p != nil {
		d, err := p.Duration()
		if err != nil {
			return time.Time{}, err
		}
		return e.Start.Add(d), nil
	}
	if e.AllDay {
		return e.Start.AddDate(0, 0, 1), nil
	}
	return e.Start, nil
}

// parseDateList splits a multi-valued date property.
func parseDateList(p ical.Prop) ([]time.Time, error) {
	var out []time.Time
	for _, v := range strings.Split(p.Value, ",") {
		single := p
		single.Value = strings.TrimSpace(v)
		t, err := single.DateTime(time.UTC)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func parseUser(p *ical.Prop) models.CalendarUser {
	u := models.CalendarUser{
		URI: p.Value,
		CN:  p.Params.Get(ical.ParamCommonName),
	}
	if addr := models.NormalizeURI(p.Value); strings.HasPrefix(addr, "mailto:") {
		u.Email = strings.TrimPrefix(addr, "mailto:")
	}
	if sentBy := strings.Trim(p.Params.Get(ical.ParamSentBy), `"`); sentBy != "" {
		u.SentBy = &models.CalendarUser{URI: sentBy}
	}
	return u
}

func parseAttendee(p *ical.Prop) models.Attendee {
	return models.Attendee{
		CalendarUser: parseUser(p),
		CUType:       p.Params.Get(ical.ParamCalendarUserType),
		Role:         p.Params.Get(ical.ParamRole),
		PartStat:     models.ParsePartStat(strings.ToUpper(p.Params.Get(ical.ParamParticipationStatus))),
		RSVP:         strings.EqualFold(p.Params.Get(ical.ParamRSVP), "TRUE"),
		Comment:      p.Params.Get(paramResponseComment),
	}
}

func parseAttachment(p *ical.Prop) models.Attachment {
	a := models.Attachment{
		FmtType:   p.Params.Get(ical.ParamFormatType),
		Filename:  p.Params.Get(paramFilename),
		ManagedID: p.Params.Get(paramManagedID),
	}
	if !strings.EqualFold(p.Params.Get(ical.ParamValue), "BINARY") {
		a.URI = p.Value
	}
	if size, err := strconv.ParseInt(p.Params.Get(paramSize), 10, 64); err == nil {
		a.Size = size
	}
	return a
}
