package icalendar

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/emersion/go-ical"

	"itipcal/internal/itip"
	"itipcal/internal/message"
	"itipcal/internal/models"
)

// ProductID is written as PRODID of every produced calendar object.
const ProductID = "-//itipcal//EN"

// NewCalendar converts resource into a VCALENDAR. METHOD is omitted when
// method is empty, which yields a plain CalDAV object.
func NewCalendar(method itip.Method, resource *models.CalendarObjectResource, stamp time.Time) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, ProductID)
	if method != "" {
		cal.Props.SetText(ical.PropMethod, string(method))
	}
	for _, e := range resource.Events() {
		cal.Children = append(cal.Children, toComponent(e, stamp))
	}
	return cal
}

// Encode writes resource as an iCalendar object.
func Encode(w io.Writer, method itip.Method, resource *models.CalendarObjectResource, stamp time.Time) error {
	if err := ical.NewEncoder(w).Encode(NewCalendar(method, resource, stamp)); err != nil {
		return fmt.Errorf("failed to encode event to iCal format: %w", err)
	}
	return nil
}

// Marshal is Encode into a byte slice.
func Marshal(method itip.Method, resource *models.CalendarObjectResource, stamp time.Time) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, method, resource, stamp); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeMessage writes the calendar part of msg. Managed attachments are
// inlined when the message carries an attachment provider.
func EncodeMessage(ctx context.Context, w io.Writer, msg *message.SchedulingMessage, stamp time.Time) error {
	cal := NewCalendar(msg.Method(), msg.Resource(), stamp)
	if provider := msg.AttachmentProvider(); provider != nil {
		for _, comp := range cal.Children {
			if err := inlineAttachments(ctx, comp, provider); err != nil {
				return err
			}
		}
	}
	if err := ical.NewEncoder(w).Encode(cal); err != nil {
		return fmt.Errorf("failed to encode %s message for %s: %w", msg.Method(), msg.Recipient(), err)
	}
	return nil
}

func toComponent(e *models.Event, stamp time.Time) *ical.Component {
	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, e.UID)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, stamp.UTC())

	seq := ical.NewProp(ical.PropSequence)
	seq.Value = strconv.Itoa(e.Sequence)
	ve.Props.Set(seq)

	if e.Summary != "" {
		ve.Props.SetText(ical.PropSummary, e.Summary)
	}
	if e.Description != "" {
		ve.Props.SetText(ical.PropDescription, e.Description)
	}
	if e.Location != "" {
		ve.Props.SetText(ical.PropLocation, e.Location)
	}
	setTime(ve, ical.PropDateTimeStart, e.Start, e.AllDay)
	if !e.End.IsZero() && !e.End.Equal(e.Start) {
		setTime(ve, ical.PropDateTimeEnd, e.End, e.AllDay)
	}

	if e.RecurrenceID != nil {
		setTime(ve, ical.PropRecurrenceID, e.RecurrenceID.Value, e.RecurrenceID.AllDay)
		if e.RecurrenceID.ThisAndFuture() {
			ve.Props.Get(ical.PropRecurrenceID).Params.Set(ical.ParamRange, e.RecurrenceID.Range.String())
		}
	}
	if e.RecurrenceRule != "" {
		rule := ical.NewProp(ical.PropRecurrenceRule)
		rule.Value = e.RecurrenceRule
		ve.Props.Set(rule)
	}
	for _, t := range e.DeleteExceptionDates {
		ex := ical.NewProp(ical.PropExceptionDates)
		if e.AllDay {
			ex.SetDate(t)
		} else {
			ex.SetDateTime(t)
		}
		ve.Props.Add(ex)
	}

	if e.Organizer != nil {
		ve.Props.Add(userProp(ical.PropOrganizer, *e.Organizer))
	}
	for _, a := range e.Attendees {
		p := userProp(ical.PropAttendee, a.CalendarUser)
		p.Params.Set(ical.ParamParticipationStatus, string(a.PartStat))
		if a.Role != "" {
			p.Params.Set(ical.ParamRole, a.Role)
		}
		if a.CUType != "" {
			p.Params.Set(ical.ParamCalendarUserType, a.CUType)
		}
		if a.RSVP {
			p.Params.Set(ical.ParamRSVP, "TRUE")
		}
		if a.Comment != "" {
			p.Params.Set(paramResponseComment, a.Comment)
		}
		ve.Props.Add(p)
	}
	for _, a := range e.Attachments {
		ve.Props.Add(attachmentProp(a))
	}

	if !e.Created.IsZero() {
		ve.Props.SetDateTime(ical.PropCreated, e.Created.UTC())
	}
	if !e.LastModified.IsZero() {
		ve.Props.SetDateTime(ical.PropLastModified, e.LastModified.UTC())
	}
	return ve
}

func setTime(comp *ical.Component, name string, t time.Time, allDay bool) {
	if t.IsZero() {
		return
	}
	if allDay {
		comp.Props.SetDate(name, t)
		return
	}
	comp.Props.SetDateTime(name, t)
}

func userProp(name string, u models.CalendarUser) *ical.Prop {
	p := ical.NewProp(name)
	p.Value = u.Address()
	if u.CN != "" {
		p.Params.Set(ical.ParamCommonName, u.CN)
	}
	if u.SentBy != nil {
		p.Params.Set(ical.ParamSentBy, u.SentBy.Address())
	}
	return p
}

func attachmentProp(a models.Attachment) *ical.Prop {
	p := ical.NewProp(ical.PropAttach)
	p.Value = a.URI
	if a.FmtType != "" {
		p.Params.Set(ical.ParamFormatType, a.FmtType)
	}
	if a.Filename != "" {
		p.Params.Set(paramFilename, a.Filename)
	}
	if a.Size > 0 {
		p.Params.Set(paramSize, strconv.FormatInt(a.Size, 10))
	}
	if a.ManagedID != "" {
		p.Params.Set(paramManagedID, a.ManagedID)
	}
	return p
}

// inlineAttachments replaces managed attachment references of comp with
// their base64 content.
func inlineAttachments(ctx context.Context, comp *ical.Component, provider message.AttachmentProvider) error {
	props := comp.Props[ical.PropAttach]
	for i := range props {
		id := props[i].Params.Get(paramManagedID)
		if id == "" {
			continue
		}
		data, err := readAttachment(ctx, provider, id)
		if err != nil {
			return err
		}
		props[i].Params.Set(ical.ParamValue, "BINARY")
		props[i].Params.Set(ical.ParamEncoding, "BASE64")
		props[i].Value = base64.StdEncoding.EncodeToString(data)
	}
	return nil
}

func readAttachment(ctx context.Context, provider message.AttachmentProvider, id string) ([]byte, error) {
	rc, err := provider.Attachment(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to open attachment %s: %w", id, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read attachment %s: %w", id, err)
	}
	return data, nil
}
