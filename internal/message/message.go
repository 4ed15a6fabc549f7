// Package message holds the outbound scheduling message model.
package message

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"reflect"
	"time"

	"itipcal/internal/itip"
	"itipcal/internal/models"
)

// ErrIncompleteMessage is returned by builders when a required field is
// missing.
var ErrIncompleteMessage = errors.New("incomplete message")

// AttachmentProvider streams the content of managed attachments for delivery.
type AttachmentProvider interface {
	Attachment(ctx context.Context, managedID string) (io.ReadCloser, error)
}

// Format is the preferred rendering of a message body.
type Format string

const (
	FormatText Format = "text"
	FormatHTML Format = "html"
)

// RegionalSettings carries date and time formatting preferences.
type RegionalSettings struct {
	DateFormat     string
	TimeFormat     string
	FirstDayOfWeek time.Weekday
}

// RecipientSettings is the recipient specific context a message is rendered in.
type RecipientSettings struct {
	Locale     string
	TimeZone   *time.Location
	Format     Format
	DirectLink string
	Regional   *RegionalSettings
}

// SchedulingMessage is an outbound iTIP message for one recipient. It is
// immutable once built.
type SchedulingMessage struct {
	method      itip.Method
	originator  models.CalendarUser
	recipient   models.CalendarUser
	resource    *models.CalendarObjectResource
	description Description
	attachments AttachmentProvider
	settings    *RecipientSettings
	additionals map[AdditionalKey]any
}

func (m *SchedulingMessage) Method() itip.Method { return m.method }
func (m *SchedulingMessage) Originator() models.CalendarUser { return m.originator }
func (m *SchedulingMessage) Recipient() models.CalendarUser { return m.recipient }
func (m *SchedulingMessage) Description() Description { return m.description }
func (m *SchedulingMessage) AttachmentProvider() AttachmentProvider { return m.attachments }
func (m *SchedulingMessage) Resource() *models.CalendarObjectResource { return m.resource.Clone() }
func (m *SchedulingMessage) Additionals() map[AdditionalKey]any { return maps.Clone(m.additionals) }

// RecipientSettings returns the rendering context, nil when unresolved.
func (m *SchedulingMessage) RecipientSettings() *RecipientSettings {
	if m.settings == nil {
		return nil
	}
	s := *m.settings
	return &s
}

func (m *SchedulingMessage) additional(key AdditionalKey) (any, bool) {
	if m == nil {
		return nil, false
	}
	v, ok := m.additionals[key]
	return v, ok
}

// Equal compares two messages field by field, ignoring the attachment
// provider.
func (m *SchedulingMessage) Equal(o *SchedulingMessage) bool {
	if m == nil || o == nil {
		return m == o
	}
	return m.method == o.method &&
		reflect.DeepEqual(m.originator, o.originator) &&
		reflect.DeepEqual(m.recipient, o.recipient) &&
		reflect.DeepEqual(m.resource, o.resource) &&
		reflect.DeepEqual(m.description, o.description) &&
		reflect.DeepEqual(m.settings, o.settings) &&
		reflect.DeepEqual(m.additionals, o.additionals)
}

func (m *SchedulingMessage) String() string {
	return fmt.Sprintf("%s %s -> %s (%s)", m.method, m.originator, m.recipient, m.resource.UID())
}

// Builder assembles a SchedulingMessage.
type Builder struct {
	msg            SchedulingMessage
	hasDescription bool
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) Method(m itip.Method) *Builder {
	b.msg.method = m
	return b
}

func (b *Builder) Originator(u models.CalendarUser) *Builder {
	b.msg.originator = u
	return b
}

func (b *Builder) Recipient(u models.CalendarUser) *Builder {
	b.msg.recipient = u
	return b
}

func (b *Builder) Resource(r *models.CalendarObjectResource) *Builder {
	b.msg.resource = r
	return b
}

func (b *Builder) Description(d Description) *Builder {
	b.msg.description = d
	b.hasDescription = true
	return b
}

func (b *Builder) AttachmentProvider(p AttachmentProvider) *Builder {
	b.msg.attachments = p
	return b
}

func (b *Builder) RecipientSettings(s *RecipientSettings) *Builder {
	b.msg.settings = s
	return b
}

// Additional sets an extension value. Values of an unexpected type are
// stored as-is and simply never match a typed lookup.
func (b *Builder) Additional(key AdditionalKey, value any) *Builder {
	if b.msg.additionals == nil {
		b.msg.additionals = make(map[AdditionalKey]any)
	}
	b.msg.additionals[key] = value
	return b
}

// Build validates the required fields and returns the message.
func (b *Builder) Build() (*SchedulingMessage, error) {
	switch {
	case b.msg.method == "":
		return nil, fmt.Errorf("%w: method is required", ErrIncompleteMessage)
	case b.msg.originator.Address() == "" && !b.msg.originator.IsInternal():
		return nil, fmt.Errorf("%w: originator is required", ErrIncompleteMessage)
	case b.msg.recipient.Address() == "" && !b.msg.recipient.IsInternal():
		return nil, fmt.Errorf("%w: recipient is required", ErrIncompleteMessage)
	case b.msg.resource == nil:
		return nil, fmt.Errorf("%w: resource is required", ErrIncompleteMessage)
	case !b.hasDescription:
		return nil, fmt.Errorf("%w: description is required", ErrIncompleteMessage)
	}
	msg := b.msg
	msg.resource = b.msg.resource.Clone()
	msg.additionals = maps.Clone(b.msg.additionals)
	if b.msg.settings != nil {
		s := *b.msg.settings
		msg.settings = &s
	}
	return &msg, nil
}
