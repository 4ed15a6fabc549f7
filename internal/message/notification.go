package message

import (
	"fmt"
	"maps"
	"reflect"

	"itipcal/internal/models"
)

// ChangeAction classifies a local change notification.
type ChangeAction string

const (
	ActionCreate ChangeAction = "CREATE"
	ActionUpdate ChangeAction = "UPDATE"
	ActionCancel ChangeAction = "CANCEL"
	ActionReply  ChangeAction = "REPLY"
)

// ChangeNotification informs an internal user about a change. Unlike a
// SchedulingMessage it is never sent to an external iTIP peer.
type ChangeNotification struct {
	action      ChangeAction
	originator  models.CalendarUser
	recipient   models.CalendarUser
	resource    *models.CalendarObjectResource
	description Description
	attachments AttachmentProvider
	settings    *RecipientSettings
	additionals map[AdditionalKey]any
}

func (n *ChangeNotification) Action() ChangeAction { return n.action }
func (n *ChangeNotification) Originator() models.CalendarUser { return n.originator }
func (n *ChangeNotification) Recipient() models.CalendarUser { return n.recipient }
func (n *ChangeNotification) Description() Description { return n.description }
func (n *ChangeNotification) AttachmentProvider() AttachmentProvider { return n.attachments }
func (n *ChangeNotification) Resource() *models.CalendarObjectResource { return n.resource.Clone() }
func (n *ChangeNotification) Additionals() map[AdditionalKey]any { return maps.Clone(n.additionals) }

func (n *ChangeNotification) RecipientSettings() *RecipientSettings {
	if n.settings == nil {
		return nil
	}
	s := *n.settings
	return &s
}

func (n *ChangeNotification) additional(key AdditionalKey) (any, bool) {
	if n == nil {
		return nil, false
	}
	v, ok := n.additionals[key]
	return v, ok
}

// Equal compares two notifications ignoring the attachment provider.
func (n *ChangeNotification) Equal(o *ChangeNotification) bool {
	if n == nil || o == nil {
		return n == o
	}
	return n.action == o.action &&
		reflect.DeepEqual(n.originator, o.originator) &&
		reflect.DeepEqual(n.recipient, o.recipient) &&
		reflect.DeepEqual(n.resource, o.resource) &&
		reflect.DeepEqual(n.description, o.description) &&
		reflect.DeepEqual(n.settings, o.settings) &&
		reflect.DeepEqual(n.additionals, o.additionals)
}

// NotificationBuilder assembles a ChangeNotification.
type NotificationBuilder struct {
	n              ChangeNotification
	hasDescription bool
}

func NewNotificationBuilder() *NotificationBuilder {
	return &NotificationBuilder{}
}

func (b *NotificationBuilder) Action(a ChangeAction) *NotificationBuilder {
	b.n.action = a
	return b
}

func (b *NotificationBuilder) Originator(u models.CalendarUser) *NotificationBuilder {
	b.n.originator = u
	return b
}

func (b *NotificationBuilder) Recipient(u models.CalendarUser) *NotificationBuilder {
	b.n.recipient = u
	return b
}

func (b *NotificationBuilder) Resource(r *models.CalendarObjectResource) *NotificationBuilder {
	b.n.resource = r
	return b
}

func (b *NotificationBuilder) Description(d Description) *NotificationBuilder {
	b.n.description = d
	b.hasDescription = true
	return b
}

func (b *NotificationBuilder) AttachmentProvider(p AttachmentProvider) *NotificationBuilder {
	b.n.attachments = p
	return b
}

func (b *NotificationBuilder) RecipientSettings(s *RecipientSettings) *NotificationBuilder {
	b.n.settings = s
	return b
}

func (b *NotificationBuilder) Additional(key AdditionalKey, value any) *NotificationBuilder {
	if b.n.additionals == nil {
		b.n.additionals = make(map[AdditionalKey]any)
	}
	b.n.additionals[key] = value
	return b
}

// Build validates the required fields and returns the notification.
func (b *NotificationBuilder) Build() (*ChangeNotification, error) {
	switch {
	case b.n.action == "":
		return nil, fmt.Errorf("%w: action is required", ErrIncompleteMessage)
	case b.n.originator.Address() == "" && !b.n.originator.IsInternal():
		return nil, fmt.Errorf("%w: originator is required", ErrIncompleteMessage)
	case b.n.recipient.Address() == "" && !b.n.recipient.IsInternal():
		return nil, fmt.Errorf("%w: recipient is required", ErrIncompleteMessage)
	case b.n.resource == nil:
		return nil, fmt.Errorf("%w: resource is required", ErrIncompleteMessage)
	case !b.hasDescription:
		return nil, fmt.Errorf("%w: description is required", ErrIncompleteMessage)
	}
	n := b.n
	n.resource = b.n.resource.Clone()
	n.additionals = maps.Clone(b.n.additionals)
	if b.n.settings != nil {
		s := *b.n.settings
		n.settings = &s
	}
	return &n, nil
}
