// Package outbound computes the scheduling messages a local change of an
// event implies for its participants.
//
// Builders are stateless: every call returns a fresh Batch. Nothing is
// produced while the session is processing an inbound iTIP message, which
// keeps applied scheduling messages from generating new traffic.
package outbound

import (
	"context"
	"log/slog"

	"itipcal/internal/itip"
	"itipcal/internal/message"
	"itipcal/internal/models"
	"itipcal/internal/recipient"
)

// Batch is the output of a builder: iTIP messages for external peers and
// change notifications for internal users.
type Batch struct {
	Messages      []*message.SchedulingMessage
	Notifications []*message.ChangeNotification
}

// Len returns the number of messages and notifications.
func (b Batch) Len() int {
	return len(b.Messages) + len(b.Notifications)
}

// Append returns a batch holding the entries of b followed by those of o.
func (b Batch) Append(o Batch) Batch {
	return Batch{
		Messages:      append(append([]*message.SchedulingMessage(nil), b.Messages...), o.Messages...),
		Notifications: append(append([]*message.ChangeNotification(nil), b.Notifications...), o.Notifications...),
	}
}

// Deps are the collaborators shared by all builders. Nil fields are replaced
// by no-op implementations.
type Deps struct {
	Logger      *slog.Logger
	Describer   message.Describer
	Recipients  recipient.Resolver
	Attachments message.AttachmentProvider
}

type nopResolver struct{}

func (nopResolver) Resolve(context.Context, models.CalendarUser, *models.Event) *message.RecipientSettings {
	return nil
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Describer == nil {
		d.Describer = message.NopDescriber{}
	}
	if d.Recipients == nil {
		d.Recipients = nopResolver{}
	}
	return d
}

type describeFunc func(req message.DescribeRequest) (message.Description, error)

// envelope describes one outbound unit before it is built.
type envelope struct {
	method          itip.Method
	action          message.ChangeAction
	originator      models.CalendarUser
	recipient       models.CalendarUser
	resource        *models.CalendarObjectResource
	describe        describeFunc
	withAttachments bool
	extra           map[message.AdditionalKey]any
}

// emit builds the message or notification for env and appends it to batch.
func (d Deps) emit(ctx context.Context, session *itip.Session, batch *Batch, env envelope) error {
	req := message.DescribeRequest{
		ContextID:  session.ContextID,
		Originator: env.originator,
		Recipient:  env.recipient,
		Comment:    session.Comment,
	}
	desc, err := env.describe(req)
	if err != nil {
		d.Logger.Warn("Could not describe change, sending without description",
			"uid", env.resource.UID(), "recipient", env.recipient.String(), "error", err)
		desc = message.Description{}
	}
	settings := d.Recipients.Resolve(ctx, env.recipient, env.resource.FirstEvent())

	additionals := map[message.AdditionalKey]any{
		message.AdditionalNotificationsEnabled: session.NotificationsEnabled,
	}
	if session.Comment != "" {
		additionals[message.AdditionalComment] = session.Comment
	}
	for k, v := range env.extra {
		additionals[k] = v
	}

	if env.recipient.IsInternal() {
		nb := message.NewNotificationBuilder().
			Action(env.action).
			Originator(env.originator).
			Recipient(env.recipient).
			Resource(env.resource).
			Description(desc).
			RecipientSettings(settings)
		if env.withAttachments {
			nb.AttachmentProvider(d.Attachments)
		}
		for k, v := range additionals {
			nb.Additional(k, v)
		}
		n, err := nb.Build()
		if err != nil {
			return err
		}
		batch.Notifications = append(batch.Notifications, n)
		return nil
	}

	mb := message.NewBuilder().
		Method(env.method).
		Originator(env.originator).
		Recipient(env.recipient).
		Resource(env.resource).
		Description(desc).
		RecipientSettings(settings)
	if env.withAttachments {
		mb.AttachmentProvider(d.Attachments)
	}
	for k, v := range additionals {
		mb.Additional(k, v)
	}
	m, err := mb.Build()
	if err != nil {
		return err
	}
	batch.Messages = append(batch.Messages, m)
	return nil
}

// addressable reports whether a message about event should go to user.
// Nobody writes to themselves and the organizer is never invited.
func addressable(event *models.Event, originator, user models.CalendarUser) bool {
	if models.SameUser(originator, user) {
		return false
	}
	if event.Organizer != nil && models.SameUser(*event.Organizer, user) {
		return false
	}
	return true
}

func containsUser(users []models.CalendarUser, u models.CalendarUser) bool {
	for _, other := range users {
		if models.SameUser(other, u) {
			return true
		}
	}
	return false
}

func containsAttendee(attendees []models.Attendee, u models.CalendarUser) bool {
	for _, a := range attendees {
		if models.SameUser(a.CalendarUser, u) {
			return true
		}
	}
	return false
}
