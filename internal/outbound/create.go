package outbound

import (
	"context"
	"fmt"

	"itipcal/internal/itip"
	"itipcal/internal/message"
	"itipcal/internal/models"
)

// CreateBuilder invites the attendees of newly created events.
type CreateBuilder struct {
	deps Deps
}

func NewCreateBuilder(deps Deps) *CreateBuilder {
	return &CreateBuilder{deps: deps.withDefaults()}
}

// Build returns one REQUEST per attendee of the first created event (the
// series master when present) carrying the whole resource. Attendees that
// only take part in later change exceptions receive that exception alone.
func (b *CreateBuilder) Build(ctx context.Context, session *itip.Session, originator models.CalendarUser, created []*models.Event) (Batch, error) {
	var batch Batch
	if session.InITipTransaction() || len(created) == 0 {
		return batch, nil
	}
	resource, err := models.NewResource(created...)
	if err != nil {
		return batch, fmt.Errorf("failed to group created events: %w", err)
	}

	var notified []models.CalendarUser
	invite := func(event *models.Event, target *models.CalendarObjectResource, a models.Attendee) error {
		return b.deps.emit(ctx, session, &batch, envelope{
			method:     itip.MethodRequest,
			action:     message.ActionCreate,
			originator: originator,
			recipient:  a.CalendarUser,
			resource:   target,
			describe: func(req message.DescribeRequest) (message.Description, error) {
				return b.deps.Describer.DescribeCreate(ctx, req, event)
			},
			withAttachments: true,
		})
	}

	events := resource.Events()
	first := events[0]
	for _, a := range first.Attendees {
		if !addressable(first, originator, a.CalendarUser) || containsUser(notified, a.CalendarUser) {
			continue
		}
		if err := invite(first, resource, a); err != nil {
			return Batch{}, err
		}
		notified = append(notified, a.CalendarUser)
	}
	for _, event := range events[1:] {
		for _, a := range event.Attendees {
			if !addressable(event, originator, a.CalendarUser) || containsUser(notified, a.CalendarUser) {
				continue
			}
			single, err := models.NewResource(event)
			if err != nil {
				return Batch{}, err
			}
			if err := invite(event, single, a); err != nil {
				return Batch{}, err
			}
			notified = append(notified, a.CalendarUser)
		}
	}

	b.deps.Logger.Debug("Built invitations", "uid", resource.UID(), "messages", len(batch.Messages), "notifications", len(batch.Notifications))
	return batch, nil
}
