package outbound

import (
	"context"
	"fmt"

	"itipcal/internal/itip"
	"itipcal/internal/message"
	"itipcal/internal/models"
)

// UpdateDescriber picks the description method for an update variant.
type UpdateDescriber func(ctx context.Context, d message.Describer, req message.DescribeRequest, update models.EventUpdate) (message.Description, error)

var (
	describeRequestUpdate UpdateDescriber = func(ctx context.Context, d message.Describer, req message.DescribeRequest, u models.EventUpdate) (message.Description, error) {
		return d.DescribeUpdate(ctx, req, u)
	}
	describeNewException UpdateDescriber = func(ctx context.Context, d message.Describer, req message.DescribeRequest, u models.EventUpdate) (message.Description, error) {
		return d.DescribeNewException(ctx, req, u)
	}
	describeSplit UpdateDescriber = func(ctx context.Context, d message.Describer, req message.DescribeRequest, u models.EventUpdate) (message.Description, error) {
		return d.DescribeSplit(ctx, req, u)
	}
)

// UpdateBuilder informs attendees about modifications of an event.
type UpdateBuilder struct {
	deps Deps
}

func NewUpdateBuilder(deps Deps) *UpdateBuilder {
	return &UpdateBuilder{deps: deps.withDefaults()}
}

// RequestUpdate handles a plain modification. resource is what the attendees
// receive; nil sends the updated event alone.
func (b *UpdateBuilder) RequestUpdate(ctx context.Context, session *itip.Session, originator models.CalendarUser, resource *models.CalendarObjectResource, update models.EventUpdate) (Batch, error) {
	return b.Build(ctx, session, originator, resource, update, describeRequestUpdate, nil)
}

// NewException handles the creation of a change exception, update pairs the
// series master with the new exception.
func (b *UpdateBuilder) NewException(ctx context.Context, session *itip.Session, originator models.CalendarUser, exception *models.Event, update models.EventUpdate) (Batch, error) {
	resource, err := models.NewResource(exception)
	if err != nil {
		return Batch{}, err
	}
	return b.Build(ctx, session, originator, resource, update, describeNewException, nil)
}

// Split handles a series split at an occurrence: masterUpdate truncates the
// original series, tail is the newly created series for the later part.
// The master's original attendees receive the full master update followed by
// the tail; attendees only present in the tail are invited to it
// individually.
func (b *UpdateBuilder) Split(ctx context.Context, session *itip.Session, originator models.CalendarUser, masterUpdate models.EventUpdate, tail *models.CalendarObjectResource) (Batch, error) {
	if session.InITipTransaction() || masterUpdate.Updated == nil {
		return Batch{}, nil
	}
	extra := map[message.AdditionalKey]any{message.AdditionalSplit: true}
	batch, err := b.Build(ctx, session, originator, nil, masterUpdate, describeSplit, extra)
	if err != nil || tail == nil {
		return batch, err
	}

	tailEvent := tail.FirstEvent()
	splitUpdate := models.Diff(masterUpdate.Original, tailEvent)
	var notified []models.CalendarUser
	for _, event := range tail.Events() {
		for _, a := range event.Attendees {
			if !addressable(event, originator, a.CalendarUser) || containsUser(notified, a.CalendarUser) {
				continue
			}
			env := envelope{
				method:          itip.MethodRequest,
				action:          message.ActionUpdate,
				originator:      originator,
				recipient:       a.CalendarUser,
				resource:        tail,
				withAttachments: true,
				extra:           extra,
			}
			if containsAttendee(masterUpdate.Original.Attendees, a.CalendarUser) {
				env.describe = func(req message.DescribeRequest) (message.Description, error) {
					return b.deps.Describer.DescribeSplit(ctx, req, splitUpdate)
				}
			} else {
				created := event
				env.action = message.ActionCreate
				env.describe = func(req message.DescribeRequest) (message.Description, error) {
					return b.deps.Describer.DescribeCreate(ctx, req, created)
				}
			}
			if err := b.deps.emit(ctx, session, &batch, env); err != nil {
				return Batch{}, err
			}
			notified = append(notified, a.CalendarUser)
		}
	}
	return batch, nil
}

// Build is the shared routine of all update variants. Added attendees get an
// invitation instead of a change description, removed attendees get a
// CANCEL for the original event.
func (b *UpdateBuilder) Build(ctx context.Context, session *itip.Session, originator models.CalendarUser, resource *models.CalendarObjectResource, update models.EventUpdate, describe UpdateDescriber, extra map[message.AdditionalKey]any) (Batch, error) {
	var batch Batch
	if session.InITipTransaction() || update.Updated == nil || update.Original == nil {
		return batch, nil
	}
	if resource == nil {
		var err error
		if resource, err = models.NewResource(update.Updated); err != nil {
			return batch, fmt.Errorf("failed to build update resource: %w", err)
		}
	}
	updated := update.Updated

	for _, a := range update.AddedAttendees {
		if !addressable(updated, originator, a.CalendarUser) {
			continue
		}
		env := envelope{
			method:     itip.MethodRequest,
			action:     message.ActionCreate,
			originator: originator,
			recipient:  a.CalendarUser,
			resource:   resource,
			describe: func(req message.DescribeRequest) (message.Description, error) {
				return b.deps.Describer.DescribeCreate(ctx, req, updated)
			},
			withAttachments: true,
			extra:           withAdditional(extra, message.AdditionalAddedAttendee, true),
		}
		if err := b.deps.emit(ctx, session, &batch, env); err != nil {
			return Batch{}, err
		}
	}

	if len(update.RemovedAttendees) > 0 {
		original := update.Original
		cancelled, err := models.NewResource(original)
		if err != nil {
			return Batch{}, err
		}
		cancelled = cancelled.WithoutAttachments()
		for _, a := range update.RemovedAttendees {
			if !addressable(original, originator, a.CalendarUser) {
				continue
			}
			env := envelope{
				method:     itip.MethodCancel,
				action:     message.ActionCancel,
				originator: originator,
				recipient:  a.CalendarUser,
				resource:   cancelled,
				describe: func(req message.DescribeRequest) (message.Description, error) {
					return b.deps.Describer.DescribeCancel(ctx, req, original)
				},
				extra: extra,
			}
			if err := b.deps.emit(ctx, session, &batch, env); err != nil {
				return Batch{}, err
			}
		}
	}

	for _, a := range updated.Attendees {
		if !addressable(updated, originator, a.CalendarUser) || containsAttendee(update.AddedAttendees, a.CalendarUser) {
			continue
		}
		env := envelope{
			method:     itip.MethodRequest,
			action:     message.ActionUpdate,
			originator: originator,
			recipient:  a.CalendarUser,
			resource:   resource,
			describe: func(req message.DescribeRequest) (message.Description, error) {
				return describe(ctx, b.deps.Describer, req, update)
			},
			withAttachments: true,
			extra:           extra,
		}
		if err := b.deps.emit(ctx, session, &batch, env); err != nil {
			return Batch{}, err
		}
	}
	return batch, nil
}

func withAdditional(extra map[message.AdditionalKey]any, key message.AdditionalKey, value any) map[message.AdditionalKey]any {
	out := make(map[message.AdditionalKey]any, len(extra)+1)
	for k, v := range extra {
		out[k] = v
	}
	out[key] = value
	return out
}
