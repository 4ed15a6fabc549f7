package outbound

import (
	"context"
	"fmt"

	"itipcal/internal/itip"
	"itipcal/internal/message"
	"itipcal/internal/models"
)

// ReplyBuilder answers the organizer after an attendee changed its own
// participation status.
type ReplyBuilder struct {
	deps Deps
}

func NewReplyBuilder(deps Deps) *ReplyBuilder {
	return &ReplyBuilder{deps: deps.withDefaults()}
}

// Build returns exactly one REPLY addressed to the organizer. The replied
// event only lists the replying attendee, as RFC 5546 section 3.2.3 requires.
func (b *ReplyBuilder) Build(ctx context.Context, session *itip.Session, attendee models.CalendarUser, update models.EventUpdate) (Batch, error) {
	var batch Batch
	if session.InITipTransaction() || update.Updated == nil {
		return batch, nil
	}
	event := update.Updated
	if event.Organizer == nil {
		return batch, fmt.Errorf("%w: event %q has no organizer to reply to", message.ErrIncompleteMessage, event.UID)
	}
	if models.SameUser(*event.Organizer, attendee) {
		return batch, nil
	}
	own, ok := event.Attendee(attendee)
	if !ok {
		return batch, fmt.Errorf("%w: %s is not an attendee of %q", message.ErrIncompleteMessage, attendee, event.UID)
	}

	reply := event.Clone()
	reply.Attendees = []models.Attendee{own}
	reply.Attachments = nil
	resource, err := models.NewResource(reply)
	if err != nil {
		return batch, err
	}

	originator := own.CalendarUser
	env := envelope{
		method:     itip.MethodReply,
		action:     message.ActionReply,
		originator: originator,
		recipient:  *event.Organizer,
		resource:   resource,
		describe: func(req message.DescribeRequest) (message.Description, error) {
			return b.deps.Describer.DescribeReply(ctx, req, update)
		},
	}
	if err := b.deps.emit(ctx, session, &batch, env); err != nil {
		return Batch{}, err
	}
	return batch, nil
}
