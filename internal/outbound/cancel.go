package outbound

import (
	"context"
	"fmt"

	"itipcal/internal/itip"
	"itipcal/internal/message"
	"itipcal/internal/models"
)

// CancelBuilder informs attendees about a deleted event.
type CancelBuilder struct {
	deps Deps
}

func NewCancelBuilder(deps Deps) *CancelBuilder {
	return &CancelBuilder{deps: deps.withDefaults()}
}

// Build returns one CANCEL per remaining attendee of deleted. Cancellations
// never carry attachments.
func (b *CancelBuilder) Build(ctx context.Context, session *itip.Session, originator models.CalendarUser, deleted *models.Event) (Batch, error) {
	var batch Batch
	if session.InITipTransaction() || deleted == nil || len(deleted.Attendees) == 0 {
		return batch, nil
	}
	resource, err := models.NewResource(deleted)
	if err != nil {
		return batch, fmt.Errorf("failed to build cancel resource: %w", err)
	}
	resource = resource.WithoutAttachments()

	for _, a := range deleted.Attendees {
		if !addressable(deleted, originator, a.CalendarUser) {
			continue
		}
		env := envelope{
			method:     itip.MethodCancel,
			action:     message.ActionCancel,
			originator: originator,
			recipient:  a.CalendarUser,
			resource:   resource,
			describe: func(req message.DescribeRequest) (message.Description, error) {
				return b.deps.Describer.DescribeCancel(ctx, req, deleted)
			},
		}
		if err := b.deps.emit(ctx, session, &batch, env); err != nil {
			return Batch{}, err
		}
	}
	return batch, nil
}
