package message

import (
	"context"

	"itipcal/internal/models"
)

// Description is the human readable explanation of a change, rendered by a
// Describer. The engine treats it as opaque.
type Description struct {
	Subject string
	Lines   []string
}

// IsEmpty reports whether the description carries no text.
func (d Description) IsEmpty() bool {
	return d.Subject == "" && len(d.Lines) == 0
}

// DescribeRequest is the context a description is rendered for.
type DescribeRequest struct {
	ContextID  int
	Originator models.CalendarUser
	Recipient  models.CalendarUser
	Comment    string
}

// Describer renders descriptions of scheduling changes.
type Describer interface {
	DescribeCreate(ctx context.Context, req DescribeRequest, event *models.Event) (Description, error)
	DescribeUpdate(ctx context.Context, req DescribeRequest, update models.EventUpdate) (Description, error)
	DescribeNewException(ctx context.Context, req DescribeRequest, update models.EventUpdate) (Description, error)
	DescribeSplit(ctx context.Context, req DescribeRequest, update models.EventUpdate) (Description, error)
	DescribeCancel(ctx context.Context, req DescribeRequest, event *models.Event) (Description, error)
	DescribeReply(ctx context.Context, req DescribeRequest, update models.EventUpdate) (Description, error)
}

// NopDescriber returns empty descriptions. It stands in when no description
// service is configured.
type NopDescriber struct{}

func (NopDescriber) DescribeCreate(context.Context, DescribeRequest, *models.Event) (Description, error) {
	return Description{}, nil
}

func (NopDescriber) DescribeUpdate(context.Context, DescribeRequest, models.EventUpdate) (Description, error) {
	return Description{}, nil
}

func (NopDescriber) DescribeNewException(context.Context, DescribeRequest, models.EventUpdate) (Description, error) {
	return Description{}, nil
}

func (NopDescriber) DescribeSplit(context.Context, DescribeRequest, models.EventUpdate) (Description, error) {
	return Description{}, nil
}

func (NopDescriber) DescribeCancel(context.Context, DescribeRequest, *models.Event) (Description, error) {
	return Description{}, nil
}

func (NopDescriber) DescribeReply(context.Context, DescribeRequest, models.EventUpdate) (Description, error) {
	return Description{}, nil
}
