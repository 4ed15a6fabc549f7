// Package inbound applies received iTIP messages to the stored calendar
// data of one calendar user.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"itipcal/internal/itip"
	"itipcal/internal/models"
	"itipcal/internal/storage"
)

// Message is a parsed inbound scheduling message.
type Message struct {
	Method     itip.Method
	Originator models.CalendarUser
	Resource   *models.CalendarObjectResource
}

// Context holds everything a processor needs for one call. It is not safe
// for concurrent use.
type Context struct {
	Session     *itip.Session
	Store       storage.Storage
	Permissions storage.PermissionChecker
	// Folder is the calendar folder the message is applied to.
	Folder storage.Folder
	// CalendarUser is the user the message is addressed to. It differs from
	// the session user when acting on a shared calendar.
	CalendarUser models.CalendarUser
	Logger       *slog.Logger
	Now          func() time.Time
}

func (c *Context) validate() error {
	switch {
	case c.Session == nil:
		return errors.New("processing context without session")
	case c.Store == nil:
		return errors.New("processing context without storage")
	case c.Permissions == nil:
		return errors.New("processing context without permission checker")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return nil
}

func (c *Context) resolver() *itip.Resolver {
	return itip.NewResolver(c.Store)
}

// targetUserID is the user whose view of the calendar is resolved.
func (c *Context) targetUserID() int {
	if c.CalendarUser.IsInternal() {
		return c.CalendarUser.EntityID
	}
	return c.Session.UserID
}

// warn records a non-fatal problem on the session.
func (c *Context) warn(msg string, err error, args ...any) {
	c.Session.AddWarning(err)
	c.Logger.Warn(msg, append([]any{"error", err, "code", itip.Code(err)}, args...)...)
}

// Result lists the mutations a processor performed.
type Result struct {
	Created []*models.Event
	Updated []models.EventUpdate
	Deleted []*models.Event
}

// IsEmpty reports whether nothing was changed.
func (r *Result) IsEmpty() bool {
	return r == nil || len(r.Created)+len(r.Updated)+len(r.Deleted) == 0
}

// Merge appends the mutations of o to r.
func (r *Result) Merge(o *Result) {
	if o == nil {
		return
	}
	r.Created = append(r.Created, o.Created...)
	r.Updated = append(r.Updated, o.Updated...)
	r.Deleted = append(r.Deleted, o.Deleted...)
}

// Rescheduled returns the updates that moved an event in time.
func (r *Result) Rescheduled() []models.EventUpdate {
	if r == nil {
		return nil
	}
	var out []models.EventUpdate
	for _, u := range r.Updated {
		if u.IsReschedule() {
			out = append(out, u)
		}
	}
	return out
}

// Processor applies one scheduling method.
type Processor interface {
	Process(ctx context.Context, pc *Context, msg Message) (*Result, error)
}

// Dispatch returns the processor handling method.
func Dispatch(method itip.Method) (Processor, error) {
	switch method {
	case itip.MethodRequest:
		return RequestProcessor{}, nil
	case itip.MethodCancel:
		return CancelProcessor{}, nil
	case itip.MethodAdd:
		return AddProcessor{}, nil
	case itip.MethodReply:
		return ReplyProcessor{}, nil
	}
	return nil, fmt.Errorf("%w: %s", itip.ErrUnsupportedMethod, method)
}

// Process dispatches msg to its processor. While processing, the session is
// flagged as being inside an iTIP transaction so that no outbound message is
// generated for changes made on behalf of the sender.
func Process(ctx context.Context, pc *Context, msg Message) (*Result, error) {
	if err := pc.validate(); err != nil {
		return nil, err
	}
	if msg.Resource == nil {
		return nil, errors.New("scheduling message without calendar data")
	}
	p, err := Dispatch(msg.Method)
	if err != nil {
		return nil, err
	}
	leave := pc.Session.EnterITipTransaction()
	defer leave()

	pc.Logger.Info("Processing scheduling message",
		"method", msg.Method, "uid", msg.Resource.UID(), "originator", msg.Originator.String(), "folder", pc.Folder.ID)
	result, err := p.Process(ctx, pc, msg)
	if err != nil {
		return nil, fmt.Errorf("failed to process %s for %q: %w", msg.Method, msg.Resource.UID(), err)
	}
	pc.Logger.Info("Processed scheduling message",
		"method", msg.Method, "uid", msg.Resource.UID(),
		"created", len(result.Created), "updated", len(result.Updated), "deleted", len(result.Deleted))
	return result, nil
}
