// Package inbox applies the scheduling messages found in a directory of
// .ics files.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"itipcal/internal/icalendar"
	"itipcal/internal/inbound"
	"itipcal/internal/itip"
	"itipcal/internal/models"
	"itipcal/internal/outbound"
)

// Entry records the outcome of one processed file.
type Entry struct {
	UID       string    `json:"uid,omitempty"`
	Method    string    `json:"method,omitempty"`
	Processed time.Time `json:"processed_at"`
	Warnings  []string  `json:"warnings,omitempty"`
	Replies   int       `json:"replies,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// State keeps track of which files have been processed. The key is the file
// name inside the inbox directory.
type State map[string]Entry

// ReplySender answers organizers after the user's status was set
// automatically.
type ReplySender interface {
	Replies(ctx context.Context, session *itip.Session, result *inbound.Result) (outbound.Batch, error)
}

// Options configure an Inbox.
type Options struct {
	Dir       string
	StateFile string
	// PartStat is applied to every invitation REQUEST or ADD creates or
	// reschedules. Empty leaves invitations unanswered.
	PartStat models.PartStat
	Comment  *string
	// DryRun keeps the state file untouched.
	DryRun bool
}

// Report summarizes one cycle.
type Report struct {
	Processed int
	Failed    int
	Warnings  int
	Replies   int
}

// Inbox orchestrates processing of received scheduling messages.
type Inbox struct {
	logger  *slog.Logger
	base    inbound.Context
	replies ReplySender
	opts    Options
	state   State
}

// New creates an Inbox. base is copied for every message with a fresh
// session derived from base.Session. replies may be nil.
func New(logger *slog.Logger, base inbound.Context, replies ReplySender, opts Options) (*Inbox, error) {
	if base.Session == nil {
		return nil, errors.New("inbox requires a session")
	}
	if base.Logger == nil {
		base.Logger = logger
	}
	if base.Now == nil {
		base.Now = time.Now
	}
	state, err := loadState(opts.StateFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Info("No inbox state file found, starting fresh.", "file", opts.StateFile)
			state = make(State)
		} else {
			return nil, fmt.Errorf("failed to load inbox state: %w", err)
		}
	}
	return &Inbox{logger: logger, base: base, replies: replies, opts: opts, state: state}, nil
}

// State returns a copy of the processing state.
func (in *Inbox) State() State {
	out := make(State, len(in.state))
	for k, v := range in.state {
		out[k] = v
	}
	return out
}

// Process performs one cycle over the pending files of the inbox.
func (in *Inbox) Process(ctx context.Context) (Report, error) {
	var report Report
	in.logger.Info("Starting inbox cycle.", "dir", in.opts.Dir)

	pending, err := in.pending()
	if err != nil {
		return report, fmt.Errorf("failed to list inbox: %w", err)
	}
	for _, name := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		entry, err := in.processFile(ctx, filepath.Join(in.opts.Dir, name))
		entry.Processed = in.base.Now()
		if err != nil {
			in.logger.Error("Failed to process message", "file", name, "error", err)
			entry.Error = err.Error()
			report.Failed++
			// Continue with the next message even if one fails.
		} else {
			report.Processed++
		}
		report.Warnings += len(entry.Warnings)
		report.Replies += entry.Replies
		in.state[name] = entry
	}

	if !in.opts.DryRun {
		if err := in.saveState(); err != nil {
			in.logger.Error("Failed to save inbox state", "error", err)
		}
	}
	in.logger.Info("Inbox cycle finished.", "processed", report.Processed, "failed", report.Failed, "warnings", report.Warnings)
	return report, nil
}

// pending returns the names of unprocessed .ics files in directory order.
func (in *Inbox) pending() ([]string, error) {
	files, err := os.ReadDir(in.opts.Dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, f := range files {
		if f.IsDir() || !strings.EqualFold(filepath.Ext(f.Name()), ".ics") {
			continue
		}
		if _, done := in.state[f.Name()]; done {
			in.logger.Debug("Message already processed, skipping.", "file", f.Name())
			continue
		}
		names = append(names, f.Name())
	}
	return names, nil
}

func (in *Inbox) processFile(ctx context.Context, path string) (entry Entry, err error) {
	f, err := os.Open(path)
	if err != nil {
		return entry, err
	}
	defer f.Close()
	msg, err := icalendar.DecodeMessage(f)
	if err != nil {
		return entry, err
	}
	entry.UID, entry.Method = msg.Resource.UID(), string(msg.Method)

	pc := in.base
	pc.Session = itip.NewSession(in.base.Session.ContextID, in.base.Session.UserID)
	pc.Session.Comment = in.base.Session.Comment
	pc.Session.NotificationsEnabled = in.base.Session.NotificationsEnabled
	defer func() {
		for _, w := range pc.Session.Warnings() {
			entry.Warnings = append(entry.Warnings, w.Error())
		}
	}()

	result, err := inbound.Process(ctx, &pc, msg)
	if err != nil {
		return entry, err
	}
	if in.opts.PartStat == "" {
		return entry, nil
	}
	answered, err := inbound.UpdateAttendeeStatus(ctx, &pc, msg.Method, in.opts.PartStat, in.opts.Comment, result)
	if err != nil {
		return entry, fmt.Errorf("failed to set participation status: %w", err)
	}
	if in.replies == nil || answered.IsEmpty() {
		return entry, nil
	}
	batch, err := in.replies.Replies(ctx, pc.Session, answered)
	if err != nil {
		return entry, fmt.Errorf("failed to reply: %w", err)
	}
	entry.Replies = len(batch.Messages)
	return entry, nil
}

// loadState loads the inbox state from the JSON file.
func loadState(path string) (State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	if state == nil {
		state = make(State)
	}
	return state, nil
}

// saveState saves the current inbox state to the JSON file.
func (in *Inbox) saveState() error {
	data, err := json.MarshalIndent(in.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal inbox state: %w", err)
	}
	return os.WriteFile(in.opts.StateFile, data, 0644)
}
