// Package outbox writes built scheduling messages to a directory, where a
// delivery agent picks them up. Every entry is an .ics file plus a JSON
// envelope naming the recipient.
package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"itipcal/internal/icalendar"
	"itipcal/internal/message"
	"itipcal/internal/models"
	"itipcal/internal/outbound"
)

// Kinds of outbox entries.
const (
	KindSchedulingMessage = "itip"
	KindNotification      = "notification"
)

// Address is a serialized calendar user.
type Address struct {
	EntityID int    `json:"entity_id,omitempty"`
	URI      string `json:"uri,omitempty"`
	Name     string `json:"name,omitempty"`
	SentBy   string `json:"sent_by,omitempty"`
}

func addressOf(u models.CalendarUser) Address {
	a := Address{EntityID: u.EntityID, URI: u.Address(), Name: u.CN}
	if u.SentBy != nil {
		a.SentBy = u.SentBy.Address()
	}
	return a
}

// Envelope is the JSON sidecar of an outbox entry.
type Envelope struct {
	Kind       string   `json:"kind"`
	Method     string   `json:"method,omitempty"`
	Action     string   `json:"action,omitempty"`
	UID        string   `json:"uid"`
	Originator Address  `json:"originator"`
	Recipient  Address  `json:"recipient"`
	Subject    string   `json:"subject,omitempty"`
	Body       []string `json:"body,omitempty"`
	Locale     string   `json:"locale,omitempty"`
	TimeZone   string   `json:"timezone,omitempty"`
	Format     string   `json:"format,omitempty"`
	DirectLink string   `json:"direct_link,omitempty"`
	// Calendar is the file name of the iCalendar payload.
	Calendar    string         `json:"calendar"`
	Additionals map[string]any `json:"additionals,omitempty"`
	Created     time.Time      `json:"created"`
}

func (e *Envelope) applySettings(s *message.RecipientSettings) {
	if s == nil {
		return
	}
	e.Locale = s.Locale
	if s.TimeZone != nil {
		e.TimeZone = s.TimeZone.String()
	}
	e.Format = string(s.Format)
	e.DirectLink = s.DirectLink
}

func additionals(in map[message.AdditionalKey]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[string(k)] = v
	}
	return out
}

// Writer stores outbox entries in a directory.
type Writer struct {
	logger *slog.Logger
	dir    string
	now    func() time.Time
}

// NewWriter creates dir if needed. A nil clock defaults to time.Now.
func NewWriter(logger *slog.Logger, dir string, now func() time.Time) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create outbox %s: %w", dir, err)
	}
	if now == nil {
		now = time.Now
	}
	return &Writer{logger: logger, dir: dir, now: now}, nil
}

// Deliver writes every message and notification of batch.
func (w *Writer) Deliver(ctx context.Context, batch outbound.Batch) error {
	for _, m := range batch.Messages {
		if _, err := w.WriteMessage(ctx, m); err != nil {
			return err
		}
	}
	for _, n := range batch.Notifications {
		if _, err := w.WriteNotification(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

// WriteMessage stores an iTIP message and returns the path of its envelope.
func (w *Writer) WriteMessage(ctx context.Context, m *message.SchedulingMessage) (string, error) {
	stamp := w.now().UTC()
	base := entryName(stamp, string(m.Method()))

	var buf bytes.Buffer
	if err := icalendar.EncodeMessage(ctx, &buf, m, stamp); err != nil {
		return "", fmt.Errorf("failed to encode %s: %w", m, err)
	}
	desc := m.Description()
	env := Envelope{
		Kind:        KindSchedulingMessage,
		Method:      string(m.Method()),
		UID:         m.Resource().UID(),
		Originator:  addressOf(m.Originator()),
		Recipient:   addressOf(m.Recipient()),
		Subject:     desc.Subject,
		Body:        desc.Lines,
		Additionals: additionals(m.Additionals()),
		Created:     stamp,
	}
	env.applySettings(m.RecipientSettings())
	return w.write(base, buf.Bytes(), &env)
}

// WriteNotification stores a change notification for an internal user.
func (w *Writer) WriteNotification(ctx context.Context, n *message.ChangeNotification) (string, error) {
	stamp := w.now().UTC()
	base := entryName(stamp, "notify-"+string(n.Action()))

	var buf bytes.Buffer
	if err := icalendar.Encode(&buf, "", n.Resource(), stamp); err != nil {
		return "", fmt.Errorf("failed to encode notification for %s: %w", n.Recipient(), err)
	}
	desc := n.Description()
	env := Envelope{
		Kind:        KindNotification,
		Action:      string(n.Action()),
		UID:         n.Resource().UID(),
		Originator:  addressOf(n.Originator()),
		Recipient:   addressOf(n.Recipient()),
		Subject:     desc.Subject,
		Body:        desc.Lines,
		Additionals: additionals(n.Additionals()),
		Created:     stamp,
	}
	env.applySettings(n.RecipientSettings())
	return w.write(base, buf.Bytes(), &env)
}

func (w *Writer) write(base string, calendar []byte, env *Envelope) (string, error) {
	env.Calendar = base + ".ics"
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := writeFile(filepath.Join(w.dir, env.Calendar), calendar); err != nil {
		return "", err
	}
	path := filepath.Join(w.dir, base+".json")
	if err := writeFile(path, data); err != nil {
		return "", err
	}
	w.logger.Info("Queued outbound message", "kind", env.Kind, "uid", env.UID, "recipient", env.Recipient.URI, "file", path)
	return path, nil
}

func entryName(stamp time.Time, kind string) string {
	return fmt.Sprintf("%s-%s-%s", stamp.Format("20060102T150405Z"), strings.ToLower(kind), uuid.NewString()[:8])
}

// writeFile writes atomically through a temp file and rename.
func writeFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".outbox-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename %s: %w", path, err)
	}
	return nil
}

// ReadEnvelope loads the envelope stored at path.
func ReadEnvelope(path string) (*Envelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to parse envelope %s: %w", path, err)
	}
	return &env, nil
}
