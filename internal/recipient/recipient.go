// Package recipient resolves the rendering context of outbound messages:
// locale, time zone, body format, regional settings and a direct link.
package recipient

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"itipcal/internal/message"
	"itipcal/internal/models"
)

// Resolver returns the settings a message to recipient about event is
// rendered with.
type Resolver interface {
	Resolve(ctx context.Context, recipient models.CalendarUser, event *models.Event) *message.RecipientSettings
}

// SettingsSource looks up stored preferences of an internal user. Zero values
// in the returned settings mean "not set".
type SettingsSource interface {
	UserSettings(ctx context.Context, user models.CalendarUser) (message.RecipientSettings, error)
}

// LinkGenerator builds a link that opens event in the recipient's calendar.
type LinkGenerator interface {
	DirectLink(ctx context.Context, recipient models.CalendarUser, event *models.Event) (string, error)
}

// Defaults are used for external recipients and for every value a source
// does not provide.
type Defaults struct {
	Locale   string
	TimeZone *time.Location
	Format   message.Format
	Regional *message.RegionalSettings
}

// Service is the default Resolver.
type Service struct {
	logger   *slog.Logger
	defaults Defaults
	source   SettingsSource
	links    LinkGenerator
}

// Option configures a Service.
type Option func(*Service)

// WithSettingsSource sets the source of internal user preferences.
func WithSettingsSource(src SettingsSource) Option {
	return func(s *Service) { s.source = src }
}

// WithLinkGenerator sets the direct link generator.
func WithLinkGenerator(g LinkGenerator) Option {
	return func(s *Service) { s.links = g }
}

// NewService creates a resolver. Missing defaults fall back to "en", UTC and
// HTML.
func NewService(logger *slog.Logger, defaults Defaults, opts ...Option) *Service {
	if defaults.Locale == "" {
		defaults.Locale = "en"
	}
	if defaults.TimeZone == nil {
		defaults.TimeZone = time.UTC
	}
	if defaults.Format == "" {
		defaults.Format = message.FormatHTML
	}
	s := &Service{logger: logger, defaults: defaults}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Resolve(ctx context.Context, recipient models.CalendarUser, event *models.Event) *message.RecipientSettings {
	settings := &message.RecipientSettings{
		Locale:   s.defaults.Locale,
		TimeZone: s.defaults.TimeZone,
		Format:   s.defaults.Format,
		Regional: s.defaults.Regional,
	}
	if !recipient.IsInternal() {
		// External recipients see times in the zone the event was planned in.
		if event != nil && !event.Start.IsZero() && event.Start.Location() != time.Local {
			settings.TimeZone = event.Start.Location()
		}
		return settings
	}

	if s.source != nil {
		stored, err := s.source.UserSettings(ctx, recipient)
		if err != nil {
			s.logger.Warn("Could not load recipient settings, using defaults", "recipient", recipient.String(), "error", err)
		} else {
			overlay(settings, stored)
		}
	}
	if s.links != nil && event != nil {
		link, err := s.links.DirectLink(ctx, recipient, event)
		if err != nil {
			s.logger.Debug("No direct link for recipient", "recipient", recipient.String(), "uid", event.UID, "error", err)
		} else {
			settings.DirectLink = link
		}
	}
	return settings
}

func overlay(dst *message.RecipientSettings, src message.RecipientSettings) {
	if src.Locale != "" {
		dst.Locale = src.Locale
	}
	if src.TimeZone != nil {
		dst.TimeZone = src.TimeZone
	}
	if src.Format != "" {
		dst.Format = src.Format
	}
	if src.Regional != nil {
		dst.Regional = src.Regional
	}
	if src.DirectLink != "" {
		dst.DirectLink = src.DirectLink
	}
}

// TemplateLinks expands a URL template with the placeholders {host},
// {folder}, {id} and {uid}. Without a host no link is produced.
type TemplateLinks struct {
	Template string
	Host     string
}

func (l TemplateLinks) DirectLink(_ context.Context, _ models.CalendarUser, event *models.Event) (string, error) {
	if l.Host == "" || l.Template == "" {
		return "", nil
	}
	r := strings.NewReplacer(
		"{host}", l.Host,
		"{folder}", event.FolderID,
		"{id}", event.ID,
		"{uid}", event.UID,
	)
	return r.Replace(l.Template), nil
}
