package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"itipcal/internal/message"
	"itipcal/internal/models"
)

// UserConfig identifies the calendar user the tool acts for.
type UserConfig struct {
	ID    int    `yaml:"id"`
	Email string `yaml:"email"`
	Name  string `yaml:"name"`
}

// CalDAVConfig points at the calendar collection holding the user's events.
type CalDAVConfig struct {
	Endpoint string `yaml:"endpoint"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// Calendar is the display name of the collection.
	Calendar string `yaml:"calendar"`
}

// GoogleConfig enables recipient settings and direct links from Google
// Calendar. It is optional.
type GoogleConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Account      string `yaml:"account"`
	CalendarID   string `yaml:"calendar_id"`
	TokenDir     string `yaml:"token_dir"`
}

// MessagesConfig holds the rendering defaults of outbound messages.
type MessagesConfig struct {
	Locale   string `yaml:"locale"`
	Timezone string `yaml:"timezone"`
	// Format is "html" or "text".
	Format string `yaml:"format"`
	// LinkTemplate is expanded with {host}, {folder}, {id} and {uid}.
	LinkTemplate string `yaml:"link_template"`
	LinkHost     string `yaml:"link_host"`
}

// Config is the top-level application configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`

	User     UserConfig     `yaml:"user"`
	CalDAV   CalDAVConfig   `yaml:"caldav"`
	Google   GoogleConfig   `yaml:"google"`
	Messages MessagesConfig `yaml:"messages"`

	// InboxDir holds received .ics scheduling messages.
	InboxDir string `yaml:"inbox_dir"`
	// OutboxDir receives the generated outbound messages.
	OutboxDir string `yaml:"outbox_dir"`
	// StateFile records which inbox files were processed.
	StateFile string `yaml:"state_file"`
}

// Default returns an in-memory default configuration.
func Default() *Config {
	c := &Config{}
	c.Normalize()
	return c
}

// Normalize fills in missing/zero values with sensible defaults.
func (c *Config) Normalize() {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
		c.LogLevel = strings.ToLower(c.LogLevel)
	default:
		c.LogLevel = "info"
	}
	if c.Messages.Locale == "" {
		c.Messages.Locale = "en"
	}
	if c.Messages.Timezone == "" {
		c.Messages.Timezone = "UTC"
	}
	switch message.Format(strings.ToLower(c.Messages.Format)) {
	case message.FormatText:
		c.Messages.Format = string(message.FormatText)
	default:
		c.Messages.Format = string(message.FormatHTML)
	}
	if c.Google.TokenDir == "" {
		c.Google.TokenDir = "."
	}
	if c.InboxDir == "" {
		c.InboxDir = "inbox"
	}
	if c.OutboxDir == "" {
		c.OutboxDir = "outbox"
	}
	if c.StateFile == "" {
		c.StateFile = "itip_state.json"
	}
}

// Load reads the optional YAML file at path, then applies the variables of
// the given .env files and of the process environment, which take
// precedence. A missing YAML file yields the defaults.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	env := map[string]string{}
	for _, f := range envFiles {
		values, err := godotenv.Read(f)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read env file %s: %w", f, err)
		}
		for k, v := range values {
			env[k] = v
		}
	}
	getenv := func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return env[key]
	}
	if err := cfg.ApplyEnv(getenv); err != nil {
		return nil, err
	}
	cfg.Normalize()
	return cfg, nil
}

// ApplyEnv overrides fields with the non-empty variables returned by getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.LogLevel, "LOG_LEVEL")

	if v := getenv("ITIP_USER_ID"); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid ITIP_USER_ID %q: %w", v, err)
		}
		c.User.ID = id
	}
	set(&c.User.Email, "ITIP_USER_EMAIL")
	set(&c.User.Name, "ITIP_USER_NAME")

	set(&c.CalDAV.Endpoint, "CALDAV_ENDPOINT")
	set(&c.CalDAV.Username, "ICLOUD_USERNAME")
	set(&c.CalDAV.Password, "ICLOUD_APP_SPECIFIC_PASSWORD")
	set(&c.CalDAV.Calendar, "ICLOUD_CALENDAR_NAME")

	set(&c.Google.ClientID, "GOOGLE_CLIENT_ID")
	set(&c.Google.ClientSecret, "GOOGLE_CLIENT_SECRET")
	set(&c.Google.Account, "GOOGLE_ACCOUNT")
	set(&c.Google.CalendarID, "GOOGLE_CALENDAR_ID")
	set(&c.Google.TokenDir, "GOOGLE_TOKEN_DIR")

	set(&c.Messages.Locale, "ITIP_LOCALE")
	set(&c.Messages.Timezone, "PRIMARY_TIMEZONE")
	set(&c.Messages.Format, "ITIP_MESSAGE_FORMAT")
	set(&c.Messages.LinkTemplate, "ITIP_LINK_TEMPLATE")
	set(&c.Messages.LinkHost, "ITIP_LINK_HOST")

	set(&c.InboxDir, "ITIP_INBOX_DIR")
	set(&c.OutboxDir, "ITIP_OUTBOX_DIR")
	set(&c.StateFile, "ITIP_STATE_FILE")
	return nil
}

// CalendarUser returns the acting calendar user.
func (c *Config) CalendarUser() models.CalendarUser {
	return models.CalendarUser{EntityID: c.User.ID, Email: c.User.Email, CN: c.User.Name}
}

// Location returns the default time zone of outbound messages.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Messages.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone '%s': %w", c.Messages.Timezone, err)
	}
	return loc, nil
}

// Validate reports missing settings required to run against a CalDAV
// server.
func (c *Config) Validate() error {
	var missing []string
	if c.User.ID <= 0 {
		missing = append(missing, "ITIP_USER_ID")
	}
	if c.User.Email == "" {
		missing = append(missing, "ITIP_USER_EMAIL")
	}
	if c.CalDAV.Calendar == "" {
		missing = append(missing, "ICLOUD_CALENDAR_NAME")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// GoogleEnabled reports whether Google Calendar integration is configured.
func (c *Config) GoogleEnabled() bool {
	return c.Google.Account != ""
}
