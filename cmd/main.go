package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"

	"itipcal/internal/caldav"
	"itipcal/internal/config"
	"itipcal/internal/google"
	"itipcal/internal/icalendar"
	"itipcal/internal/inbound"
	"itipcal/internal/inbox"
	"itipcal/internal/itip"
	"itipcal/internal/message"
	"itipcal/internal/models"
	"itipcal/internal/outbound"
	"itipcal/internal/outbox"
	"itipcal/internal/recipient"
	"itipcal/internal/scheduler"
	"itipcal/internal/storage"
	"itipcal/internal/storage/memory"
)

func main() {
	app := &cli.App{
		Name:  "itipcal",
		Usage: "Apply and send iTIP scheduling messages for a CalDAV calendar.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Value: "itipcal.yaml", Usage: "Optional YAML configuration file."},
			&cli.StringFlag{Name: "env-file", Value: ".env", Usage: "Optional .env file."},
			&cli.BoolFlag{Name: "dry-run", Usage: "Work on an empty in-memory calendar and only log outbound messages."},
		},
		Commands: []*cli.Command{
			authCommand(),
			processCommand(),
			inviteCommand(),
			cancelCommand(),
			splitCommand(),
			replyCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(c.String("config"), c.String("env-file"))
	if err != nil {
		return nil, nil, err
	}
	return cfg, setupLogger(cfg.LogLevel), nil
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authenticate with a Google account to get an API token.",
		Action: func(c *cli.Context) error {
			cfg, logger, err := loadConfig(c)
			if err != nil {
				return err
			}
			logger.Info("Starting Google authentication flow.")

			oauthConfig, err := google.GetOAuthConfigForAuthFlow(cfg.Google.ClientID, cfg.Google.ClientSecret)
			if err != nil {
				return fmt.Errorf("failed to get google oauth config: %w", err)
			}

			authURL := oauthConfig.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
			fmt.Printf("Go to the following link in your browser then type the "+
				"authorization code: \n%v\n", authURL)

			fmt.Print("Enter Authorization Code: ")
			reader := bufio.NewReader(os.Stdin)
			authCode, _ := reader.ReadString('\n')
			authCode = strings.TrimSpace(authCode)

			token, err := google.TokenFromWeb(c.Context, oauthConfig, authCode)
			if err != nil {
				return fmt.Errorf("unable to retrieve token from web: %w", err)
			}

			accountName := cfg.Google.Account
			if accountName == "" {
				fmt.Print("Enter a name for this account (e.g., 'personal', 'work'): ")
				accountName, _ = reader.ReadString('\n')
				accountName = strings.TrimSpace(accountName)
			}
			tokenFile := filepath.Join(cfg.Google.TokenDir, google.TokenFile(accountName))

			if err := google.SaveToken(tokenFile, token); err != nil {
				return fmt.Errorf("failed to save token: %w", err)
			}

			logger.Info("Successfully authenticated and saved token.", "file", tokenFile)
			return nil
		},
	}
}

func processCommand() *cli.Command {
	return &cli.Command{
		Name:  "process",
		Usage: "Apply the scheduling messages waiting in the inbox directory.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dir", Usage: "Inbox directory. Overrides the configuration."},
			&cli.BoolFlag{Name: "once", Usage: "Run the inbox cycle once and exit."},
			&cli.IntFlag{Name: "watch", Value: 300, Usage: "Run the inbox cycle every N seconds. Overrides --once."},
			&cli.StringFlag{Name: "partstat", Usage: "Answer new invitations with this participation status (ACCEPTED, TENTATIVE, DECLINED)."},
			&cli.StringFlag{Name: "comment", Usage: "Comment attached to automatic answers."},
		},
		Action: func(c *cli.Context) error {
			env, err := setup(c)
			if err != nil {
				return err
			}
			if c.String("dir") != "" {
				env.cfg.InboxDir = c.String("dir")
			}

			opts := inbox.Options{
				Dir:       env.cfg.InboxDir,
				StateFile: env.cfg.StateFile,
				DryRun:    env.dryRun,
			}
			if v := c.String("partstat"); v != "" {
				if opts.PartStat, err = parsePartStat(v); err != nil {
					return err
				}
			}
			if c.IsSet("comment") {
				comment := c.String("comment")
				opts.Comment = &comment
			}

			base := inbound.Context{
				Session:      env.session,
				Store:        env.store,
				Permissions:  env.perms,
				Folder:       env.folder,
				CalendarUser: env.user,
				Logger:       env.logger,
			}
			in, err := inbox.New(env.logger, base, env.scheduler, opts)
			if err != nil {
				return fmt.Errorf("failed to create inbox: %w", err)
			}

			// --watch flag takes precedence
			if c.IsSet("watch") {
				interval := time.Duration(c.Int("watch")) * time.Second
				env.logger.Info("Starting watcher.", "interval", interval)
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					if _, err := in.Process(c.Context); err != nil {
						env.logger.Error("Inbox cycle failed", "error", err)
					}
					select {
					case <-c.Context.Done():
						return nil
					case <-ticker.C:
					}
				}
			}
			env.logger.Info("Running a single inbox cycle.")
			report, err := in.Process(c.Context)
			if err != nil {
				return fmt.Errorf("single inbox cycle failed: %w", err)
			}
			if report.Failed > 0 {
				return fmt.Errorf("%d of %d messages failed", report.Failed, report.Failed+report.Processed)
			}
			return nil
		},
	}
}

func inviteCommand() *cli.Command {
	return &cli.Command{
		Name:      "invite",
		Usage:     "Create the events of an iCalendar file and invite their attendees.",
		ArgsUsage: "FILE",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("expected exactly one iCalendar file")
			}
			env, err := setup(c)
			if err != nil {
				return err
			}
			f, err := os.Open(c.Args().First())
			if err != nil {
				return err
			}
			defer f.Close()
			_, resource, err := icalendar.Decode(f)
			if err != nil {
				return err
			}
			batch, err := env.scheduler.Create(c.Context, env.session, resource.Events()...)
			if err != nil {
				return fmt.Errorf("failed to create %q: %w", resource.UID(), err)
			}
			env.logger.Info("Invitations queued.", "uid", resource.UID(), "messages", batch.Len())
			return nil
		},
	}
}

func recurrenceFlag() cli.Flag {
	return &cli.TimestampFlag{
		Name:   "recurrence-id",
		Usage:  "Occurrence to address, e.g. 2025-03-03T09:00:00Z.",
		Layout: time.RFC3339,
	}
}

func recurrenceID(c *cli.Context) *models.RecurrenceID {
	if t := c.Timestamp("recurrence-id"); t != nil {
		return models.NewRecurrenceID(*t)
	}
	return nil
}

func cancelCommand() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "Delete an event or one of its occurrences and cancel it for the attendees.",
		ArgsUsage: "UID",
		Flags:     []cli.Flag{recurrenceFlag()},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("expected exactly one UID")
			}
			env, err := setup(c)
			if err != nil {
				return err
			}
			uid := c.Args().First()
			batch, err := env.scheduler.Delete(c.Context, env.session, uid, recurrenceID(c))
			if err != nil {
				return fmt.Errorf("failed to cancel %q: %w", uid, err)
			}
			env.logger.Info("Cancellations queued.", "uid", uid, "messages", batch.Len())
			return nil
		},
	}
}

func splitCommand() *cli.Command {
	return &cli.Command{
		Name:      "split",
		Usage:     "Change a series from one occurrence onwards by splitting it into a new series.",
		ArgsUsage: "UID",
		Flags: []cli.Flag{
			&cli.TimestampFlag{Name: "recurrence-id", Required: true, Layout: time.RFC3339, Usage: "First occurrence of the new series."},
			&cli.StringFlag{Name: "summary", Usage: "Summary of the new series."},
			&cli.StringFlag{Name: "location", Usage: "Location of the new series."},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("expected exactly one UID")
			}
			env, err := setup(c)
			if err != nil {
				return err
			}
			uid := c.Args().First()
			masterID, err := env.store.ResolveUID(c.Context, uid, nil, env.session.UserID)
			if err != nil {
				return fmt.Errorf("failed to resolve %q: %w", uid, err)
			}
			tail := &models.Event{Summary: c.String("summary"), Location: c.String("location")}
			batch, err := env.scheduler.Split(c.Context, env.session, masterID, recurrenceID(c), tail)
			if err != nil {
				return fmt.Errorf("failed to split %q: %w", uid, err)
			}
			env.logger.Info("Series split queued.", "uid", uid, "messages", batch.Len())
			return nil
		},
	}
}

func replyCommand() *cli.Command {
	return &cli.Command{
		Name:      "reply",
		Usage:     "Set your participation status on an event and answer the organizer.",
		ArgsUsage: "UID",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "partstat", Required: true, Usage: "ACCEPTED, TENTATIVE or DECLINED."},
			&cli.StringFlag{Name: "comment", Usage: "Comment for the organizer."},
			recurrenceFlag(),
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("expected exactly one UID")
			}
			env, err := setup(c)
			if err != nil {
				return err
			}
			var comment *string
			if c.IsSet("comment") {
				v := c.String("comment")
				comment = &v
			}
			uid := c.Args().First()
			partStat, err := parsePartStat(c.String("partstat"))
			if err != nil {
				return err
			}
			batch, err := env.scheduler.Reply(c.Context, env.session, uid, recurrenceID(c), partStat, comment)
			if err != nil {
				return fmt.Errorf("failed to reply to %q: %w", uid, err)
			}
			env.logger.Info("Reply queued.", "uid", uid, "partstat", partStat, "messages", batch.Len())
			return nil
		},
	}
}

func parsePartStat(v string) (models.PartStat, error) {
	v = strings.ToUpper(strings.TrimSpace(v))
	partStat := models.ParsePartStat(v)
	if string(partStat) != v {
		return "", fmt.Errorf("unknown participation status %q", v)
	}
	return partStat, nil
}

// environment is what every scheduling command works with.
type environment struct {
	cfg       *config.Config
	logger    *slog.Logger
	dryRun    bool
	store     storage.Storage
	perms     storage.PermissionChecker
	folder    storage.Folder
	user      models.CalendarUser
	session   *itip.Session
	scheduler *scheduler.Scheduler
}

func setup(c *cli.Context) (*environment, error) {
	cfg, logger, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	env := &environment{cfg: cfg, logger: logger, dryRun: c.Bool("dry-run"), user: cfg.CalendarUser()}
	env.session = itip.NewSession(0, cfg.User.ID)

	var sink scheduler.Sink
	if env.dryRun {
		logger.Info("Performing a dry run. No changes will be made.")
		if cfg.User.ID <= 0 {
			cfg.User.ID = 1
			env.user.EntityID, env.session.UserID = 1, 1
		}
		store := memory.New(nil)
		env.folder = storage.Folder{ID: "dry-run", OwnerID: cfg.User.ID, Name: "Dry run"}
		store.AddFolder(env.folder)
		env.store, env.perms = store, store.Permissions()
		sink = logSink{logger: logger}
	} else {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		client, err := caldav.NewClient(c.Context, logger, caldav.Options{
			Endpoint: cfg.CalDAV.Endpoint,
			Username: cfg.CalDAV.Username,
			Password: cfg.CalDAV.Password,
			Calendar: cfg.CalDAV.Calendar,
			OwnerID:  cfg.User.ID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create caldav client: %w", err)
		}
		env.store, env.perms, env.folder = client, client.Permissions(), client.Folder()
		writer, err := outbox.NewWriter(logger, cfg.OutboxDir, nil)
		if err != nil {
			return nil, err
		}
		sink = writer
	}

	resolver, err := recipientResolver(c.Context, cfg, logger, env.user)
	if err != nil {
		return nil, err
	}
	env.scheduler, err = scheduler.New(logger, scheduler.Config{
		Store:       env.store,
		Permissions: env.perms,
		Folder:      env.folder,
		User:        env.user,
		Deps: outbound.Deps{
			Logger:      logger,
			Recipients:  resolver,
			Attachments: env.store,
		},
		Sink: sink,
	})
	if err != nil {
		return nil, err
	}
	return env, nil
}

func recipientResolver(ctx context.Context, cfg *config.Config, logger *slog.Logger, owner models.CalendarUser) (*recipient.Service, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	defaults := recipient.Defaults{
		Locale:   cfg.Messages.Locale,
		TimeZone: loc,
		Format:   message.Format(cfg.Messages.Format),
	}

	var opts []recipient.Option
	if cfg.Messages.LinkTemplate != "" {
		opts = append(opts, recipient.WithLinkGenerator(recipient.TemplateLinks{
			Template: cfg.Messages.LinkTemplate,
			Host:     cfg.Messages.LinkHost,
		}))
	}
	if cfg.GoogleEnabled() {
		gClient, err := google.NewClient(ctx, logger, cfg.Google.ClientID, cfg.Google.ClientSecret,
			cfg.Google.TokenDir, cfg.Google.Account, cfg.Google.CalendarID, owner)
		if err != nil {
			return nil, fmt.Errorf("failed to create google client for account %s: %w", cfg.Google.Account, err)
		}
		logger.Info("Initialized Google client.", "account", cfg.Google.Account)
		opts = append(opts, recipient.WithSettingsSource(gClient))
		if cfg.Messages.LinkTemplate == "" {
			opts = append(opts, recipient.WithLinkGenerator(gClient))
		}
	}
	return recipient.NewService(logger, defaults, opts...), nil
}

// logSink reports outbound messages instead of queueing them.
type logSink struct {
	logger *slog.Logger
}

func (s logSink) Deliver(_ context.Context, batch outbound.Batch) error {
	for _, m := range batch.Messages {
		s.logger.Info("[DRY RUN] Would send scheduling message", "message", m.String())
	}
	for _, n := range batch.Notifications {
		s.logger.Info("[DRY RUN] Would notify internal user", "action", n.Action(), "recipient", n.Recipient().String(), "uid", n.Resource().UID())
	}
	return nil
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}
