package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"alumni-sync/internal/apiclient"
	"alumni-sync/internal/cache"
	"alumni-sync/internal/config"
	"alumni-sync/internal/optimistic"
	"alumni-sync/pkg/alumni"
)

var errNotLoggedIn = errors.New("not logged in; run `alumsync login` first")

// rootOptions holds global flags for all commands.
type rootOptions struct {
	Format string
	// load overrides configuration loading in tests.
	load func() (config.Config, error)
}

// validFormats defines the allowed output formats.
var validFormats = []string{"text", "json"}

func newRootCommand() *cobra.Command {
	return newRootCommandWithLoader(config.Load)
}

func newRootCommandWithLoader(load func() (config.Config, error)) *cobra.Command {
	opts := &rootOptions{load: load}

	cmd := &cobra.Command{
		Use:           "alumsync",
		Short:         "Alumni platform client with cached reads and live updates",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			for _, format := range validFormats {
				if opts.Format == format {
					return nil
				}
			}
			return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
		},
	}
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newLoginCommand(opts))
	cmd.AddCommand(newLogoutCommand(opts))
	cmd.AddCommand(newWhoamiCommand(opts))
	cmd.AddCommand(newJobsCommand(opts))
	cmd.AddCommand(newApplyCommand(opts))
	cmd.AddCommand(newWatchCommand(opts))

	return cmd
}

// withApp builds the application for one command and always tears it down.
func withApp(cmd *cobra.Command, opts *rootOptions, run func(context.Context, *app) error) (err error) {
	cfg, err := opts.load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	application, err := newApp(ctx, cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
		defer cancel()
		if closeErr := application.close(closeCtx); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
	}()

	return run(ctx, application)
}

func newLoginCommand(opts *rootOptions) *cobra.Command {
	var email, password string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and persist the session",
		Long: `Sign in with email and password and persist the returned credential.

When --password is omitted the first line of standard input is used.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if password == "" {
				line, err := readLine(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read password: %w", err)
				}
				password = line
			}

			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				result, err := a.api.Login(ctx, email, password)
				if err != nil {
					return err
				}
				if err := a.runtime.Session().SetSession(ctx, result.AccessToken, result.User); err != nil {
					return fmt.Errorf("store session: %w", err)
				}
				a.runtime.Cache().InvalidateAll()

				return printIdentity(cmd.OutOrStdout(), opts.Format, result.User)
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email (required)")
	_ = cmd.MarkFlagRequired("email")
	cmd.Flags().StringVar(&password, "password", "", "account password")

	return cmd
}

func newLogoutCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the backend session and forget the credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if a.runtime.Session().Authenticated() {
					if err := a.api.Logout(ctx); err != nil {
						a.logger.WarnContext(ctx, "backend logout failed; clearing local session anyway", "error", err)
					}
				}
				a.runtime.Session().ClearSession(ctx)
				a.runtime.Cache().InvalidateAll()

				_, err := fmt.Fprintln(cmd.OutOrStdout(), "logged out")
				return err
			})
		},
	}
}

func newWhoamiCommand(opts *rootOptions) *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Print the signed-in identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				identity, ok := a.runtime.Session().Identity()
				if !ok {
					return errNotLoggedIn
				}
				if refresh {
					fetched, err := a.api.Me(ctx)
					if err != nil {
						if apiErr, isAPI := alumni.AsAPIError(err); isAPI && apiErr.Unauthorized() {
							a.runtime.Session().ClearSession(ctx)
						}
						return err
					}
					if err := a.runtime.Session().UpdateIdentity(ctx, fetched); err != nil {
						return fmt.Errorf("update identity: %w", err)
					}
					identity = fetched
				}

				return printIdentity(cmd.OutOrStdout(), opts.Format, identity)
			})
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "reload the identity from the backend")

	return cmd
}

func newJobsCommand(opts *rootOptions) *cobra.Command {
	var (
		query   apiclient.JobQuery
		refresh bool
		noCache bool
	)

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List job postings through the response cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				fetch := func(ctx context.Context) (apiclient.JobPage, error) {
					return a.api.Jobs(ctx, query)
				}
				read := cache.Get[apiclient.JobPage]
				if refresh {
					read = cache.Refetch[apiclient.JobPage]
				}
				page, err := read(ctx, a.runtime.Cache(), query.Path(), fetch, cache.WithEnabled(!noCache))
				if err != nil {
					return err
				}

				return printJobs(cmd.OutOrStdout(), opts.Format, page)
			})
		},
	}
	cmd.Flags().StringVar(&query.Search, "search", "", "match title, company or description")
	cmd.Flags().StringVar(&query.Location, "location", "", "filter by location")
	cmd.Flags().StringVar(&query.JobType, "type", "", "filter by job type")
	cmd.Flags().IntVar(&query.Page, "page", 0, "page number")
	cmd.Flags().IntVar(&query.PerPage, "per-page", 0, "page size")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "bypass freshness and refetch")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "skip the cache entirely")

	return cmd
}

func newApplyCommand(opts *rootOptions) *cobra.Command {
	var message string

	cmd := &cobra.Command{
		Use:   "apply <job-id>",
		Short: "Request contact for a job posting with an optimistic update",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || jobID <= 0 {
				return fmt.Errorf("invalid job id %q", args[0])
			}

			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if !a.runtime.Session().Authenticated() {
					return errNotLoggedIn
				}
				return applyJob(ctx, a, cmd.OutOrStdout(), opts.Format, jobID, message)
			})
		},
	}
	cmd.Flags().StringVar(&message, "message", "", "note sent with the request")

	return cmd
}

// applyJob seeds the posting from the cache, shows the speculative view and
// then the settled one.
func applyJob(ctx context.Context, a *app, out io.Writer, format string, jobID int64, message string) error {
	key := apiclient.JobPath(jobID)
	job, err := cache.Get(ctx, a.runtime.Cache(), key, func(ctx context.Context) (apiclient.Job, error) {
		return a.api.Job(ctx, jobID)
	})
	if err != nil {
		return err
	}

	controller := optimistic.New[apiclient.Job](optimistic.WithLogger[apiclient.Job](a.logger))
	controller.Seed(key, job)

	var printMu sync.Mutex
	var printErr error
	dispose := controller.Observe(key, func(view apiclient.Job) {
		printMu.Lock()
		defer printMu.Unlock()
		if err := printJob(out, format, view); err != nil && printErr == nil {
			printErr = err
		}
	})
	defer dispose()

	_, err = controller.Perform(ctx, key, func(base apiclient.Job) apiclient.Job {
		base.Applied = true
		base.RequestsCount++
		return base
	}, func(ctx context.Context, speculative apiclient.Job) (apiclient.Job, error) {
		if _, err := a.api.ApplyJob(ctx, jobID, message); err != nil {
			return apiclient.Job{}, err
		}
		return speculative, nil
	})
	a.runtime.Cache().Invalidate(key)
	a.runtime.Cache().InvalidateByPrefix(apiclient.JobsPath + "?")
	if err != nil {
		return err
	}

	printMu.Lock()
	defer printMu.Unlock()
	return printErr
}

func newWatchCommand(opts *rootOptions) *cobra.Command {
	var (
		conversations []int64
		notifications bool
		inbox         bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream realtime events as JSON lines until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			topics := make([]alumni.Topic, 0, len(conversations)+2)
			if notifications {
				topics = append(topics, alumni.TopicNotifications)
			}
			if inbox {
				topics = append(topics, alumni.TopicConversations)
			}
			for _, conversationID := range conversations {
				topics = append(topics, alumni.ConversationTopic(conversationID))
			}
			if len(topics) == 0 {
				return fmt.Errorf("nothing to watch: enable notifications, conversations or pass --conversation")
			}

			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if !a.runtime.Session().Authenticated() {
					return errNotLoggedIn
				}
				return watch(ctx, a, cmd.OutOrStdout(), topics)
			})
		},
	}
	cmd.Flags().Int64SliceVar(&conversations, "conversation", nil, "conversation id to follow (repeatable)")
	cmd.Flags().BoolVar(&notifications, "notifications", true, "follow notifications")
	cmd.Flags().BoolVar(&inbox, "conversations", true, "follow conversation list updates")

	return cmd
}

// watchLine is one JSON line printed per inbound event.
type watchLine struct {
	Topic      alumni.Topic    `json:"topic"`
	Event      string          `json:"event"`
	ReceivedAt time.Time       `json:"received_at"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// watch runs the runtime and prints events until ctx ends or the channel
// gives up reconnecting.
func watch(ctx context.Context, a *app, out io.Writer, topics []alumni.Topic) error {
	watchCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	exhausted, err := a.runtime.Signals().Subscribe(watchCtx, alumni.InterestSet{
		Kinds: []alumni.SignalKind{alumni.SignalChannelState, alumni.SignalChannelExhausted},
	}, alumni.NewDefaultSubscriptionSpec("watch-channel-state"), func(ctx context.Context, signal *alumni.Signal) error {
		if signal.Kind == alumni.SignalChannelExhausted {
			cause := signal.Err
			if cause == nil {
				cause = alumni.ErrReconnectExhausted
			}
			cancel(cause)
			return nil
		}
		a.logger.InfoContext(ctx, "realtime channel state",
			"channel", signal.Channel.Channel,
			"from", signal.Channel.From,
			"to", signal.Channel.To,
			"attempt", signal.Channel.Attempt,
		)
		return nil
	})
	if err != nil {
		return fmt.Errorf("watch channel state: %w", err)
	}
	defer func() {
		_ = exhausted.Close(context.WithoutCancel(ctx))
	}()

	var writeMu sync.Mutex
	encoder := json.NewEncoder(out)
	printEvent := func(_ context.Context, event alumni.ChannelEvent) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return encoder.Encode(watchLine{
			Topic:      event.Topic,
			Event:      event.Name,
			ReceivedAt: event.ReceivedAt,
			Data:       event.Payload,
		})
	}
	for _, topic := range topics {
		if _, err := a.runtime.Subscribe(watchCtx, topic, "watch", printEvent); err != nil {
			return fmt.Errorf("watch %s: %w", topic, err)
		}
	}

	if err := a.runtime.Run(watchCtx); err != nil {
		return fmt.Errorf("run runtime: %w", err)
	}
	if cause := context.Cause(watchCtx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}

	return nil
}

func readLine(input io.Reader) (string, error) {
	scanner := bufio.NewScanner(input)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", err
		}
		return "", io.ErrUnexpectedEOF
	}

	return strings.TrimSpace(scanner.Text()), nil
}
