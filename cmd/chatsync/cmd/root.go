package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nfrund/chatsync/internal/app"
	"github.com/nfrund/chatsync/internal/config"
	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/logging"
	"github.com/nfrund/chatsync/internal/session"
	"github.com/spf13/cobra"
)

// sessionWait bounds how long a one-shot command waits for login.
const sessionWait = 10 * time.Second

var (
	cfg *config.Config

	flagBackend     string
	flagDataPath    string
	flagSessionFile string
	flagUserID      string
	flagUserName    string
	flagLogFormat   string
	flagLogLevel    string
)

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Realtime group-chat sync client",
	Long: `chatsync keeps a local view of chat rooms, messages and presence in sync
with a shared data backend.

Available commands:
  serve     Run the HTTP and WebSocket bridge for a UI
  rooms     List or create rooms
  send      Send a message to a room
  watch     Print state changes as they happen
  topics    List the state-change topics
  version   Print the version

Use "chatsync [command] --help" for more information about a command.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.New()
		if err != nil {
			return err
		}
		applyFlags(cmd, loaded)
		if err := loaded.Validate(); err != nil {
			return err
		}
		cfg = loaded
		logging.NewWithWriter(cmd.ErrOrStderr(), cfg.LogFormat, cfg.LogLevel)
		return nil
	},
}

// Execute executes the root command. Interrupts cancel the command's context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagBackend, "backend", "", "data backend: surreal or local (env CHATSYNC_BACKEND)")
	pf.StringVar(&flagDataPath, "data", "", "local backend file, :memory: for none (env CHATSYNC_DATA_PATH)")
	pf.StringVar(&flagSessionFile, "session-file", "", "JSON session file to follow for login and logout (env CHATSYNC_SESSION_FILE)")
	pf.StringVar(&flagUserID, "user-id", "", "user id when no session file is used")
	pf.StringVar(&flagUserName, "user-name", "", "username shown for --user-id")
	pf.StringVar(&flagLogFormat, "log-format", "", "text or json (env LOG_FORMAT)")
	pf.StringVar(&flagLogLevel, "log-level", "", "debug, info, warn or error (env LOG_LEVEL)")
}

func applyFlags(cmd *cobra.Command, c *config.Config) {
	flags := cmd.Flags()
	set := func(dst *string, name, value string) {
		if flags.Changed(name) {
			*dst = value
		}
	}
	set(&c.Backend, "backend", flagBackend)
	set(&c.LocalDataPath, "data", flagDataPath)
	set(&c.SessionFile, "session-file", flagSessionFile)
	set(&c.LogFormat, "log-format", flagLogFormat)
	set(&c.LogLevel, "log-level", flagLogLevel)
}

func flagUser() domain.User {
	name := flagUserName
	if name == "" {
		name = flagUserID
	}
	return domain.User{ID: flagUserID, Username: name}
}

// runWithDeps builds the shared services and runs the session manager for
// the duration of fn.
func runWithDeps(ctx context.Context, fn func(ctx context.Context, deps *app.Dependencies) error) (err error) {
	deps, err := app.New(ctx, cfg, flagUser())
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, deps.Close(context.WithoutCancel(ctx)))
	}()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- deps.Sessions.Run(runCtx) }()
	defer func() {
		cancel()
		err = errors.Join(err, <-done)
	}()

	return fn(runCtx, deps)
}

// withSession is runWithDeps for commands that need somebody logged in.
func withSession(ctx context.Context, fn func(ctx context.Context, s *session.Session) error) error {
	return runWithDeps(ctx, func(ctx context.Context, deps *app.Dependencies) error {
		s, err := waitForSession(ctx, deps.Sessions)
		if err != nil {
			return err
		}
		return fn(ctx, s)
	})
}

func waitForSession(ctx context.Context, m *session.Manager) (*session.Session, error) {
	deadline := time.NewTimer(sessionWait)
	defer deadline.Stop()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		if s, err := m.Current(); err == nil {
			return s, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("%w: pass --user-id or --session-file", domain.ErrNoSession)
		case <-tick.C:
		}
	}
}
