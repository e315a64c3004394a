package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/drivewhip/crmlink/client/internal/config"
	"github.com/drivewhip/crmlink/client/internal/crypt"
	"github.com/drivewhip/crmlink/client/internal/eventbus"
	"github.com/drivewhip/crmlink/client/internal/gateway"
	"github.com/drivewhip/crmlink/client/internal/realtime"
	"github.com/drivewhip/crmlink/client/internal/session"
	"github.com/drivewhip/crmlink/client/internal/store"
)

// app holds the wired client components for one command invocation.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	bus      *eventbus.Bus
	store    *store.SQLiteStore
	session  *session.Authority
	gateway  *gateway.Client
	realtime *realtime.Manager

	toastsDone chan struct{}
}

// appOptions adjusts wiring per command.
type appOptions struct {
	// logOut receives log output; the TUI passes io.Discard and reads logs
	// from the bus instead.
	logOut io.Writer
	// busLogs mirrors log records onto the bus.
	busLogs bool
	// printToasts writes toast events to stderr.
	printToasts bool
}

func newApp(cmd *cobra.Command, opts appOptions) (*app, error) {
	configPath := resolveConfigPath(cmd, defaultConfigPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if opts.logOut == nil {
		opts.logOut = cmd.ErrOrStderr()
	}

	bus := eventbus.New()
	logger := newLogger(cfg.Logging, opts.logOut, bus, opts.busLogs)

	st, err := store.NewSQLite(cfg.Session.StorePath)
	if err != nil {
		return nil, err
	}

	box, err := crypt.New(cfg.Active().CryptoKey, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	sess := session.New(st, box, cfg.Session.WatchInterval.Duration, logger)
	nav := &cliNavigator{out: cmd.ErrOrStderr()}
	gw := gateway.New(gateway.OptionsFromConfig(cfg), sess, bus, nav, logger)
	rt := realtime.NewManager(realtime.OptionsFromConfig(cfg), sess, bus, logger)

	a := &app{
		cfg:      cfg,
		logger:   logger,
		bus:      bus,
		store:    st,
		session:  sess,
		gateway:  gw,
		realtime: rt,
	}
	if opts.printToasts {
		a.toastsDone = make(chan struct{})
		go a.printToasts(cmd.ErrOrStderr(), bus.Subscribe(eventbus.Toast))
	}

	logger.Debug("client ready", "version", version, "config", configPath, "environment", cfg.Environment)
	return a, nil
}

// close tears down the hub connection, flushes pending toasts and closes the store.
func (a *app) close() {
	if err := a.realtime.Close(); err != nil {
		a.logger.Warn("close realtime", "error", err)
	}
	a.bus.Close()
	if a.toastsDone != nil {
		<-a.toastsDone
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store", "error", err)
	}
}

func (a *app) printToasts(w io.Writer, ch <-chan eventbus.Event) {
	defer close(a.toastsDone)
	for evt := range ch {
		var td eventbus.ToastData
		if err := evt.Decode(&td); err != nil {
			continue
		}
		_, _ = fmt.Fprintf(w, "[%s] %s\n", td.Level, td.Message)
	}
}

// newLogger builds the slog logger from the logging section.
func newLogger(cfg config.LoggingConfig, w io.Writer, bus *eventbus.Bus, mirror bool) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(w, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(w, handlerOpts)
	}
	if mirror {
		handler = eventbus.NewSlogHandler(handler, bus)
	}
	return slog.New(handler)
}

// cliNavigator tells the user to sign in again; there is no login screen to
// switch to.
type cliNavigator struct {
	out io.Writer
}

func (n *cliNavigator) ToLogin(ctx context.Context) error {
	_, err := fmt.Fprintln(n.out, "Run `crmlink login` to sign in again.")
	return err
}
