package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mattmezza/pacealert/internal/alerter"
	"github.com/mattmezza/pacealert/internal/catalog"
	"github.com/mattmezza/pacealert/internal/config"
	"github.com/mattmezza/pacealert/internal/control"
	"github.com/mattmezza/pacealert/internal/dispatch"
	"github.com/mattmezza/pacealert/internal/feed"
	"github.com/mattmezza/pacealert/internal/history"
	"github.com/mattmezza/pacealert/internal/notifier"
	"github.com/mattmezza/pacealert/internal/poller"
	"github.com/mattmezza/pacealert/internal/sound"
	"github.com/mattmezza/pacealert/internal/state"
	"github.com/mattmezza/pacealert/internal/util"
)

const maxWSClients = 16

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:   "pacealert",
		Short: "Alert when a live speedrun reaches a milestone on pace",
		Long: `pacealert polls the paceman live-runs feed and raises an alert the first
time a runner reaches a configured milestone faster than its threshold.

Without a subcommand it behaves like "pacealert run".`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitor(cmd.Context(), configFile)
		},
	}
	root.PersistentFlags().StringVar(&configFile, "config", "config.yaml", "Path to the configuration file.")

	root.AddCommand(runCmd(&configFile))
	root.AddCommand(testNotificationCmd(&configFile))
	root.AddCommand(milestonesCmd(&configFile))
	root.AddCommand(checkCmd(&configFile))
	return root
}

func runCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Poll the feed and dispatch alerts until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitor(cmd.Context(), *configFile)
		},
	}
}

func testNotificationCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "test-notification [channel]",
		Short: "Send a sample alert to one channel or to all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var channel string
			if len(args) == 1 {
				channel = args[0]
			}
			return testNotification(cmd.Context(), *configFile, channel)
		},
	}
}

func milestonesCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "milestones",
		Short: "Print the effective milestone catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*configFile)
			if err != nil {
				return err
			}
			c, err := buildCatalog(cfg)
			if err != nil {
				return err
			}
			return printMilestones(cmd.OutOrStdout(), c)
		},
	}
}

func checkCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Fetch the feed once and show which alerts would fire",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return checkFeed(cmd.Context(), cmd.OutOrStdout(), *configFile)
		},
	}
}

func newLogger(level string) (*zap.SugaredLogger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log_level %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = lvl
	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger.Sugar(), nil
}

// loadRuntime loads the config and builds the logger, reporting config
// warnings through it.
func loadRuntime(configFile string) (*config.Config, *zap.SugaredLogger, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	for _, w := range cfg.Warnings {
		logger.Warnw("configuration warning", "detail", w)
	}
	return cfg, logger, nil
}

func buildCatalog(cfg *config.Config) (*catalog.Catalog, error) {
	if len(cfg.Milestones) == 0 {
		return catalog.Default(), nil
	}
	milestones := make([]catalog.Milestone, 0, len(cfg.Milestones))
	for _, m := range cfg.Milestones {
		milestones = append(milestones, catalog.Milestone{ID: m.ID, Label: m.Label, Threshold: m.Threshold})
	}
	return catalog.New(milestones)
}

func runMonitor(ctx context.Context, configFile string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, logger, err := loadRuntime(configFile)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	logger.Infow("starting pacealert", "config", configFile, "interval", cfg.PollInterval.String(), "feed", cfg.Feed.URL)

	milestones, err := buildCatalog(cfg)
	if err != nil {
		return err
	}
	for _, id := range milestones.Informational() {
		logger.Warnw("milestone has a zero threshold and never alerts", "milestone", id)
	}

	if err := notifier.ValidateTemplate(cfg.Templates.Alert); err != nil {
		return fmt.Errorf("invalid alert template: %w", err)
	}

	sinks, err := notifier.InitializeNotifiers(cfg.NotificationChannels, logger)
	if err != nil {
		return err
	}
	defer notifier.CloseAll(sinks)

	players := sound.Multi{sound.NewLogPlayer(logger)}
	if len(cfg.Sound.Command) > 0 {
		p, err := sound.NewCommandPlayer(cfg.Sound.Command, logger)
		if err != nil {
			return err
		}
		players = append(players, p)
	}

	var broadcaster *control.Broadcaster
	if cfg.Control.Listen != "" {
		broadcaster = control.NewBroadcaster(maxWSClients, logger)
		if _, exists := sinks[broadcaster.Name()]; exists {
			return fmt.Errorf("notification channel name %q is reserved for the control surface", broadcaster.Name())
		}
		sinks[broadcaster.Name()] = broadcaster
		players = append(players, broadcaster)
	}

	if len(sinks) == 0 {
		logger.Warnw("no notification channels initialized; alerts will only be logged")
	} else {
		logger.Infow("notification channels ready", "count", len(sinks))
	}

	client, err := feed.NewClient(cfg.Feed.URL, cfg.Feed.Timeout, logger)
	if err != nil {
		return err
	}
	tracker := state.NewTracker()
	alertLog := history.NewAlertLog(cfg.HistorySize)

	dispatcher := dispatch.New(dispatch.Options{
		Notifiers:    sinks,
		Templates:    notifier.NotificationTemplates{AlertTemplate: cfg.Templates.Alert},
		Title:        cfg.Templates.Title,
		StopAction:   cfg.Control.StopSoundURL(),
		Player:       players,
		SoundTimeout: cfg.Sound.Timeout,
		History:      alertLog,
		Logger:       logger,
	})

	loop := poller.New(poller.Options{
		Fetcher:    client,
		Evaluator:  alerter.NewEvaluator(milestones, tracker, logger),
		Dispatcher: dispatcher,
		Tracker:    tracker,
		Interval:   cfg.PollInterval,
		Logger:     logger,
	})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var server *control.Server
	serveErr := make(chan error, 1)
	if broadcaster != nil {
		ln, err := net.Listen("tcp", cfg.Control.Listen)
		if err != nil {
			return fmt.Errorf("control server listen on %s: %w", cfg.Control.Listen, err)
		}
		server = control.NewServer(control.Options{
			Loop:           loop,
			Sound:          dispatcher,
			History:        alertLog,
			Catalog:        milestones,
			Broadcaster:    broadcaster,
			AuthToken:      cfg.Control.AuthToken,
			AllowedOrigins: cfg.Control.AllowedOrigins,
			Logger:         logger,
		})
		go func() { serveErr <- server.Serve(ln) }()
	}

	if err := loop.Start(); err != nil {
		return err
	}
	logger.Infow("pacealert started", "milestones", milestones.Len())

	var runErr error
	select {
	case <-ctx.Done():
		logger.Infow("shutting down")
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("control server: %w", err)
			logger.Errorw("control server failed", "error", err)
		}
	}

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warnw("control server shutdown", "error", err)
		}
		cancel()
	}
	loop.Stop()
	dispatcher.Close()
	if broadcaster != nil {
		broadcaster.Close()
	}
	logger.Infow("pacealert shut down")
	return runErr
}

func testNotification(ctx context.Context, configFile, channelName string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, logger, err := loadRuntime(configFile)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if channelName != "" {
		var available []string
		found := false
		for _, channel := range cfg.NotificationChannels {
			available = append(available, channel.Name)
			if channel.Name == channelName {
				found = true
			}
		}
		if !found {
			if len(available) > 0 {
				return fmt.Errorf("channel '%s' not found in configuration; available channels: %s", channelName, strings.Join(available, ", "))
			}
			return fmt.Errorf("channel '%s' not found and no notification channels configured", channelName)
		}
	}

	sinks, err := notifier.InitializeNotifiers(cfg.NotificationChannels, logger)
	if err != nil {
		return err
	}
	defer notifier.CloseAll(sinks)
	if len(sinks) == 0 {
		return errors.New("no notification channels were successfully initialized")
	}

	sample := sampleNotification(cfg)
	templates := notifier.NotificationTemplates{AlertTemplate: cfg.Templates.Alert}

	if channelName != "" {
		sink, ok := sinks[channelName]
		if !ok {
			return fmt.Errorf("channel '%s' was not successfully initialized", channelName)
		}
		if err := sink.Send(ctx, sample, templates); err != nil {
			return fmt.Errorf("failed to send test notification to channel '%s': %w", channelName, err)
		}
		logger.Infow("test notification sent", "channel", channelName)
		return nil
	}

	succeeded := 0
	for name, sink := range sinks {
		if err := sink.Send(ctx, sample, templates); err != nil {
			logger.Errorw("test notification failed", "channel", name, "error", err)
			continue
		}
		logger.Infow("test notification sent", "channel", name)
		succeeded++
	}
	logger.Infow("test completed", "successful", succeeded, "channels", len(sinks))
	if succeeded == 0 {
		return errors.New("all notification channels failed")
	}
	return nil
}

func sampleNotification(cfg *config.Config) notifier.NotificationData {
	ev := alerter.AlertEvent{
		Participant:   "TestRunner",
		MilestoneID:   "rsg.enter_end",
		Label:         "Enter End",
		Elapsed:       util.FormatElapsed(300000),
		ElapsedMillis: 300000,
		LiveAccount:   "testrunner",
	}
	id, err := dispatch.NewID()
	if err != nil {
		id = "pa-test"
	}
	return notifier.NotificationData{
		ID:          id,
		Title:       cfg.Templates.Title,
		Body:        ev.Message(),
		DedupKey:    dispatch.DedupKey(ev.Message()),
		StopAction:  cfg.Control.StopSoundURL(),
		Participant: ev.Participant,
		MilestoneID: ev.MilestoneID,
		Label:       ev.Label,
		Elapsed:     ev.Elapsed,
		LiveAccount: ev.LiveAccount,
		Time:        time.Now(),
	}
}

func printMilestones(out io.Writer, c *catalog.Catalog) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLABEL\tTHRESHOLD\tALERTS")
	for _, m := range c.All() {
		alerts := "yes"
		if m.Threshold <= 0 {
			alerts = "never"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.ID, m.Label, util.FormatElapsed(m.Threshold.Milliseconds()), alerts)
	}
	return w.Flush()
}

func checkFeed(ctx context.Context, out io.Writer, configFile string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, logger, err := loadRuntime(configFile)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	milestones, err := buildCatalog(cfg)
	if err != nil {
		return err
	}
	client, err := feed.NewClient(cfg.Feed.URL, cfg.Feed.Timeout, logger)
	if err != nil {
		return err
	}

	sessions, err := client.Fetch(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%d live session(s) from %s\n", len(sessions), client.URL())
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, s := range sessions {
		latest := "-"
		if n := len(s.Events); n > 0 {
			last := s.Events[n-1]
			latest = fmt.Sprintf("%s %s", last.MilestoneID, util.FormatElapsed(last.ElapsedMillis))
		}
		fmt.Fprintf(w, "  %s\t%d event(s)\t%s\n", s.Participant, len(s.Events), latest)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	evaluator := alerter.NewEvaluator(milestones, state.NewTracker(), logger)
	preview := evaluator.Preview(sessions)
	if len(preview) == 0 {
		fmt.Fprintln(out, "no alerts would fire")
		return nil
	}
	fmt.Fprintf(out, "%d alert(s) would fire:\n", len(preview))
	for _, ev := range preview {
		fmt.Fprintf(out, "  %s\n", ev.Message())
	}
	return nil
}
