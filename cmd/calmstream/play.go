package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hxnx/calmstream/internal/bot"
	"github.com/hxnx/calmstream/internal/music"
	"github.com/hxnx/calmstream/internal/sink"
	"github.com/hxnx/calmstream/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

type playOptions struct {
	goal     string
	trackIDs []string
	volume   float64
	dryRun   bool
}

func newPlayCmd() *cobra.Command {
	var opts playOptions

	cmd := &cobra.Command{
		Use:   "play",
		Short: "Play a goal (or a fixed list of tracks) until stopped",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.goal == "" && len(opts.trackIDs) == 0 {
				return errors.New("either --goal or --track is required")
			}
			return runPlay(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.goal, "goal", "", "goal to play (focus, sleep, ...)")
	cmd.Flags().StringSliceVar(&opts.trackIDs, "track", nil, "catalog track ids to queue instead of a goal")
	cmd.Flags().Float64Var(&opts.volume, "volume", 1, "output volume between 0 and 1")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "decode without joining voice")
	return cmd
}

func runPlay(ctx context.Context, opts playOptions) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	connectStores()
	defer closeStores()

	tokens := newTokenSource()
	resolver, err := newResolver(tokens)
	if err != nil {
		return err
	}
	ledger := newLedger(ctx)

	var output sink.Output = &sink.DiscardOutput{}
	var discord *bot.Bot
	if !opts.dryRun && cfg.IsDiscordEnabled() {
		discord, err = bot.New(cfg, logger)
		if err != nil {
			return err
		}
		if err := discord.Start(); err != nil {
			return fmt.Errorf("failed to open discord session: %w", err)
		}
		defer func() {
			if err := discord.Stop(); err != nil {
				logger.Warn().Err(err).Msg("failed to close discord session")
			}
		}()

		voice, err := discord.JoinVoice()
		if err != nil {
			return fmt.Errorf("failed to join voice channel: %w", err)
		}
		defer voice.Close()
		output = voice
	} else {
		logger.Info().Msg("no voice channel configured, decoding to nowhere")
	}

	sinkOpts := sink.Options{
		Binary:      cfg.FFmpegBinary,
		Output:      output,
		LoadTimeout: cfg.Tuning.LoadTimeout,
		Logger:      logger,
	}
	if tokens != nil {
		sinkOpts.Headers = tokens.Header
	}
	audio := sink.New(sinkOpts)

	registry := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(registry)
	if cfg.MetricsBind != "" {
		srv := serveMetrics(cfg.MetricsBind, registry)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	controllerOpts := music.ControllerOptions{
		Resolver:  resolver,
		Ledger:    ledger,
		Sink:      audio,
		Telemetry: telemetry.NewRecorderFromDefault(logger),
		Metrics:   metrics,
		Tuning:    cfg.Tuning,
		Logger:    logger,
	}
	if cat := newCatalog(); cat != nil {
		controllerOpts.Catalog = cat
	}
	if tokens != nil {
		controllerOpts.Auth = tokens
	}
	logger.Debug().Str("deps", controllerOpts.DebugString()).Msg("building controller")

	controller, err := music.NewController(controllerOpts)
	if err != nil {
		return err
	}
	controller.Start(ctx)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := controller.Close(closeCtx); err != nil {
			logger.Warn().Err(err).Msg("failed to close controller")
		}
	}()

	if discord != nil {
		discord.OnNowPlaying(func() string { return bot.NowPlayingText(controller.State()) })
	}
	controller.SetVolume(opts.volume)

	if err := startPlayback(ctx, controller, opts); err != nil {
		return err
	}
	return waitForEnd(ctx, controller)
}

func startPlayback(ctx context.Context, controller *music.Controller, opts playOptions) error {
	if len(opts.trackIDs) == 0 {
		logger.Info().Str("goal", opts.goal).Msg("starting goal playback")
		return controller.PlayGoal(ctx, opts.goal)
	}

	cat := newCatalog()
	if cat == nil {
		return music.ErrCatalogNotProvided
	}

	tracks := make([]music.Track, 0, len(opts.trackIDs))
	for _, id := range opts.trackIDs {
		t, ok, err := cat.GetTrack(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to load track %s: %w", id, err)
		}
		if !ok {
			logger.Warn().Str("track_id", id).Msg("track not in catalog, skipping")
			continue
		}
		tracks = append(tracks, t)
	}
	return controller.SetQueue(ctx, tracks, 0)
}

// waitForEnd blocks until a signal arrives or playback finishes for good.
func waitForEnd(ctx context.Context, controller *music.Controller) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down")
			return nil
		case <-ticker.C:
			st := controller.State()
			if st.Notice != "" {
				logger.Warn().Msg(st.Notice)
				controller.DismissNotice()
			}
			if st.ErrorKind.Terminal() {
				logger.Info().Str("reason", string(st.ErrorKind)).Msg("playback ended")
				return nil
			}
		}
	}
}

func serveMetrics(addr string, registry *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler(registry))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
	logger.Info().Str("addr", addr).Msg("serving metrics")
	return srv
}
