package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/satindergrewal/spufify/internal/audio"
	"github.com/satindergrewal/spufify/internal/capture"
	"github.com/satindergrewal/spufify/internal/library"
	"github.com/satindergrewal/spufify/internal/playback"
	"github.com/satindergrewal/spufify/internal/processor"
	"github.com/satindergrewal/spufify/internal/recorder"
	"github.com/satindergrewal/spufify/internal/segment"
	"github.com/satindergrewal/spufify/internal/spotify"
	"github.com/satindergrewal/spufify/internal/status"
	"github.com/satindergrewal/spufify/internal/stream"
)

func runRecord(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer setupLogging(cfg.LogFile)()

	if err := preflight(cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("spufify v%s", version)
	log.Printf("Output: %s (%s)", cfg.OutputDir, cfg.OutputFormat)

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	lib, err := library.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer lib.Close()

	pool := processor.NewPool(processor.Config{
		OutputDir:  cfg.OutputDir,
		Format:     cfg.OutputFormat,
		FFmpegPath: cfg.FFmpegPath,
		Workers:    cfg.Workers,
	}, lib, processor.NewCoverFetcher(500*time.Millisecond))
	pool.Start()
	defer pool.Stop()

	queue := segment.NewQueue(cfg.QueueSize)
	writer := segment.NewWriter(segment.Config{
		Dir:          cfg.TempDir,
		DrainTimeout: cfg.DrainTimeout,
		MinFreeBytes: uint64(cfg.MinFreeMB) << 20,
	}, queue, pool)

	rec := recorder.New(capture.NewPulseBackend(cfg.FFmpegPath), capture.Config{
		DeviceID:  cfg.AudioDevice,
		Fallback:  audio.DeviceProfile{SampleRate: cfg.SampleRate, Channels: cfg.Channels},
		BlockSize: cfg.BlockSize,
	}, queue, writer, cfg.ShutdownTimeout)

	if err := rec.Start(ctx); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}
	// Runs before pool.Stop so the last segment still gets encoded.
	defer rec.Close()
	log.Printf("Capturing from %s", rec.Profile())

	poller, err := spotify.Connect(ctx, cfg.SpotifyClientID, cfg.SpotifyClientSecret, cfg.SpotifyRedirectURI, cfg.TokenCache)
	if err != nil {
		return fmt.Errorf("connect to spotify: %w", err)
	}

	board := status.NewBoard(rec)
	machine := playback.NewMachine(poller, writer, board, cfg.PollInterval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		machine.Run(gctx)
		return nil
	})
	if cfg.Port > 0 {
		serveHTTP(gctx, g, cfg.Port, cfg.FFmpegPath, board, machine, rec, lib)
	}

	log.Println("Waiting for playback...")
	err = g.Wait()
	log.Println("Shutting down...")
	return err
}

// serveHTTP runs the status API and the live monitor until ctx ends.
func serveHTTP(ctx context.Context, g *errgroup.Group, port int, ffmpeg string,
	board *status.Board, machine *playback.Machine, rec *recorder.Recorder, lib *library.Store) {

	bc := stream.NewBroadcaster()
	tap := make(chan audio.FrameBatch, 64)
	rec.SetTap(tap)
	g.Go(func() error {
		bc.Run(ctx, tap)
		return nil
	})

	rtc := stream.NewWebRTCHandler(bc)
	mux := http.NewServeMux()
	status.NewAPI(board, machine, recorder.NewSession(rec, machine), lib).Register(mux)
	mux.Handle("/stream", stream.NewHTTPHandler(bc, ffmpeg))
	mux.Handle("/offer", rtc)

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	server := &http.Server{Addr: addr, Handler: mux}

	g.Go(func() error {
		<-ctx.Done()
		board.Close()
		rtc.Close()
		return server.Close()
	})
	g.Go(func() error {
		log.Printf("Status API on http://%s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
}
