package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/scribe/internal/audio"
	"github.com/ent0n29/scribe/internal/chunks"
	"github.com/ent0n29/scribe/internal/config"
	"github.com/ent0n29/scribe/internal/httpapi"
	"github.com/ent0n29/scribe/internal/jobs"
	"github.com/ent0n29/scribe/internal/merge"
	"github.com/ent0n29/scribe/internal/observability"
	"github.com/ent0n29/scribe/internal/pipeline"
	"github.com/ent0n29/scribe/internal/reaper"
	"github.com/ent0n29/scribe/internal/session"
	"github.com/ent0n29/scribe/internal/transcribe"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("config error")
	}
	logger := observability.NewLogger(cfg.LogLevel, cfg.LogPretty)
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, storeMode, err := session.NewStore(ctx, cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("session store init failed")
	}
	defer store.Close()
	logger.Info().Str("mode", storeMode).Msg("session store ready")

	chunkStore, err := chunks.NewStore(filepath.Join(cfg.DataDir, "chunks"), cfg.MaxChunkBytes)
	if err != nil {
		logger.Fatal().Err(err).Msg("chunk store init failed")
	}

	ffmpeg := audio.NewFFmpeg(cfg.FFmpegPath, cfg.FFprobePath)
	var (
		concat  audio.Concatenator = audio.ByteConcatenator{}
		convert audio.Converter
	)
	if ffmpeg.Available() {
		convert = ffmpeg
		if cfg.MergeBackend == "ffmpeg" {
			concat = ffmpeg
		}
	} else {
		logger.Warn().Str("ffmpeg", cfg.FFmpegPath).Msg("ffmpeg not found; only mp3 chunks can be merged")
	}
	merger, err := merge.New(chunkStore, filepath.Join(cfg.DataDir, "audio"), concat, convert, logger, metrics)
	if err != nil {
		logger.Fatal().Err(err).Msg("merger init failed")
	}

	client, err := transcribe.NewClient(transcribe.Options{
		Provider:         cfg.TranscriptionProvider,
		Model:            cfg.TranscriptionModel,
		OpenAIAPIKey:     cfg.OpenAIAPIKey,
		OpenAIBaseURL:    cfg.OpenAIBaseURL,
		HTTPURL:          cfg.TranscriptionHTTPURL,
		WhisperCLI:       cfg.LocalWhisperCLI,
		WhisperModelPath: cfg.LocalWhisperModelPath,
		WhisperLanguage:  cfg.LocalWhisperLanguage,
		WAV:              ffmpeg,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("transcription provider init failed")
	}
	titler, err := transcribe.NewTitleGenerator(cfg.TitleProvider, cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.TitleModel, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("title generator init failed")
	}
	logger.Info().Str("provider", client.Name()).Bool("titles", titler != nil).Msg("transcription ready")

	registry := jobs.NewRegistry()
	runner := jobs.NewRunner(jobs.RunnerConfig{
		Retention:     cfg.TranscriptRetention,
		Timeout:       cfg.TranscriptionTimeout,
		TitleMaxChars: cfg.TitleMaxChars,
	}, store, client, titler, registry, logger, metrics)
	pool := jobs.NewPool(runner, cfg.TranscriptionWorkers, cfg.TranscriptionQueueSize, logger, metrics)
	sweeper := reaper.New(store, cfg.ReaperInterval, logger, metrics)

	p := pipeline.New(store, chunkStore, merger, pool, registry, pipeline.DeletePolicy(cfg.DeleteInFlightPolicy), logger, metrics)
	api := httpapi.New(cfg, p, metrics, logger, storeMode, client.Name())
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	pool.Start(ctx)
	sweeper.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.BindAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("graceful shutdown failed")
			_ = httpServer.Close()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server error")
	}
	sweeper.Stop()
	pool.Stop()
	logger.Info().Msg("shutdown complete")
}
