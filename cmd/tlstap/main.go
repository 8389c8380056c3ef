// tlstap consumes plaintext capture events from kernel-side TLS probes and
// reassembles them into ordered per-connection byte streams.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/tlstap/tlstap/internal/bpfloader"
	"github.com/tlstap/tlstap/internal/config"
	"github.com/tlstap/tlstap/internal/eventstream"
	"github.com/tlstap/tlstap/internal/filter"
	"github.com/tlstap/tlstap/internal/otel"
	"github.com/tlstap/tlstap/internal/output"
	"github.com/tlstap/tlstap/internal/reassembly"
	"github.com/tlstap/tlstap/internal/timesync"
)

// Version information injected at build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const shutdownTimeout = 5 * time.Second

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = log.Sync() //nolint:errcheck // Best-effort flush on exit
	}()

	if err := run(log); err != nil {
		log.Fatal("tlstap failed", zap.Error(err))
	}
}

// setupSink builds the configured sink and returns it with a cleanup func.
func setupSink(cfg *config.Config, log *zap.Logger) (reassembly.Sink, func(), error) {
	if cfg.Output == "text" {
		return output.NewTextSink(os.Stdout), func() {}, nil
	}

	otelCfg, err := config.ParseOTELConfig()
	if err != nil {
		return nil, nil, err
	}
	var tp *sdktrace.TracerProvider
	tp, err = otel.InitProvider(otelCfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize OTEL provider: %w", err)
	}

	converter, err := timesync.NewConverter()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create time converter: %w", err)
	}

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := otel.ShutdownProvider(ctx, tp); err != nil {
			log.Warn("error shutting down OTEL provider", zap.Error(err))
		}
	}
	return output.NewSpanSink(tp.Tracer("tlstap"), converter), cleanup, nil
}

func run(log *zap.Logger) error {
	cfg, err := config.ParseArgs(os.Args)
	if err != nil {
		return err
	}
	if cfg.ShowVersion {
		fmt.Printf("tlstap %s (commit: %s, built: %s)\n", version, commit, date)
		return nil
	}

	log.Info("starting tlstap",
		zap.String("version", version),
		zap.String("events_map", cfg.EventsMapPath),
		zap.String("output", cfg.Output))

	f, err := filter.New(cfg.FilterExpr, log)
	if err != nil {
		return err
	}

	sink, cleanupSink, err := setupSink(cfg, log)
	if err != nil {
		return err
	}
	defer cleanupSink()

	engine, err := reassembly.New(cfg.Engine, sink, log)
	if err != nil {
		return err
	}

	loader, err := bpfloader.New(cfg.EventsMapPath, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := loader.Close(); err != nil {
			log.Warn("error closing loader", zap.Error(err))
		}
	}()

	rd, err := loader.OpenRingBuffer()
	if err != nil {
		return err
	}

	engine.Start()
	stream := eventstream.New(rd, engine, f, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := stream.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("received signal, shutting down")

	// Close the transport so the consumer's blocking read returns, then join
	// the consumer before draining the engine.
	if err := rd.Close(); err != nil {
		log.Warn("error closing ring buffer", zap.Error(err))
	}
	if err := stream.Stop(); err != nil {
		log.Warn("error stopping event stream", zap.Error(err))
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := engine.Close(shutdownCtx); err != nil {
		log.Warn("engine did not drain cleanly", zap.Error(err))
	}

	m := engine.Metrics()
	log.Info("capture summary",
		zap.Uint64("events", m.EventsIngested),
		zap.Uint64("segments", m.SegmentsEmitted),
		zap.Uint64("bytes", m.BytesEmitted),
		zap.Uint64("gaps", m.GapsEmitted),
		zap.Uint64("duplicates", m.DuplicateDropped),
		zap.Uint64("malformed", m.MalformedDropped),
		zap.Uint64("streams_opened", m.StreamsOpened),
		zap.Uint64("streams_evicted", m.StreamsEvicted),
		zap.Uint64("filtered", stream.Filtered()))

	return nil
}
