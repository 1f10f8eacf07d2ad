package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/tsprobe/internal/certs"
	"github.com/zsiec/tsprobe/internal/config"
	"github.com/zsiec/tsprobe/internal/ingest"
	srtingest "github.com/zsiec/tsprobe/internal/ingest/srt"
	"github.com/zsiec/tsprobe/internal/pipeline"
	"github.com/zsiec/tsprobe/internal/report"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("tsprobe failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("TSPROBE_CONFIG"))
	if err != nil {
		return err
	}

	level := cfg.SlogLevel()
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	log.Info("tsprobe starting",
		"version", version,
		"source", cfg.Source.Kind,
		"addr", cfg.Source.Addr,
		"queue_capacity", cfg.Pipeline.QueueCapacity,
		"header_skip", cfg.Pipeline.HeaderSkip,
	)

	src, err := openSource(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer src.Close()

	var (
		sink pipeline.Sink = report.Discard{}
		out  *bufio.Writer
		text *report.TextSink
	)
	switch cfg.Report {
	case config.ReportText:
		out = bufio.NewWriter(os.Stdout)
		text = report.NewTextSink(out)
		sink = text
	case config.ReportLog:
		sink = report.NewLogSink(log)
	}

	p := pipeline.New(src, sink, pipeline.Config{
		QueueCapacity:  cfg.Pipeline.QueueCapacity,
		HeaderSkip:     cfg.Pipeline.HeaderSkip,
		ReceiveTimeout: cfg.Pipeline.ReceiveTimeout,
	}, log)

	g, gctx := errgroup.WithContext(ctx)
	runDone := make(chan struct{})
	g.Go(func() error {
		defer close(runDone)
		return p.Run(gctx)
	})
	if cfg.StatsInterval > 0 {
		g.Go(func() error {
			logStats(gctx, runDone, cfg.StatsInterval, p, src, log)
			return nil
		})
	}
	runErr := g.Wait()

	if out != nil {
		if err := out.Flush(); err != nil {
			log.Warn("flush report", "error", err)
		}
	}
	if text != nil && text.Err() != nil {
		log.Warn("report output failed", "error", text.Err())
	}

	logSnapshot(log, p, src)
	return runErr
}

func openSource(ctx context.Context, cfg *config.Config, log *slog.Logger) (ingest.Source, error) {
	sc := cfg.Source
	switch sc.Kind {
	case config.SourceUDP:
		return ingest.ListenUDP(sc.Addr, ingest.UDPOptions{
			Interface:  sc.Interface,
			ReadBuffer: sc.ReadBuffer,
		}, log)
	case config.SourceRaw:
		return ingest.ListenRaw(sc.Addr, sc.Port, log)
	case config.SourcePcap:
		return ingest.OpenPcap(sc.Addr, ingest.PcapOptions{
			Port:        sc.Port,
			KeepHeaders: sc.KeepHeaders,
		}, log)
	case config.SourceFile:
		return ingest.OpenFile(sc.Addr, sc.SyncPackets, log)
	case config.SourceSRT:
		return srtingest.Open(ctx, srtingest.Options{
			Addr:        sc.Addr,
			StreamKey:   sc.StreamKey,
			Caller:      sc.Caller,
			SyncPackets: sc.SyncPackets,
		}, log)
	case config.SourceQUIC:
		cert, err := quicCert(sc, log)
		if err != nil {
			return nil, err
		}
		return ingest.ListenQUIC(sc.Addr, cert.TLSCert, log)
	}
	return nil, fmt.Errorf("unknown source kind %q", sc.Kind)
}

func quicCert(sc config.SourceConfig, log *slog.Logger) (*certs.CertInfo, error) {
	if sc.CertFile != "" {
		cert, err := certs.Load(sc.CertFile, sc.KeyFile)
		if err != nil {
			return nil, err
		}
		log.Info("certificate loaded", "file", sc.CertFile, "expires", cert.NotAfter.Format(time.RFC3339))
		return cert, nil
	}

	log.Info("generating self-signed certificate")
	cert, err := certs.Generate(certs.DefaultValidity)
	if err != nil {
		return nil, fmt.Errorf("generate cert: %w", err)
	}
	log.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)
	return cert, nil
}

// logStats logs the pipeline and source counters every interval until the
// pipeline stops.
func logStats(ctx context.Context, done <-chan struct{}, interval time.Duration, p *pipeline.Pipeline, src ingest.Source, log *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ps, ss := p.Stats(), src.Stats()
			log.Info("stats",
				"produced", ps.Produced,
				"consumed", ps.Consumed,
				"decode_errors", ps.DecodeErrors,
				"receive_timeouts", ps.ReceiveTimeouts,
				"queue_depth", ps.QueueDepth,
				"bytes_received", ss.BytesReceived,
				"dropped", ss.Dropped,
				"dropped_bytes", ss.DroppedBytes,
				"resyncs", ss.Resyncs,
				"remote", ss.RemoteAddr,
			)
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func logSnapshot(log *slog.Logger, p *pipeline.Pipeline, src ingest.Source) {
	ps, ss := p.Stats(), src.Stats()
	attrs := []any{
		"produced", ps.Produced,
		"consumed", ps.Consumed,
		"decode_errors", ps.DecodeErrors,
		"multi_program_pats", ps.MultiProgramPATs,
		"uptime_ms", ps.UptimeMs,
		"bytes_received", ss.BytesReceived,
		"packets", ss.Packets,
		"dropped", ss.Dropped,
	}
	for kind, n := range ps.ErrorsByKind {
		attrs = append(attrs, "errors_"+kind, n)
	}
	for role, pid := range p.Registry().Snapshot() {
		attrs = append(attrs, role.String()+"_pid", "0x"+strconv.FormatUint(uint64(pid), 16))
	}
	log.Info("final stats", attrs...)
}
