// Package pipeline runs the live ingest loop: a producer goroutine receives
// packet buffers from a Source into a bounded queue, and a consumer goroutine
// decodes them in arrival order and hands each result to a Sink.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/tsprobe/internal/mpegts"
	"github.com/zsiec/tsprobe/internal/queue"
	"github.com/zsiec/tsprobe/internal/report"
)

// Source yields received packet buffers. Each call returns at most one
// packet's worth of bytes (plus any configured header), in arrival order.
// io.EOF ends the stream; any other error stops the producer. Receive must
// return promptly once ctx is done.
type Source interface {
	Receive(ctx context.Context) ([]byte, error)
}

// Sink receives one entry per consumed buffer, in decode order. Report is
// called from the consumer goroutine only.
type Sink interface {
	Report(e report.Entry)
}

// Config tunes the pipeline. Zero values select the defaults.
type Config struct {
	// QueueCapacity bounds how many received buffers wait for decoding.
	QueueCapacity int
	// HeaderSkip is the number of bytes stripped from the front of every
	// buffer before decoding, e.g. 28 for raw IPv4+UDP datagrams.
	HeaderSkip int
	// ReceiveTimeout bounds each Receive call. Zero waits indefinitely.
	ReceiveTimeout time.Duration
}

// Stats is a point-in-time snapshot of pipeline counters.
type Stats struct {
	Produced         int64            `json:"produced"`
	Consumed         int64            `json:"consumed"`
	DecodeErrors     int64            `json:"decodeErrors"`
	ErrorsByKind     map[string]int64 `json:"errorsByKind,omitempty"`
	ReceiveTimeouts  int64            `json:"receiveTimeouts"`
	MultiProgramPATs int64            `json:"multiProgramPats"`
	QueueDepth       int              `json:"queueDepth"`
	QueueCapacity    int              `json:"queueCapacity"`
	UptimeMs         int64            `json:"uptimeMs"`
}

// Pipeline couples one Source, one Decoder and one Sink. A Pipeline runs
// once; create a new one to ingest again.
type Pipeline struct {
	log     *slog.Logger
	source  Source
	sink    Sink
	cfg     Config
	queue   *queue.Queue[[]byte]
	decoder *mpegts.Decoder

	startTime time.Time

	produced        atomic.Int64
	consumed        atomic.Int64
	decodeErrors    atomic.Int64
	receiveTimeouts atomic.Int64

	kindMu       sync.Mutex
	errorsByKind map[string]int64
}

// New creates a Pipeline reading from src and reporting to sink. If log is
// nil, slog.Default() is used.
func New(src Source, sink Sink, cfg Config, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = queue.DefaultCapacity
	}
	if cfg.HeaderSkip < 0 {
		cfg.HeaderSkip = 0
	}
	return &Pipeline{
		log:          log.With("component", "pipeline"),
		source:       src,
		sink:         sink,
		cfg:          cfg,
		queue:        queue.New[[]byte](cfg.QueueCapacity),
		decoder:      mpegts.NewDecoder(nil, log),
		startTime:    time.Now(),
		errorsByKind: make(map[string]int64),
	}
}

// Registry returns the PID registry the decoder maintains. It may be read
// while the pipeline runs.
func (p *Pipeline) Registry() *mpegts.Registry {
	return p.decoder.Registry()
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	p.kindMu.Lock()
	kinds := make(map[string]int64, len(p.errorsByKind))
	for k, v := range p.errorsByKind {
		kinds[k] = v
	}
	p.kindMu.Unlock()

	return Stats{
		Produced:         p.produced.Load(),
		Consumed:         p.consumed.Load(),
		DecodeErrors:     p.decodeErrors.Load(),
		ErrorsByKind:     kinds,
		ReceiveTimeouts:  p.receiveTimeouts.Load(),
		MultiProgramPATs: p.decoder.MultiProgramPATs(),
		QueueDepth:       p.queue.Len(),
		QueueCapacity:    p.queue.Cap(),
		UptimeMs:         time.Since(p.startTime).Milliseconds(),
	}
}

// Run starts the producer and consumer and blocks until both exit. It
// returns nil when the source ends or ctx is cancelled, and the wrapped
// source error when the source fails. Buffers already queued are decoded
// before Run returns in every case.
func (p *Pipeline) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, p.queue.Close)
	defer stop()

	g.Go(func() error {
		return p.produce(gctx)
	})
	g.Go(func() error {
		p.consume()
		return nil
	})

	err := g.Wait()
	s := p.Stats()
	p.log.Info("pipeline stopped",
		"produced", s.Produced,
		"consumed", s.Consumed,
		"decode_errors", s.DecodeErrors,
		"receive_timeouts", s.ReceiveTimeouts,
		"error", err)
	return err
}

func (p *Pipeline) produce(ctx context.Context) error {
	defer p.queue.Close()

	for {
		buf, err := p.receive(ctx)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			p.log.Info("source ended")
			return nil
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
			p.receiveTimeouts.Add(1)
			p.log.Debug("receive timed out", "timeout", p.cfg.ReceiveTimeout)
			continue
		default:
			return fmt.Errorf("pipeline: receive: %w", err)
		}

		if len(buf) == 0 {
			continue
		}
		if err := p.queue.Push(buf); err != nil {
			// Closed by cancellation.
			return nil
		}
		p.produced.Add(1)
	}
}

func (p *Pipeline) receive(ctx context.Context) ([]byte, error) {
	if p.cfg.ReceiveTimeout <= 0 {
		return p.source.Receive(ctx)
	}
	rctx, cancel := context.WithTimeout(ctx, p.cfg.ReceiveTimeout)
	defer cancel()
	return p.source.Receive(rctx)
}

func (p *Pipeline) consume() {
	for {
		buf, ok := p.queue.Pop()
		if !ok {
			return
		}
		n := p.consumed.Add(1)
		p.decodeOne(n, buf)
	}
}

func (p *Pipeline) decodeOne(n int64, buf []byte) {
	var pkt []byte
	if len(buf) >= p.cfg.HeaderSkip {
		pkt = buf[p.cfg.HeaderSkip:]
	}

	info, err := p.decoder.Decode(pkt)
	if err != nil {
		p.decodeErrors.Add(1)
		kind := mpegts.ErrorKind(err)
		p.kindMu.Lock()
		p.errorsByKind[kind]++
		p.kindMu.Unlock()
		p.log.Debug("packet skipped", "pkt", n, "kind", kind, "error", err)
	}
	p.sink.Report(report.Entry{PacketNumber: n, Info: info, Err: err})
}
