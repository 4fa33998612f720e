// Package processor verifies and imports the blocks that sync and gossip
// hand to it and reports every result back to the sync manager.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/thejerf/suture/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/probe-lab/beacon-sync/beacon"
	"github.com/probe-lab/beacon-sync/lookups"
	"github.com/probe-lab/beacon-sync/syncer"
	"github.com/probe-lab/beacon-sync/tele"
)

var (
	ErrQueueFull = errors.New("processor queue full")
	ErrClosed    = errors.New("processor closed")
)

// ResultSink receives processing results. The sync manager implements it.
type ResultSink interface {
	Send(ctx context.Context, msg syncer.SyncMessage) error
}

// Processor is a single worker that imports blocks into a [MemoryChain].
// Work is processed in submission order.
type Processor struct {
	cfg   *Config
	log   *slog.Logger
	chain *MemoryChain

	workC chan beacon.WorkEvent

	mu     sync.RWMutex
	sink   ResultSink
	closed bool

	workCounter    metric.Int64Counter
	droppedCounter metric.Int64Counter
}

var (
	_ suture.Service     = (*Processor)(nil)
	_ lookups.WorkSender = (*Processor)(nil)
)

func New(cfg *Config, chain *MemoryChain) (*Processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid processor config: %w", err)
	}

	p := &Processor{
		cfg:   cfg,
		log:   cfg.Logger.With("component", "beacon_processor"),
		chain: chain,
		workC: make(chan beacon.WorkEvent, cfg.QueueSize),
	}

	var err error
	p.workCounter, err = cfg.Meter.Int64Counter("processor_work_events", metric.WithDescription("Work events processed by kind"))
	if err != nil {
		return nil, fmt.Errorf("processor_work_events counter: %w", err)
	}

	p.droppedCounter, err = cfg.Meter.Int64Counter("processor_dropped_events", metric.WithDescription("Work events dropped by reason"))
	if err != nil {
		return nil, fmt.Errorf("processor_dropped_events counter: %w", err)
	}

	return p, nil
}

// SetResultSink must be called before Serve.
func (p *Processor) SetResultSink(sink ResultSink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink = sink
}

// TrySend enqueues work without blocking.
func (p *Processor) TrySend(ev beacon.WorkEvent) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.dropped(ev, "closed")
		return ErrClosed
	}

	select {
	case p.workC <- ev:
		return nil
	default:
		p.dropped(ev, "queue_full")
		return ErrQueueFull
	}
}

func (p *Processor) dropped(ev beacon.WorkEvent, reason string) {
	p.droppedCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("kind", ev.Kind.String()),
		attribute.String("reason", reason),
	))
}

func (p *Processor) Serve(ctx context.Context) error {
	p.log.Info("Starting beacon processor", "queue_size", p.cfg.QueueSize)
	defer p.log.Info("Stopped beacon processor")

	p.mu.RLock()
	sink := p.sink
	p.mu.RUnlock()

	if sink == nil {
		return fmt.Errorf("%w: no result sink", suture.ErrDoNotRestart)
	}

	defer func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-p.workC:
			msg, ok := p.process(ev)
			p.workCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", ev.Kind.String())))
			if !ok {
				continue
			}

			if err := sink.Send(ctx, msg); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return fmt.Errorf("deliver %s result: %w", ev.Kind, err)
			}
		}
	}
}

// process imports the work and returns the message for the sync manager
// if there is one.
func (p *Processor) process(ev beacon.WorkEvent) (syncer.SyncMessage, bool) {
	switch ev.Kind {
	case beacon.WorkRPCBlock:
		res := p.chain.ImportBlock(ev.Block)
		p.logResult(ev, res)
		return syncer.BlockProcessed(ev.ProcessType, res), true

	case beacon.WorkRPCBlobs:
		res := p.chain.ImportBlobs(ev.BlockRoot, ev.Blobs)
		p.logResult(ev, res)
		return syncer.BlockProcessed(ev.ProcessType, res), true

	case beacon.WorkChainSegment:
		res := p.chain.ImportSegment(ev.Segment)
		p.log.Debug("Processed chain segment", "blocks", len(ev.Segment), "result", res)
		return syncer.BatchProcessed(ev.SegmentID, res), true

	case beacon.WorkGossipBlock:
		res := p.chain.ImportBlock(ev.Block)
		p.logResult(ev, res)
		if res.Outcome == beacon.OutcomeErr && res.Err.Kind == beacon.ErrKindParentUnknown {
			return syncer.UnknownBlock(ev.Peer, ev.Block.Block, ev.SeenTimestamp), true
		}
		return syncer.SyncMessage{}, false

	case beacon.WorkGossipBlob:
		res := p.chain.ImportBlobs(ev.BlockRoot, ev.Blobs)
		p.logResult(ev, res)
		return syncer.SyncMessage{}, false

	default:
		p.log.Warn("Unknown work event", "kind", ev.Kind)
		return syncer.SyncMessage{}, false
	}
}

func (p *Processor) logResult(ev beacon.WorkEvent, res beacon.BlockProcessingResult) {
	switch res.Outcome {
	case beacon.OutcomeImported:
		p.log.Debug("Imported block", tele.LogAttrBlockRoot(res.Root), "work", ev.Kind)
	case beacon.OutcomeErr:
		p.log.Debug("Block not imported", tele.LogAttrBlockRoot(ev.BlockRoot), "work", ev.Kind, tele.LogAttrError(res.Err))
	default:
		p.log.Debug("Processed block", tele.LogAttrBlockRoot(ev.BlockRoot), "work", ev.Kind, "outcome", res.Outcome)
	}
}
