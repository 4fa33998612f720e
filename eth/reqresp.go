package eth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/OffchainLabs/prysm/v6/beacon-chain/p2p/encoder"
	"github.com/OffchainLabs/prysm/v6/consensus-types/primitives"
	ethpb "github.com/OffchainLabs/prysm/v6/proto/prysm/v1alpha1"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/prysmaticlabs/go-bitfield"
	"github.com/thejerf/suture/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/probe-lab/beacon-sync/beacon"
	"github.com/probe-lab/beacon-sync/host"
	"github.com/probe-lab/beacon-sync/rpc"
	"github.com/probe-lab/beacon-sync/syncer"
	"github.com/probe-lab/beacon-sync/tele"
)

// ErrDriverBusy is returned by [ReqResp.SendRequest] if the command queue
// of the driver is full.
var ErrDriverBusy = errors.New("req/resp driver busy")

// RequestID tags our requests on the [rpc.Behaviour]. Router requests
// belong to the node itself, all others to the sync manager.
type RequestID struct {
	Router bool
	Sync   syncer.RequestID
}

func (id RequestID) String() string {
	if id.Router {
		return "router"
	}
	return id.Sync.String()
}

// ChainReader is the part of the local chain that req/resp serves from.
type ChainReader interface {
	SyncInfo() beacon.SyncInfo
	Block(root beacon.Root) (beacon.BlockWrapper, bool)
	Blob(id beacon.BlobIdentifier) (*beacon.BlobSidecar, bool)
	BlocksByRange(start primitives.Slot, count uint64) []beacon.BlockWrapper
}

// SyncSink receives the messages for the sync manager.
type SyncSink interface {
	Send(ctx context.Context, msg syncer.SyncMessage) error
}

type ReqRespConfig struct {
	ForkDigest ForkDigest
	Encoder    encoder.NetworkEncoding
	RPC        *rpc.Config

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// ResponseTimeout bounds the wait for the next chunk of an inbound
	// request, including rate limiting delays.
	ResponseTimeout time.Duration
	// CommandBufferSize bounds the requests that wait for the driver.
	CommandBufferSize int

	Logger *slog.Logger

	// Telemetry accessors
	Tracer trace.Tracer
	Meter  metric.Meter
}

func (c *ReqRespConfig) Validate() error {
	if c.Encoder == nil {
		return fmt.Errorf("nil encoder")
	}

	if c.RPC == nil {
		return fmt.Errorf("rpc config must not be nil")
	}

	if c.ReadTimeout <= 0 || c.WriteTimeout <= 0 || c.ResponseTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}

	if c.CommandBufferSize <= 0 {
		return fmt.Errorf("command buffer size must be positive")
	}

	if c.Logger == nil {
		return fmt.Errorf("logger must not be nil")
	}

	if c.Tracer == nil {
		return fmt.Errorf("tracer must not be nil")
	}

	if c.Meter == nil {
		return fmt.Errorf("meter must not be nil")
	}

	return nil
}

type commandKind uint8

const (
	cmdRequest commandKind = iota
	cmdShutdown
	cmdConnected
	cmdDisconnected
)

// command is handed to the driver goroutine by the application and by
// connection notifications.
type command struct {
	kind   commandKind
	peer   peer.ID
	id     RequestID
	req    rpc.Request
	reason rpc.GoodbyeReason

	conn      rpc.ConnectionID
	outbound  bool
	remaining int
}

// transportEvent is a handler event produced by a stream goroutine.
type transportEvent struct {
	peer peer.ID
	conn rpc.ConnectionID
	ev   rpc.HandlerEvent[RequestID]
	// inbound is set for new inbound requests that expect responses.
	inbound *inboundStream
}

type inboundStream struct {
	respC chan rpc.Response
}

// ReqResp drives an [rpc.Behaviour] over libp2p streams. All behaviour
// calls happen on the goroutine that runs Serve; streams are served by
// their own goroutines that talk to it through channels.
type ReqResp struct {
	host  *host.Host
	cfg   *ReqRespConfig
	log   *slog.Logger
	codec *wireCodec
	chain ChainReader
	sync  SyncSink

	behaviour *rpc.Behaviour[RequestID]

	cmdC   chan command
	eventC chan transportEvent

	inbound    map[rpc.InboundID]*inboundStream
	substreams atomic.Uint64

	metaDataMu sync.RWMutex
	metaData   *ethpb.MetaDataV1

	// metrics
	meterRequestCounter metric.Int64Counter
	latencyHistogram    metric.Float64Histogram
}

var _ suture.Service = (*ReqResp)(nil)

func NewReqResp(h *host.Host, cfg *ReqRespConfig, chain ChainReader, sync SyncSink) (*ReqResp, error) {
	if cfg == nil {
		return nil, fmt.Errorf("req resp server config must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid req resp config: %w", err)
	}

	log := cfg.Logger.With("component", "reqresp")

	behaviour, err := rpc.NewBehaviour[RequestID](cfg.RPC, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("new rpc behaviour: %w", err)
	}

	r := &ReqResp{
		host: h,
		cfg:  cfg,
		log:  log,
		codec: &wireCodec{
			enc:          cfg.Encoder,
			forkDigest:   cfg.ForkDigest,
			readTimeout:  cfg.ReadTimeout,
			writeTimeout: cfg.WriteTimeout,
			tracer:       cfg.Tracer,
		},
		chain:     chain,
		sync:      sync,
		behaviour: behaviour,
		cmdC:      make(chan command, cfg.CommandBufferSize),
		eventC:    make(chan transportEvent),
		inbound:   map[rpc.InboundID]*inboundStream{},
		metaData: &ethpb.MetaDataV1{
			SeqNumber: 0,
			Attnets:   bitfield.NewBitvector64(),
			Syncnets:  bitfield.Bitvector4{byte(0x00)},
		},
	}

	r.meterRequestCounter, err = cfg.Meter.Int64Counter("rpc_requests")
	if err != nil {
		return nil, fmt.Errorf("new rpc_requests counter: %w", err)
	}

	r.latencyHistogram, err = cfg.Meter.Float64Histogram(
		"rpc_latency_ms",
		metric.WithExplicitBucketBoundaries(10, 50, 100, 500, 1000, 5000, 10000),
	)
	if err != nil {
		return nil, fmt.Errorf("new request_latency histogram: %w", err)
	}

	return r, nil
}

// SendRequest queues one of our requests without blocking.
func (r *ReqResp) SendRequest(pid peer.ID, id syncer.RequestID, req rpc.Request) error {
	return r.enqueue(command{kind: cmdRequest, peer: pid, id: RequestID{Sync: id}, req: req})
}

// Goodbye sends a goodbye to the peer and disconnects it.
func (r *ReqResp) Goodbye(pid peer.ID, reason rpc.GoodbyeReason) error {
	return r.enqueue(command{kind: cmdShutdown, peer: pid, id: RequestID{Router: true}, reason: reason})
}

func (r *ReqResp) enqueue(cmd command) error {
	select {
	case r.cmdC <- cmd:
		return nil
	default:
		return ErrDriverBusy
	}
}

// connected and disconnected are called from connection notifications.
// They block until the driver picks them up.
func (r *ReqResp) connected(ctx context.Context, pid peer.ID, conn rpc.ConnectionID, outbound bool) {
	select {
	case r.cmdC <- command{kind: cmdConnected, peer: pid, conn: conn, outbound: outbound}:
	case <-ctx.Done():
	}
}

func (r *ReqResp) disconnected(ctx context.Context, pid peer.ID, conn rpc.ConnectionID, remaining int) {
	select {
	case r.cmdC <- command{kind: cmdDisconnected, peer: pid, conn: conn, remaining: remaining}:
	case <-ctx.Done():
	}
}

func (r *ReqResp) Serve(ctx context.Context) error {
	r.log.Info("Starting req/resp driver", "fork_digest", r.cfg.ForkDigest)
	defer r.log.Info("Stopped req/resp driver")

	for _, proto := range rpc.Protocols {
		protocolID := r.codec.protocolID(proto)
		r.log.Debug("Register protocol handler", "protocol", protocolID)
		r.host.SetStreamHandler(protocolID, r.wrapStreamHandler(ctx, proto))
	}
	defer func() {
		for _, proto := range rpc.Protocols {
			r.host.RemoveStreamHandler(r.codec.protocolID(proto))
		}
	}()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		r.flush(ctx)

		wait := time.Hour
		if next, ok := r.behaviour.NextDeadline(); ok {
			wait = max(time.Until(next), 0)
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return nil
		case cmd := <-r.cmdC:
			r.handleCommand(ctx, cmd)
		case tev := <-r.eventC:
			if tev.inbound != nil {
				r.inbound[rpc.InboundID{Conn: tev.conn, Substream: tev.ev.Substream}] = tev.inbound
			}
			if tev.ev.Kind == rpc.HandlerErrInbound {
				delete(r.inbound, rpc.InboundID{Conn: tev.conn, Substream: tev.ev.Substream})
			}
			r.behaviour.OnHandlerEvent(time.Now(), tev.peer, tev.conn, tev.ev)
		case <-timer.C:
		}
	}
}

func (r *ReqResp) handleCommand(ctx context.Context, cmd command) {
	now := time.Now()

	switch cmd.kind {
	case cmdRequest:
		r.behaviour.SendRequest(now, cmd.peer, cmd.id, cmd.req)

	case cmdShutdown:
		r.behaviour.Shutdown(cmd.peer, cmd.id, cmd.reason)

	case cmdConnected:
		// the dialer starts the handshake
		if cmd.outbound {
			r.behaviour.SendRequest(now, cmd.peer, RequestID{Router: true}, r.localStatus())
		}

	case cmdDisconnected:
		r.behaviour.OnConnectionClosed(cmd.peer, cmd.conn, cmd.remaining)
		for id := range r.inbound {
			if id.Conn == cmd.conn {
				delete(r.inbound, id)
			}
		}

		if cmd.remaining == 0 {
			r.toSync(ctx, syncer.Disconnect(cmd.peer))
		}
	}
}

// flush executes every action the behaviour has ready.
func (r *ReqResp) flush(ctx context.Context) {
	for {
		action, ok := r.behaviour.Poll(time.Now())
		if !ok {
			return
		}

		switch action.Kind {
		case rpc.ActionNotifyHandler:
			r.notifyHandler(ctx, action)
		case rpc.ActionGenerateEvent:
			r.deliver(ctx, action.Message)
		case rpc.ActionCloseConnection:
			go logDeferErr(func() error { return r.host.Network().ClosePeer(action.Peer) }, "Failed closing peer connections")
		}
	}
}

func (r *ReqResp) notifyHandler(ctx context.Context, action rpc.Action[RequestID]) {
	send := action.Send

	switch send.Kind {
	case rpc.SendRequest:
		go r.runRequest(ctx, action.Peer, send.ID, send.Request)

	case rpc.SendShutdown:
		go r.runGoodbye(ctx, action.Peer, send.Reason)

	case rpc.SendResponse:
		key := rpc.InboundID{Conn: action.Conn, Substream: send.Substream}
		stream, found := r.inbound[key]
		if !found {
			r.log.Debug("Dropping response for closed stream", tele.LogAttrPeerID(action.Peer), "response", send.Response)
			return
		}

		select {
		case stream.respC <- send.Response:
		default:
			r.log.Warn("Response buffer full, dropping chunk", tele.LogAttrPeerID(action.Peer), "response", send.Response)
		}

		if send.Response.IsLast() {
			delete(r.inbound, key)
		}
	}
}

// deliver handles an event the behaviour generated for the application.
func (r *ReqResp) deliver(ctx context.Context, msg rpc.Message[RequestID]) {
	ev := msg.Event
	pid := msg.Peer

	switch ev.Kind {
	case rpc.HandlerRequest:
		r.serveRequest(ctx, pid, rpc.InboundID{Conn: msg.Conn, Substream: ev.Substream}, ev.Request)

	case rpc.HandlerResponse:
		if ev.ID.Router {
			if status, ok := ev.Response.Payload.(rpc.StatusMessage); ok {
				r.onStatus(ctx, pid, status)
			}
			return
		}

		seen := time.Duration(time.Now().UnixNano())
		switch payload := ev.Response.Payload.(type) {
		case beacon.Block:
			r.toSync(ctx, syncer.RPCBlock(ev.ID.Sync, pid, payload, seen))
		case *beacon.BlobSidecar:
			r.toSync(ctx, syncer.RPCBlob(ev.ID.Sync, pid, payload, seen))
		default:
			r.log.Debug("Unexpected response payload", tele.LogAttrPeerID(pid), "payload", fmt.Sprintf("%T", payload))
		}

	case rpc.HandlerEndOfStream:
		if ev.ID.Router {
			return
		}

		switch ev.Protocol {
		case rpc.ProtocolBlocksByRoot, rpc.ProtocolBlocksByRange:
			r.toSync(ctx, syncer.RPCBlock(ev.ID.Sync, pid, nil, 0))
		case rpc.ProtocolBlobsByRoot, rpc.ProtocolBlobsByRange:
			r.toSync(ctx, syncer.RPCBlob(ev.ID.Sync, pid, nil, 0))
		}

	case rpc.HandlerErrOutbound:
		if ev.ID.Router {
			r.log.Debug("Status handshake failed", tele.LogAttrPeerID(pid), tele.LogAttrError(ev.Err))
			if !errors.Is(ev.Err, rpc.ErrDisconnected) {
				r.behaviour.Shutdown(pid, ev.ID, rpc.GoodbyeUnableToVerify)
			}
			return
		}
		r.toSync(ctx, syncer.RPCError(ev.ID.Sync, pid, ev.Err))

	case rpc.HandlerErrInbound:
		r.log.Debug("Inbound request failed", tele.LogAttrPeerID(pid), tele.LogAttrProtocol(ev.Protocol.String()), tele.LogAttrError(ev.Err))
	}
}

func (r *ReqResp) toSync(ctx context.Context, msg syncer.SyncMessage) {
	if err := r.sync.Send(ctx, msg); err != nil && !errors.Is(err, context.Canceled) {
		r.log.Warn("Failed to deliver sync message", "kind", msg.Kind, tele.LogAttrError(err))
	}
}

func (r *ReqResp) localStatus() rpc.StatusMessage {
	return rpc.StatusMessage{ForkDigest: r.cfg.ForkDigest, SyncInfo: r.chain.SyncInfo()}
}

// onStatus validates the status of a peer and announces it to sync.
func (r *ReqResp) onStatus(ctx context.Context, pid peer.ID, status rpc.StatusMessage) {
	if status.ForkDigest != r.cfg.ForkDigest {
		r.log.Debug("Peer on a different network", tele.LogAttrPeerID(pid), "fork_digest", ForkDigest(status.ForkDigest))
		r.behaviour.Shutdown(pid, RequestID{Router: true}, rpc.GoodbyeIrrelevantNetwork)
		return
	}

	r.log.Debug("Received status", tele.LogAttrPeerID(pid), "status", status.SyncInfo)
	r.toSync(ctx, syncer.AddPeer(pid, status.SyncInfo))
}

// serveRequest answers an inbound request that passed the behaviour.
func (r *ReqResp) serveRequest(ctx context.Context, pid peer.ID, inbound rpc.InboundID, req rpc.Request) {
	now := time.Now()
	proto := req.Protocol()
	respond := func(payload any) {
		r.behaviour.SendResponse(now, pid, inbound, rpc.SuccessResponse(proto, payload))
	}

	r.meterRequestCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("rpc", proto.String()),
		attribute.String("direction", "inbound"),
	))

	switch req := req.(type) {
	case rpc.StatusMessage:
		respond(r.localStatus())
		r.onStatus(ctx, pid, req)
		return

	case rpc.PingRequest:
		r.metaDataMu.RLock()
		respond(r.metaData.SeqNumber)
		r.metaDataMu.RUnlock()
		return

	case rpc.MetaDataRequest:
		r.metaDataMu.RLock()
		respond(r.metaData)
		r.metaDataMu.RUnlock()
		return

	case rpc.GoodbyeReason:
		r.log.Debug("Received goodbye message", tele.LogAttrPeerID(pid), "msg", req.String())
		return

	case rpc.BlocksByRootRequest:
		for _, root := range req.Roots {
			if w, found := r.chain.Block(root); found {
				if _, ok := w.Block.(*beacon.DenebBlock); ok {
					respond(w.Block)
				}
			}
		}

	case rpc.BlocksByRangeRequest:
		for _, w := range r.chain.BlocksByRange(req.StartSlot, req.Count) {
			if _, ok := w.Block.(*beacon.DenebBlock); ok {
				respond(w.Block)
			}
		}

	case rpc.BlobsByRootRequest:
		for _, id := range req.BlobIDs {
			if blob, found := r.chain.Blob(id); found && blob.Raw != nil {
				respond(blob)
			}
		}

	case rpc.BlobsByRangeRequest:
		for _, w := range r.chain.BlocksByRange(req.StartSlot, req.Count) {
			for _, blob := range w.Blobs {
				if blob.Raw != nil {
					respond(blob)
				}
			}
		}
	}

	r.behaviour.SendResponse(now, pid, inbound, rpc.StreamTermination(proto))
}

func (r *ReqResp) post(ctx context.Context, tev transportEvent) bool {
	select {
	case r.eventC <- tev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *ReqResp) wrapStreamHandler(ctx context.Context, proto rpc.Protocol) network.StreamHandler {
	return func(s network.Stream) {
		pid := s.Conn().RemotePeer()
		conn := rpc.ConnectionID(s.Conn().ID())
		substream := rpc.SubstreamID(r.substreams.Add(1))

		// Reset is a no-op if the stream is already closed.
		defer logDeferErr(s.Reset, "failed to reset stream")

		ctx, span := r.cfg.Tracer.Start(ctx, "rpc", trace.WithAttributes(
			attribute.String("handler", proto.String()),
			attribute.String("peer_id", pid.String()),
			attribute.String("agent", r.host.AgentVersion(s.Conn())),
		))
		defer span.End()

		req, err := r.codec.readRequest(ctx, s, proto)
		if err != nil {
			r.log.Debug("Failed reading request", tele.LogAttrPeerID(pid), tele.LogAttrProtocol(proto.String()), tele.LogAttrError(err))
			_ = r.codec.writeChunk(ctx, s, rpc.ErrorResponse(proto, rpc.CodeInvalidRequest, "invalid request"))
			return
		}

		tev := transportEvent{
			peer: pid,
			conn: conn,
			ev:   rpc.HandlerEvent[RequestID]{Kind: rpc.HandlerRequest, Protocol: proto, Substream: substream, Request: req},
		}

		// goodbyes get no response
		if req.MaxResponses() == 0 {
			r.post(ctx, tev)
			_ = s.Close()
			return
		}

		stream := &inboundStream{respC: make(chan rpc.Response, min(req.MaxResponses(), 1024)+1)}
		tev.inbound = stream
		if !r.post(ctx, tev) {
			return
		}

		if err := r.writeResponses(ctx, s, stream); err != nil {
			r.log.Debug("Failed serving request", tele.LogAttrPeerID(pid), tele.LogAttrProtocol(proto.String()), tele.LogAttrError(err))
			r.post(ctx, transportEvent{
				peer: pid,
				conn: conn,
				ev:   rpc.HandlerEvent[RequestID]{Kind: rpc.HandlerErrInbound, Protocol: proto, Substream: substream, Err: err},
			})
		}
	}
}

// writeResponses writes chunks until the last one.
func (r *ReqResp) writeResponses(ctx context.Context, s network.Stream, stream *inboundStream) error {
	timer := time.NewTimer(r.cfg.ResponseTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return &rpc.Error{Kind: rpc.ErrKindStreamTimeout}
		case resp := <-stream.respC:
			if !resp.IsStreamTermination() {
				if err := r.codec.writeChunk(ctx, s, resp); err != nil {
					return &rpc.Error{Kind: rpc.ErrKindIO, Err: err}
				}
			}

			if resp.IsLast() {
				return s.Close()
			}

			timer.Reset(r.cfg.ResponseTimeout)
		}
	}
}

// runRequest performs one of our requests and reports every chunk to the
// driver.
func (r *ReqResp) runRequest(ctx context.Context, pid peer.ID, id RequestID, req rpc.Request) {
	proto := req.Protocol()
	start := time.Now()

	var (
		conn rpc.ConnectionID
		err  error
	)
	defer func() {
		attrs := metric.WithAttributes(
			attribute.String("rpc", proto.String()),
			attribute.String("direction", "outbound"),
			attribute.Bool("success", err == nil),
		)
		r.meterRequestCounter.Add(ctx, 1, attrs)
		r.latencyHistogram.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)

		if err != nil {
			r.post(ctx, transportEvent{
				peer: pid,
				conn: conn,
				ev:   rpc.HandlerEvent[RequestID]{Kind: rpc.HandlerErrOutbound, Protocol: proto, ID: id, Err: err},
			})
		}
	}()

	s, serr := r.host.NewStream(network.WithNoDial(ctx, "rpc request"), pid, r.codec.protocolID(proto))
	if serr != nil {
		err = &rpc.Error{Kind: rpc.ErrKindUnsupportedProtocol, Err: serr}
		return
	}
	defer logDeferErr(s.Reset, "failed closing stream") // no-op if closed
	conn = rpc.ConnectionID(s.Conn().ID())

	if werr := r.codec.writeRequest(ctx, s, req); werr != nil {
		err = &rpc.Error{Kind: rpc.ErrKindIO, Err: werr}
		return
	}

	for received := uint64(0); received < req.MaxResponses(); received++ {
		resp, rerr := r.codec.readChunk(ctx, s, proto)
		if errors.Is(rerr, io.EOF) {
			if !proto.MultiChunk() {
				err = &rpc.Error{Kind: rpc.ErrKindIncompleteStream}
				return
			}
			break
		} else if rerr != nil {
			err = &rpc.Error{Kind: rpc.ErrKindDecode, Err: rerr}
			return
		}

		if resp.Code != rpc.CodeSuccess {
			err = &rpc.Error{Kind: rpc.ErrKindErrorResponse, Code: resp.Code, Reason: resp.Message}
			return
		}

		ev := rpc.HandlerEvent[RequestID]{Kind: rpc.HandlerResponse, Protocol: proto, ID: id, Response: resp}
		if !r.post(ctx, transportEvent{peer: pid, conn: conn, ev: ev}) {
			return
		}
	}

	// we have the data that we want, so ignore error here
	_ = s.Close()

	if proto.MultiChunk() {
		r.post(ctx, transportEvent{
			peer: pid,
			conn: conn,
			ev:   rpc.HandlerEvent[RequestID]{Kind: rpc.HandlerEndOfStream, Protocol: proto, ID: id},
		})
	}
}

// runGoodbye sends a goodbye and closes all connections to the peer.
func (r *ReqResp) runGoodbye(ctx context.Context, pid peer.ID, reason rpc.GoodbyeReason) {
	defer logDeferErr(func() error { return r.host.Network().ClosePeer(pid) }, "Failed closing peer connections")

	r.log.Debug("Sending goodbye", tele.LogAttrPeerID(pid), "reason", reason.String())

	timeoutCtx, cancel := context.WithTimeout(ctx, r.cfg.WriteTimeout)
	defer cancel()

	s, err := r.host.NewStream(network.WithNoDial(timeoutCtx, "goodbye"), pid, r.codec.protocolID(rpc.ProtocolGoodbye))
	if err != nil {
		return
	}
	defer logDeferErr(s.Reset, "failed closing stream")

	if err := r.codec.writeRequest(timeoutCtx, s, reason); err != nil {
		r.log.Debug("Failed sending goodbye", tele.LogAttrPeerID(pid), tele.LogAttrError(err))
	}
}

// logDeferErr executes the given function and logs the given error message
// in case of an error.
func logDeferErr(fn func() error, onErrMsg string) {
	if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn(onErrMsg, tele.LogAttrError(err))
	}
}
