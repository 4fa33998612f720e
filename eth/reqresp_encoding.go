package eth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/OffchainLabs/prysm/v6/beacon-chain/p2p"
	"github.com/OffchainLabs/prysm/v6/beacon-chain/p2p/encoder"
	"github.com/OffchainLabs/prysm/v6/beacon-chain/p2p/types"
	"github.com/OffchainLabs/prysm/v6/consensus-types/primitives"
	ethpb "github.com/OffchainLabs/prysm/v6/proto/prysm/v1alpha1"
	"github.com/ethereum/go-ethereum/common"
	ssz "github.com/ferranbt/fastssz"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/protocol"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/probe-lab/beacon-sync/beacon"
	"github.com/probe-lab/beacon-sync/rpc"
)

var protocolTopics = map[rpc.Protocol]string{
	rpc.ProtocolStatus:        p2p.RPCStatusTopicV1,
	rpc.ProtocolGoodbye:       p2p.RPCGoodByeTopicV1,
	rpc.ProtocolBlocksByRange: p2p.RPCBlocksByRangeTopicV2,
	rpc.ProtocolBlocksByRoot:  p2p.RPCBlocksByRootTopicV2,
	rpc.ProtocolBlobsByRange:  p2p.RPCBlobSidecarsByRangeTopicV1,
	rpc.ProtocolBlobsByRoot:   p2p.RPCBlobSidecarsByRootTopicV1,
	rpc.ProtocolPing:          p2p.RPCPingTopicV1,
	rpc.ProtocolMetaData:      p2p.RPCMetaDataTopicV2,
}

// hasContextBytes reports whether response chunks of p are prefixed with
// the fork digest.
func hasContextBytes(p rpc.Protocol) bool {
	return p.MultiChunk()
}

// wireCodec reads and writes ssz_snappy framed req/resp messages.
type wireCodec struct {
	enc          encoder.NetworkEncoding
	forkDigest   ForkDigest
	readTimeout  time.Duration
	writeTimeout time.Duration
	tracer       trace.Tracer
}

func (c *wireCodec) protocolID(p rpc.Protocol) protocol.ID {
	return protocol.ID(protocolTopics[p] + c.enc.ProtocolSuffix())
}

func (c *wireCodec) protocolFromID(id protocol.ID) (rpc.Protocol, bool) {
	for p := range protocolTopics {
		if c.protocolID(p) == id {
			return p, true
		}
	}
	return 0, false
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// requestPayload converts req into its wire container. It returns nil for
// requests without a body.
func requestPayload(req rpc.Request) (ssz.Marshaler, error) {
	switch r := req.(type) {
	case rpc.StatusMessage:
		return statusToWire(r), nil
	case rpc.GoodbyeReason:
		v := primitives.SSZUint64(r)
		return &v, nil
	case rpc.PingRequest:
		v := primitives.SSZUint64(r.Data)
		return &v, nil
	case rpc.MetaDataRequest:
		return nil, nil
	case rpc.BlocksByRangeRequest:
		return &ethpb.BeaconBlocksByRangeRequest{StartSlot: r.StartSlot, Count: r.Count, Step: r.Step}, nil
	case rpc.BlocksByRootRequest:
		roots := make(types.BeaconBlockByRootsReq, len(r.Roots))
		for i, root := range r.Roots {
			roots[i] = root
		}
		return &roots, nil
	case rpc.BlobsByRangeRequest:
		return &ethpb.BlobSidecarsByRangeRequest{StartSlot: r.StartSlot, Count: r.Count}, nil
	case rpc.BlobsByRootRequest:
		ids := make(types.BlobSidecarsByRootReq, len(r.BlobIDs))
		for i, id := range r.BlobIDs {
			ids[i] = &ethpb.BlobIdentifier{BlockRoot: id.BlockRoot.Bytes(), Index: id.Index}
		}
		return &ids, nil
	default:
		return nil, fmt.Errorf("unsupported request %T", req)
	}
}

func statusToWire(s rpc.StatusMessage) *ethpb.Status {
	return &ethpb.Status{
		ForkDigest:     bytes.Clone(s.ForkDigest[:]),
		FinalizedRoot:  s.FinalizedRoot.Bytes(),
		FinalizedEpoch: s.FinalizedEpoch,
		HeadRoot:       s.HeadRoot.Bytes(),
		HeadSlot:       s.HeadSlot,
	}
}

func statusFromWire(s *ethpb.Status) rpc.StatusMessage {
	msg := rpc.StatusMessage{
		SyncInfo: beacon.SyncInfo{
			HeadSlot:       s.HeadSlot,
			HeadRoot:       common.BytesToHash(s.HeadRoot),
			FinalizedEpoch: s.FinalizedEpoch,
			FinalizedRoot:  common.BytesToHash(s.FinalizedRoot),
		},
	}
	copy(msg.ForkDigest[:], s.ForkDigest)
	return msg
}

// writeRequest writes the request body, if any, and closes the writing
// side of the stream.
func (c *wireCodec) writeRequest(ctx context.Context, stream network.Stream, req rpc.Request) (err error) {
	_, span := c.tracer.Start(ctx, "write_request")
	defer func() { endSpan(span, err) }()

	if err = stream.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return fmt.Errorf("failed setting write deadline on stream: %w", err)
	}

	data, err := requestPayload(req)
	if err != nil {
		return err
	}

	if data != nil {
		if _, err = c.enc.EncodeWithMaxLength(stream, data); err != nil {
			return fmt.Errorf("write %s request: %w", req.Protocol(), err)
		}
	}

	if err = stream.CloseWrite(); err != nil {
		return fmt.Errorf("failed to close writing side of stream: %w", err)
	}

	return nil
}

// readRequest decodes the request of an inbound stream.
func (c *wireCodec) readRequest(ctx context.Context, stream network.Stream, proto rpc.Protocol) (req rpc.Request, err error) {
	_, span := c.tracer.Start(ctx, "read_request")
	defer func() { endSpan(span, err) }()

	if err = stream.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
		return nil, fmt.Errorf("failed setting read deadline on stream: %w", err)
	}

	switch proto {
	case rpc.ProtocolStatus:
		data := &ethpb.Status{}
		if err = c.enc.DecodeWithMaxLength(stream, data); err == nil {
			req = statusFromWire(data)
		}
	case rpc.ProtocolGoodbye:
		data := new(primitives.SSZUint64)
		if err = c.enc.DecodeWithMaxLength(stream, data); err == nil {
			req = rpc.GoodbyeReason(*data)
		}
	case rpc.ProtocolPing:
		data := new(primitives.SSZUint64)
		if err = c.enc.DecodeWithMaxLength(stream, data); err == nil {
			req = rpc.PingRequest{Data: uint64(*data)}
		}
	case rpc.ProtocolMetaData:
		req = rpc.MetaDataRequest{}
	case rpc.ProtocolBlocksByRange:
		data := &ethpb.BeaconBlocksByRangeRequest{}
		if err = c.enc.DecodeWithMaxLength(stream, data); err == nil {
			req = rpc.BlocksByRangeRequest{StartSlot: data.StartSlot, Count: data.Count, Step: data.Step}
		}
	case rpc.ProtocolBlocksByRoot:
		data := new(types.BeaconBlockByRootsReq)
		if err = c.enc.DecodeWithMaxLength(stream, data); err == nil {
			r := rpc.BlocksByRootRequest{Roots: make([]beacon.Root, len(*data))}
			for i, root := range *data {
				r.Roots[i] = root
			}
			req = r
		}
	case rpc.ProtocolBlobsByRange:
		data := &ethpb.BlobSidecarsByRangeRequest{}
		if err = c.enc.DecodeWithMaxLength(stream, data); err == nil {
			req = rpc.BlobsByRangeRequest{StartSlot: data.StartSlot, Count: data.Count}
		}
	case rpc.ProtocolBlobsByRoot:
		data := new(types.BlobSidecarsByRootReq)
		if err = c.enc.DecodeWithMaxLength(stream, data); err == nil {
			r := rpc.BlobsByRootRequest{BlobIDs: make([]beacon.BlobIdentifier, len(*data))}
			for i, id := range *data {
				r.BlobIDs[i] = beacon.BlobIdentifier{BlockRoot: common.BytesToHash(id.BlockRoot), Index: id.Index}
			}
			req = r
		}
	default:
		return nil, fmt.Errorf("unsupported protocol %s", proto)
	}

	if err != nil {
		return nil, fmt.Errorf("read %s request: %w", proto, err)
	}

	if err = stream.CloseRead(); err != nil {
		return nil, fmt.Errorf("failed to close reading side of stream: %w", err)
	}

	return req, nil
}

func responsePayload(resp rpc.Response) (ssz.Marshaler, error) {
	switch p := resp.Payload.(type) {
	case rpc.StatusMessage:
		return statusToWire(p), nil
	case uint64:
		v := primitives.SSZUint64(p)
		return &v, nil
	case *ethpb.MetaDataV1:
		return p, nil
	case *beacon.DenebBlock:
		return p.Raw(), nil
	case *beacon.BlobSidecar:
		if p.Raw == nil {
			return nil, fmt.Errorf("blob sidecar %s without wire container", p.ID())
		}
		return p.Raw, nil
	default:
		return nil, fmt.Errorf("unsupported %s response payload %T", resp.Protocol, resp.Payload)
	}
}

// writeChunk writes a single response chunk. Stream terminations are
// not written; the caller closes the stream instead.
func (c *wireCodec) writeChunk(ctx context.Context, stream network.Stream, resp rpc.Response) (err error) {
	_, span := c.tracer.Start(ctx, "write_response")
	defer func() { endSpan(span, err) }()

	if err = stream.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return fmt.Errorf("failed setting write deadline on stream: %w", err)
	}

	if resp.Code != rpc.CodeSuccess {
		if _, err = stream.Write([]byte{byte(resp.Code)}); err != nil {
			return fmt.Errorf("write error response code: %w", err)
		}

		msg := types.ErrorMessage(resp.Message)
		if _, err = c.enc.EncodeWithMaxLength(stream, &msg); err != nil {
			return fmt.Errorf("write error message: %w", err)
		}
		return nil
	}

	data, err := responsePayload(resp)
	if err != nil {
		return err
	}

	if _, err = stream.Write([]byte{byte(rpc.CodeSuccess)}); err != nil {
		return fmt.Errorf("write success response code: %w", err)
	}

	if hasContextBytes(resp.Protocol) {
		if _, err = stream.Write(c.forkDigest[:]); err != nil {
			return fmt.Errorf("write context bytes: %w", err)
		}
	}

	if _, err = c.enc.EncodeWithMaxLength(stream, data); err != nil {
		return fmt.Errorf("write %s response: %w", resp.Protocol, err)
	}

	return nil
}

// readChunk reads the next response chunk. It returns io.EOF once the
// remote closed the stream after the last chunk.
func (c *wireCodec) readChunk(ctx context.Context, stream network.Stream, proto rpc.Protocol) (resp rpc.Response, err error) {
	_, span := c.tracer.Start(ctx, "read_response")
	defer func() {
		if errors.Is(err, io.EOF) {
			span.End()
			return
		}
		endSpan(span, err)
	}()

	if err = stream.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
		return resp, fmt.Errorf("failed setting read deadline on stream: %w", err)
	}

	code := make([]byte, 1)
	if _, err = io.ReadFull(stream, code); err != nil {
		if errors.Is(err, io.EOF) {
			return resp, io.EOF
		}
		return resp, fmt.Errorf("failed reading response code: %w", err)
	}

	if rpc.ResponseCode(code[0]) != rpc.CodeSuccess {
		msg := new(types.ErrorMessage)
		if err = c.enc.DecodeWithMaxLength(stream, msg); err != nil {
			return resp, fmt.Errorf("failed reading error data (code %d): %w", code[0], err)
		}
		return rpc.ErrorResponse(proto, rpc.ResponseCode(code[0]), string(*msg)), nil
	}

	if hasContextBytes(proto) {
		digest := make([]byte, len(c.forkDigest))
		if _, err = io.ReadFull(stream, digest); err != nil {
			return resp, fmt.Errorf("read context bytes: %w", err)
		}

		if !bytes.Equal(digest, c.forkDigest[:]) {
			return resp, fmt.Errorf("unrecognized fork digest %#x", digest)
		}
	}

	var payload any
	switch proto {
	case rpc.ProtocolStatus:
		data := &ethpb.Status{}
		if err = c.enc.DecodeWithMaxLength(stream, data); err == nil {
			payload = statusFromWire(data)
		}
	case rpc.ProtocolPing:
		data := new(primitives.SSZUint64)
		if err = c.enc.DecodeWithMaxLength(stream, data); err == nil {
			payload = uint64(*data)
		}
	case rpc.ProtocolMetaData:
		data := &ethpb.MetaDataV1{}
		if err = c.enc.DecodeWithMaxLength(stream, data); err == nil {
			payload = data
		}
	case rpc.ProtocolBlocksByRange, rpc.ProtocolBlocksByRoot:
		data := &ethpb.SignedBeaconBlockDeneb{}
		if err = c.enc.DecodeWithMaxLength(stream, data); err == nil {
			payload, err = beacon.NewDenebBlock(data)
		}
	case rpc.ProtocolBlobsByRange, rpc.ProtocolBlobsByRoot:
		data := &ethpb.BlobSidecar{}
		if err = c.enc.DecodeWithMaxLength(stream, data); err == nil {
			payload, err = beacon.NewBlobSidecar(data)
		}
	default:
		return resp, fmt.Errorf("unsupported protocol %s", proto)
	}

	if err != nil {
		return resp, fmt.Errorf("read %s response: %w", proto, err)
	}

	return rpc.SuccessResponse(proto, payload), nil
}
