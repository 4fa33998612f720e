package rpc

import (
	"fmt"

	"github.com/OffchainLabs/prysm/v6/consensus-types/primitives"

	"github.com/probe-lab/beacon-sync/beacon"
)

// MaxBlobsPerBlock is the Deneb limit of blob sidecars per block.
const MaxBlobsPerBlock = 6

// Request is a req/resp request, inbound or outbound.
type Request interface {
	Protocol() Protocol
	// MaxResponses is the number of response chunks the request may yield.
	MaxResponses() uint64
}

// StatusMessage is exchanged by both sides right after connecting.
type StatusMessage struct {
	ForkDigest [4]byte
	beacon.SyncInfo
}

func (StatusMessage) Protocol() Protocol   { return ProtocolStatus }
func (StatusMessage) MaxResponses() uint64 { return 1 }

// GoodbyeReason is sent before closing a connection on purpose.
type GoodbyeReason uint64

const (
	GoodbyeClientShutdown    GoodbyeReason = 1
	GoodbyeIrrelevantNetwork GoodbyeReason = 2
	GoodbyeFault             GoodbyeReason = 3
	GoodbyeUnableToVerify    GoodbyeReason = 128
	GoodbyeTooManyPeers      GoodbyeReason = 129
	GoodbyeBadScore          GoodbyeReason = 250
	GoodbyeBanned            GoodbyeReason = 251
	GoodbyeBannedIP          GoodbyeReason = 252
	GoodbyeUnknown           GoodbyeReason = 0
)

func (GoodbyeReason) Protocol() Protocol   { return ProtocolGoodbye }
func (GoodbyeReason) MaxResponses() uint64 { return 0 }

func (r GoodbyeReason) String() string {
	switch r {
	case GoodbyeClientShutdown:
		return "client shutdown"
	case GoodbyeIrrelevantNetwork:
		return "irrelevant network"
	case GoodbyeFault:
		return "fault/error"
	case GoodbyeUnableToVerify:
		return "unable to verify network"
	case GoodbyeTooManyPeers:
		return "too many peers"
	case GoodbyeBadScore:
		return "bad score"
	case GoodbyeBanned:
		return "banned"
	case GoodbyeBannedIP:
		return "banned ip"
	default:
		return "unknown"
	}
}

type BlocksByRangeRequest struct {
	StartSlot primitives.Slot
	Count     uint64
	Step      uint64
}

func (BlocksByRangeRequest) Protocol() Protocol { return ProtocolBlocksByRange }
func (r BlocksByRangeRequest) MaxResponses() uint64 {
	return r.Count
}

type BlocksByRootRequest struct {
	Roots []beacon.Root
}

func (BlocksByRootRequest) Protocol() Protocol { return ProtocolBlocksByRoot }
func (r BlocksByRootRequest) MaxResponses() uint64 {
	return uint64(len(r.Roots))
}

type BlobsByRangeRequest struct {
	StartSlot primitives.Slot
	Count     uint64
}

func (BlobsByRangeRequest) Protocol() Protocol { return ProtocolBlobsByRange }
func (r BlobsByRangeRequest) MaxResponses() uint64 {
	return r.Count * MaxBlobsPerBlock
}

type BlobsByRootRequest struct {
	BlobIDs []beacon.BlobIdentifier
}

func (BlobsByRootRequest) Protocol() Protocol { return ProtocolBlobsByRoot }
func (r BlobsByRootRequest) MaxResponses() uint64 {
	return uint64(len(r.BlobIDs))
}

type PingRequest struct {
	Data uint64
}

func (PingRequest) Protocol() Protocol   { return ProtocolPing }
func (PingRequest) MaxResponses() uint64 { return 1 }

type MetaDataRequest struct{}

func (MetaDataRequest) Protocol() Protocol   { return ProtocolMetaData }
func (MetaDataRequest) MaxResponses() uint64 { return 1 }

// Response is a single chunk of a response. A success chunk without payload
// terminates a multi-chunk stream.
type Response struct {
	Protocol Protocol
	Code     ResponseCode
	Message  string
	Payload  any
}

func SuccessResponse(p Protocol, payload any) Response {
	return Response{Protocol: p, Code: CodeSuccess, Payload: payload}
}

func ErrorResponse(p Protocol, code ResponseCode, msg string) Response {
	return Response{Protocol: p, Code: code, Message: msg}
}

func StreamTermination(p Protocol) Response {
	return Response{Protocol: p, Code: CodeSuccess}
}

// IsStreamTermination reports whether r ends a multi-chunk stream.
func (r Response) IsStreamTermination() bool {
	return r.Code == CodeSuccess && r.Payload == nil
}

// IsLast reports whether no further chunk follows r on its stream.
func (r Response) IsLast() bool {
	return r.Code != CodeSuccess || r.IsStreamTermination() || !r.Protocol.MultiChunk()
}

func (r Response) String() string {
	switch {
	case r.Code != CodeSuccess:
		return fmt.Sprintf("%s error %s: %s", r.Protocol, r.Code, r.Message)
	case r.Payload == nil:
		return fmt.Sprintf("%s stream termination", r.Protocol)
	default:
		return fmt.Sprintf("%s %T", r.Protocol, r.Payload)
	}
}
