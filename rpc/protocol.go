// Package rpc implements the rate limiting layer of the eth2 request/response
// domain. It decides when inbound responses and outbound requests may hit the
// wire and turns the lifecycle of requests into events for the application.
// It does not perform any I/O itself; a transport driver feeds it handler
// events and executes the actions it emits.
package rpc

import (
	"errors"
	"fmt"
)

// Protocol identifies a req/resp method independent of its version and
// encoding.
type Protocol uint8

const (
	ProtocolStatus Protocol = iota
	ProtocolGoodbye
	ProtocolBlocksByRange
	ProtocolBlocksByRoot
	ProtocolBlobsByRange
	ProtocolBlobsByRoot
	ProtocolPing
	ProtocolMetaData
)

// Protocols lists all supported protocols.
var Protocols = []Protocol{
	ProtocolStatus,
	ProtocolGoodbye,
	ProtocolBlocksByRange,
	ProtocolBlocksByRoot,
	ProtocolBlobsByRange,
	ProtocolBlobsByRoot,
	ProtocolPing,
	ProtocolMetaData,
}

func (p Protocol) String() string {
	switch p {
	case ProtocolStatus:
		return "status"
	case ProtocolGoodbye:
		return "goodbye"
	case ProtocolBlocksByRange:
		return "beacon_blocks_by_range"
	case ProtocolBlocksByRoot:
		return "beacon_blocks_by_root"
	case ProtocolBlobsByRange:
		return "blob_sidecars_by_range"
	case ProtocolBlobsByRoot:
		return "blob_sidecars_by_root"
	case ProtocolPing:
		return "ping"
	case ProtocolMetaData:
		return "metadata"
	default:
		return fmt.Sprintf("protocol(%d)", uint8(p))
	}
}

// MultiChunk reports whether responses of this protocol are streamed as a
// sequence of chunks that ends with a stream termination.
func (p Protocol) MultiChunk() bool {
	switch p {
	case ProtocolBlocksByRange, ProtocolBlocksByRoot, ProtocolBlobsByRange, ProtocolBlobsByRoot:
		return true
	default:
		return false
	}
}

// ResponseCode is the first byte of every response chunk.
type ResponseCode uint8

const (
	CodeSuccess               ResponseCode = 0
	CodeInvalidRequest        ResponseCode = 1
	CodeServerError           ResponseCode = 2
	CodeResourceUnavailable   ResponseCode = 3
	CodeRateLimited           ResponseCode = 139
	CodeBlobsNotFoundForBlock ResponseCode = 140
	CodeUnknown               ResponseCode = 255
)

func (c ResponseCode) String() string {
	switch c {
	case CodeSuccess:
		return "success"
	case CodeInvalidRequest:
		return "invalid_request"
	case CodeServerError:
		return "server_error"
	case CodeResourceUnavailable:
		return "resource_unavailable"
	case CodeRateLimited:
		return "rate_limited"
	case CodeBlobsNotFoundForBlock:
		return "blobs_not_found_for_block"
	default:
		return "unknown"
	}
}

// ErrorKind classifies failures of a single request.
type ErrorKind uint8

const (
	ErrKindIO ErrorKind = iota
	ErrKindDecode
	ErrKindStreamTimeout
	ErrKindUnsupportedProtocol
	ErrKindIncompleteStream
	ErrKindInvalidData
	ErrKindInternal
	ErrKindErrorResponse
	ErrKindNegotiationTimeout
	ErrKindHandlerRejected
	ErrKindDisconnected
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindIO:
		return "io_error"
	case ErrKindDecode:
		return "decode_error"
	case ErrKindStreamTimeout:
		return "stream_timeout"
	case ErrKindUnsupportedProtocol:
		return "unsupported_protocol"
	case ErrKindIncompleteStream:
		return "incomplete_stream"
	case ErrKindInvalidData:
		return "invalid_data"
	case ErrKindInternal:
		return "internal_error"
	case ErrKindErrorResponse:
		return "error_response"
	case ErrKindNegotiationTimeout:
		return "negotiation_timeout"
	case ErrKindHandlerRejected:
		return "handler_rejected"
	case ErrKindDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("error_kind(%d)", uint8(k))
	}
}

// Error is the error reported for a failed inbound or outbound request.
type Error struct {
	Kind ErrorKind
	// Code and Reason are set for ErrKindErrorResponse.
	Code   ResponseCode
	Reason string
	Err    error
}

// ErrDisconnected is reported for requests whose peer went away before they
// completed.
var ErrDisconnected = &Error{Kind: ErrKindDisconnected}

func (e *Error) Error() string {
	switch {
	case e.Kind == ErrKindErrorResponse:
		return fmt.Sprintf("error response %s: %s", e.Code, e.Reason)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches errors of the same kind so that errors.Is(err, ErrDisconnected)
// works for wrapped copies.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Kind != ErrKindErrorResponse || t.Code == e.Code)
}
