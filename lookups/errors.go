package lookups

import (
	"fmt"
)

// VerifyError is returned when a response does not match what a lookup
// asked for. Its string form is used as the reason when reporting peers.
type VerifyError uint8

const (
	VerifyRootMismatch VerifyError = iota
	VerifyNoBlockReturned
	VerifyExtraBlocksReturned
	VerifyUnrequestedBlobID
	VerifyExtraBlobsReturned
	VerifyInvalidIndex
	VerifyNotEnoughBlobsReturned
	// VerifyPreviousFailure means the block descends from a chain that
	// failed recently.
	VerifyPreviousFailure
	// VerifyBenignFailure is a failed attempt that is not the fault of the
	// peer.
	VerifyBenignFailure
)

func (e VerifyError) Error() string {
	switch e {
	case VerifyRootMismatch:
		return "root_mismatch"
	case VerifyNoBlockReturned:
		return "no_block_returned"
	case VerifyExtraBlocksReturned:
		return "extra_blocks_returned"
	case VerifyUnrequestedBlobID:
		return "unrequested_blob_id"
	case VerifyExtraBlobsReturned:
		return "extra_blobs_returned"
	case VerifyInvalidIndex:
		return "invalid_index"
	case VerifyNotEnoughBlobsReturned:
		return "not_enough_blobs_returned"
	case VerifyPreviousFailure:
		return "previous_failure"
	case VerifyBenignFailure:
		return "benign_failure"
	default:
		return fmt.Sprintf("verify_error(%d)", uint8(e))
	}
}

// RequestErrorKind classifies why no request could be issued.
type RequestErrorKind uint8

const (
	ReqErrTooManyAttempts RequestErrorKind = iota
	ReqErrNoPeers
	ReqErrSendFailed
	// ReqErrChainTooLong is only returned for parent lookups.
	ReqErrChainTooLong
)

func (k RequestErrorKind) String() string {
	switch k {
	case ReqErrTooManyAttempts:
		return "too_many_attempts"
	case ReqErrNoPeers:
		return "no_peers"
	case ReqErrSendFailed:
		return "send_failed"
	case ReqErrChainTooLong:
		return "chain_too_long"
	default:
		return fmt.Sprintf("request_error(%d)", uint8(k))
	}
}

// RequestError is returned when a lookup cannot issue its next request.
type RequestError struct {
	Kind RequestErrorKind
	// CannotProcess is set for ReqErrTooManyAttempts when most attempts
	// failed during processing.
	CannotProcess bool
	Err           error
}

func (e *RequestError) Error() string {
	switch {
	case e.Kind == ReqErrTooManyAttempts:
		return fmt.Sprintf("%s (cannot_process=%t)", e.Kind, e.CannotProcess)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *RequestError) Unwrap() error { return e.Err }
