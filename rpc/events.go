package rpc

import (
	"github.com/libp2p/go-libp2p/core/peer"
)

// HandlerEventKind enumerates what a connection handler reports to the
// [Behaviour].
type HandlerEventKind uint8

const (
	// HandlerRequest is an inbound request on a new substream.
	HandlerRequest HandlerEventKind = iota
	// HandlerResponse is a response chunk for one of our requests.
	HandlerResponse
	// HandlerEndOfStream marks one of our requests as completed.
	HandlerEndOfStream
	// HandlerErrInbound is a failure while serving an inbound request.
	HandlerErrInbound
	// HandlerErrOutbound is a failure of one of our requests.
	HandlerErrOutbound
	// HandlerClose asks for all connections to the peer to be closed.
	HandlerClose
)

func (k HandlerEventKind) String() string {
	switch k {
	case HandlerRequest:
		return "request"
	case HandlerResponse:
		return "response"
	case HandlerEndOfStream:
		return "end_of_stream"
	case HandlerErrInbound:
		return "inbound_err"
	case HandlerErrOutbound:
		return "outbound_err"
	case HandlerClose:
		return "handler_close"
	default:
		return "unknown"
	}
}

// HandlerEvent is produced by a connection handler. Which fields are set
// depends on Kind.
type HandlerEvent[Id comparable] struct {
	Kind      HandlerEventKind
	Protocol  Protocol
	Substream SubstreamID
	ID        Id
	Request   Request
	Response  Response
	Err       error
}

// ActionKind enumerates the instructions the [Behaviour] hands to the
// transport.
type ActionKind uint8

const (
	// ActionNotifyHandler delivers Send to a connection handler.
	ActionNotifyHandler ActionKind = iota
	// ActionGenerateEvent delivers Message to the application.
	ActionGenerateEvent
	// ActionCloseConnection closes all connections to Peer.
	ActionCloseConnection
)

// SendKind enumerates what a connection handler is asked to put on the wire.
type SendKind uint8

const (
	SendRequest SendKind = iota
	SendResponse
	SendShutdown
)

// Send is the payload of an [ActionNotifyHandler].
type Send[Id comparable] struct {
	Kind      SendKind
	ID        Id
	Request   Request
	Substream SubstreamID
	Response  Response
	Reason    GoodbyeReason
}

// Message is the payload of an [ActionGenerateEvent].
type Message[Id comparable] struct {
	Peer  peer.ID
	Conn  ConnectionID
	Event HandlerEvent[Id]
}

// Action is emitted by [Behaviour.Poll].
type Action[Id comparable] struct {
	Kind ActionKind
	Peer peer.ID
	// Conn is the connection a notification is bound to. An empty value
	// lets the transport pick any connection.
	Conn    ConnectionID
	Send    Send[Id]
	Message Message[Id]
}

func requestAction[Id comparable](pid peer.ID, id Id, req Request) Action[Id] {
	return Action[Id]{
		Kind: ActionNotifyHandler,
		Peer: pid,
		Send: Send[Id]{Kind: SendRequest, ID: id, Request: req},
	}
}

func responseAction[Id comparable](pid peer.ID, inbound InboundID, resp Response) Action[Id] {
	return Action[Id]{
		Kind: ActionNotifyHandler,
		Peer: pid,
		Conn: inbound.Conn,
		Send: Send[Id]{Kind: SendResponse, Substream: inbound.Substream, Response: resp},
	}
}

func outboundErrAction[Id comparable](pid peer.ID, conn ConnectionID, id Id, proto Protocol, err error) Action[Id] {
	return Action[Id]{
		Kind: ActionGenerateEvent,
		Peer: pid,
		Message: Message[Id]{
			Peer: pid,
			Conn: conn,
			Event: HandlerEvent[Id]{
				Kind:     HandlerErrOutbound,
				ID:       id,
				Protocol: proto,
				Err:      err,
			},
		},
	}
}
