package tele

import (
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Attributes that can be used with logging or tracing
const (
	AttrKeyError     = "err"
	AttrKeyPeerID    = "peer_id"
	AttrKeyBlockRoot = "block_root"
	AttrKeyChainHash = "chain_hash"
	AttrKeyRequestID = "request_id"
	AttrKeyProtocol  = "protocol"
	AttrKeyCrit      = "crit"
)

func LogAttrError(err error) slog.Attr {
	return slog.Attr{Key: AttrKeyError, Value: slog.AnyValue(err)}
}

func LogAttrPeerID(pid peer.ID) slog.Attr {
	return slog.String(AttrKeyPeerID, pid.String())
}

func LogAttrBlockRoot(root common.Hash) slog.Attr {
	return slog.String(AttrKeyBlockRoot, root.Hex())
}

func LogAttrChainHash(root common.Hash) slog.Attr {
	return slog.String(AttrKeyChainHash, root.Hex())
}

func LogAttrRequestID(id any) slog.Attr {
	return slog.Any(AttrKeyRequestID, id)
}

func LogAttrProtocol(proto string) slog.Attr {
	return slog.String(AttrKeyProtocol, proto)
}

// LogAttrCrit marks a log record as critical. Records carrying this
// attribute indicate a misconfiguration or a broken internal invariant.
func LogAttrCrit() slog.Attr {
	return slog.Bool(AttrKeyCrit, true)
}
