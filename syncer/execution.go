package syncer

import (
	"log/slog"
	"sync"

	"github.com/probe-lab/beacon-sync/tele"
)

// ExecutionState is the connection state of the execution layer.
type ExecutionState uint8

const (
	// ExecutionDisabled means the chain has no execution layer.
	ExecutionDisabled ExecutionState = iota
	ExecutionOnline
	ExecutionOffline
)

func (s ExecutionState) String() string {
	switch s {
	case ExecutionOnline:
		return "online"
	case ExecutionOffline:
		return "offline"
	default:
		return "disabled"
	}
}

// ExecutionLayer hands out a notifier that fires once the execution layer
// is reachable again. It returns false if a notifier is already pending.
type ExecutionLayer interface {
	OnlineNotifier() (<-chan struct{}, bool)
}

// ExecutionStatusHandler shares the execution layer state between the
// components that process blocks and the [Manager]. It is safe for
// concurrent use.
type ExecutionStatusHandler struct {
	mu    sync.RWMutex
	state ExecutionState

	offlineC chan struct{}
	log      *slog.Logger
}

// NewExecutionStatusHandler returns the handler. The [Manager] listens
// on the returned channel for the offline transitions.
func NewExecutionStatusHandler(state ExecutionState, log *slog.Logger) (*ExecutionStatusHandler, <-chan struct{}) {
	h := &ExecutionStatusHandler{
		state:    state,
		offlineC: make(chan struct{}, 1),
		log:      log,
	}
	return h, h.offlineC
}

func (h *ExecutionStatusHandler) Status() ExecutionState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Offline flips an online execution layer to offline. The state only
// changes if the manager could be notified, so that no transition is
// lost.
func (h *ExecutionStatusHandler) Offline() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != ExecutionOnline {
		return
	}

	select {
	case h.offlineC <- struct{}{}:
		h.state = ExecutionOffline
	default:
		h.log.Error("Failed to notify sync manager of offline execution layer", tele.LogAttrCrit())
	}
}

// Online marks the execution layer as reachable.
func (h *ExecutionStatusHandler) Online() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = ExecutionOnline
}
