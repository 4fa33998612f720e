package syncer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionStatusHandler(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		h, listener := NewExecutionStatusHandler(ExecutionDisabled, discardLogger())
		h.Offline()
		assert.Equal(t, ExecutionDisabled, h.Status())
		assert.Empty(t, listener)
	})

	t.Run("offline once", func(t *testing.T) {
		h, listener := NewExecutionStatusHandler(ExecutionOnline, discardLogger())

		h.Offline()
		h.Offline()
		assert.Equal(t, ExecutionOffline, h.Status())
		require.Len(t, listener, 1)

		<-listener
		h.Online()
		assert.Equal(t, ExecutionOnline, h.Status())
	})

	t.Run("listener busy", func(t *testing.T) {
		h, listener := NewExecutionStatusHandler(ExecutionOnline, discardLogger())

		h.Offline()
		h.Online()
		// the first signal was not consumed, the state stays online
		h.Offline()
		assert.Equal(t, ExecutionOnline, h.Status())
		assert.Len(t, listener, 1)
	})
}
