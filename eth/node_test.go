package eth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probe-lab/beacon-sync/beacon"
	"github.com/probe-lab/beacon-sync/rpc"
)

func TestNewNode(t *testing.T) {
	n, err := NewNode(testNodeConfig())
	require.NoError(t, err)
	defer logDeferErr(n.host.Close, "Failed closing libp2p host")

	assert.Len(t, n.pubSub.CoreTopics(), 6+int(n.cfg.BeaconConfig.BlobsidecarSubnetCount))
	assert.Equal(t, n.chain.SyncInfo(), n.reqResp.localStatus().SyncInfo)
}

func TestNode_ReportPeer(t *testing.T) {
	n, err := NewNode(testNodeConfig())
	require.NoError(t, err)
	defer logDeferErr(n.host.Close, "Failed closing libp2p host")

	n.ReportPeer("remote", beacon.HighToleranceError, "slow")
	assert.Empty(t, n.reqResp.cmdC)

	n.ReportPeer("remote", beacon.Fatal, "invalid block")
	assert.True(t, n.scorer.IsBanned("remote"))
	require.Len(t, n.reqResp.cmdC, 1)

	cmd := <-n.reqResp.cmdC
	assert.Equal(t, cmdShutdown, cmd.kind)
	assert.Equal(t, rpc.GoodbyeBanned, cmd.reason)
}
