package beacon

import (
	"bytes"
	"testing"

	ethpb "github.com/OffchainLabs/prysm/v6/proto/prysm/v1alpha1"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHeader() *ethpb.BeaconBlockHeader {
	return &ethpb.BeaconBlockHeader{
		Slot:          42,
		ProposerIndex: 7,
		ParentRoot:    bytes.Repeat([]byte{0x01}, 32),
		StateRoot:     bytes.Repeat([]byte{0x02}, 32),
		BodyRoot:      bytes.Repeat([]byte{0x03}, 32),
	}
}

func TestNewBlobSidecar(t *testing.T) {
	hdr := testHeader()
	raw := &ethpb.BlobSidecar{
		Index:             3,
		SignedBlockHeader: &ethpb.SignedBeaconBlockHeader{Header: hdr, Signature: make([]byte, 96)},
	}

	sc, err := NewBlobSidecar(raw)
	require.NoError(t, err)

	want, err := hdr.HashTreeRoot()
	require.NoError(t, err)

	assert.Equal(t, Root(want), sc.BlockRoot)
	assert.Equal(t, common.BytesToHash(hdr.ParentRoot), sc.BlockParentRoot)
	assert.EqualValues(t, 42, sc.Slot)
	assert.Equal(t, BlobIdentifier{BlockRoot: want, Index: 3}, sc.ID())
}

func TestNewBlobSidecar_missingHeader(t *testing.T) {
	_, err := NewBlobSidecar(&ethpb.BlobSidecar{Index: 1})
	assert.Error(t, err)

	_, err = NewBlobSidecar(nil)
	assert.Error(t, err)
}

func TestNewDenebBlock_incomplete(t *testing.T) {
	_, err := NewDenebBlock(&ethpb.SignedBeaconBlockDeneb{})
	assert.Error(t, err)
}

func TestBlockWrapper_IsAvailable(t *testing.T) {
	root := common.HexToHash("0xaa")
	blob := func(idx uint64) *BlobSidecar { return &BlobSidecar{BlockRoot: root, Index: idx} }

	tests := []struct {
		name    string
		count   int
		blobs   []*BlobSidecar
		wantAvl bool
	}{
		{name: "no commitments", count: 0, wantAvl: true},
		{name: "all blobs", count: 2, blobs: []*BlobSidecar{blob(0), blob(1)}, wantAvl: true},
		{name: "missing blob", count: 2, blobs: []*BlobSidecar{blob(1), nil}, wantAvl: false},
		{name: "duplicate blob", count: 2, blobs: []*BlobSidecar{blob(0), blob(0)}, wantAvl: false},
		{name: "foreign blob", count: 1, blobs: []*BlobSidecar{{BlockRoot: common.HexToHash("0xbb")}}, wantAvl: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := BlockWrapper{
				Block: &BlockHeader{HeaderRoot: root, Commitments: tt.count},
				Blobs: tt.blobs,
			}
			assert.Equal(t, tt.wantAvl, w.IsAvailable())
		})
	}
}

func TestPeerAction_String(t *testing.T) {
	assert.Equal(t, "low_tolerance_error", LowToleranceError.String())
	assert.Equal(t, "mid_tolerance_error", MidToleranceError.String())
	assert.Equal(t, "peer_action(9)", PeerAction(9).String())
}
