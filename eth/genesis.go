package eth

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/OffchainLabs/prysm/v6/beacon-chain/core/signing"
	"github.com/OffchainLabs/prysm/v6/config/params"
)

// ForkDigest is the 4-byte digest that scopes topics and req/resp context
// bytes to a fork of a network.
type ForkDigest [4]byte

func (fd ForkDigest) String() string {
	return hex.EncodeToString(fd[:])
}

// GenesisConfig represents the Genesis configuration with the Merkle Root
// at Genesis and the Time at Genesis.
type GenesisConfig struct {
	GenesisValidatorRoot []byte    // Merkle Root at Genesis
	GenesisTime          time.Time // Time at Genesis
}

// GetConfigsByNetworkName returns the GenesisConfig and BeaconChainConfig
// of the given network.
func GetConfigsByNetworkName(net string) (*GenesisConfig, *params.BeaconChainConfig, error) {
	switch net {
	case params.MainnetName:
		return GenesisConfigs[net], params.MainnetConfig(), nil
	case params.SepoliaName:
		return GenesisConfigs[net], params.SepoliaConfig(), nil
	case params.HoleskyName:
		return GenesisConfigs[net], params.HoleskyConfig(), nil
	default:
		return nil, nil, fmt.Errorf("network %s not found", net)
	}
}

var GenesisConfigs = map[string]*GenesisConfig{
	params.MainnetName: {
		GenesisValidatorRoot: hexToBytes("4b363db94e286120d76eb905340fdd4e54bfe9f06bf33ff6cf5ad27f511bfe95"),
		GenesisTime:          time.Unix(1606824023, 0),
	},
	params.SepoliaName: {
		GenesisValidatorRoot: hexToBytes("d8ea171f3c94aea21ebc42a1ed61052acf3f9209c00e4efbaaddac09ed9b8078"),
		GenesisTime:          time.Unix(1655733600, 0),
	},
	params.HoleskyName: {
		GenesisValidatorRoot: hexToBytes("9143aa7c615a7f7115e2b6aac319c03529df8242ae705fba9df39b79c59fa8b1"),
		GenesisTime:          time.Unix(1695902400, 0),
	},
}

func hexToBytes(s string) []byte {
	data, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return data
}

// DenebForkDigest computes the digest under which Deneb blocks and blobs
// are exchanged.
func DenebForkDigest(genesis *GenesisConfig, beaconCfg *params.BeaconChainConfig) (ForkDigest, error) {
	digest, err := signing.ComputeForkDigest(beaconCfg.DenebForkVersion, genesis.GenesisValidatorRoot)
	if err != nil {
		return ForkDigest{}, fmt.Errorf("compute deneb fork digest: %w", err)
	}
	return ForkDigest(digest), nil
}
