package rpcserver

import (
	"context"

	"github.com/crytic/subfork/chain/types"
	"github.com/crytic/subfork/version"
)

const (
	nodeName = "subfork"

	// chainTypeDevelopment is reported for every fork. Forks never talk to peers.
	chainTypeDevelopment = "Development"

	// localPeerId is a fixed libp2p peer id. The fork has no network identity.
	localPeerId = "12D3KooWSubforkLocalNode0000000000000000000000000000"
)

// SystemAPI serves the system_ namespace.
type SystemAPI struct {
	*backend
}

// Health describes the sync state of the node.
type Health struct {
	Peers           int  `json:"peers"`
	IsSyncing       bool `json:"isSyncing"`
	ShouldHavePeers bool `json:"shouldHavePeers"`
}

func (api *SystemAPI) Name() string {
	return nodeName
}

func (api *SystemAPI) Version() string {
	return version.GetInfo().NodeVersion()
}

// Chain returns the chain name reported by the origin.
func (api *SystemAPI) Chain() string {
	return api.chain.SystemChain()
}

func (api *SystemAPI) ChainType() string {
	return chainTypeDevelopment
}

// Properties returns the chain properties of the origin.
func (api *SystemAPI) Properties(ctx context.Context) (map[string]any, error) {
	properties, err := api.chain.Properties(ctx)
	if err != nil {
		return nil, toError(err)
	}
	return properties, nil
}

func (api *SystemAPI) Health() Health {
	return Health{}
}

func (api *SystemAPI) LocalPeerId() string {
	return localPeerId
}

func (api *SystemAPI) NodeRoles() []string {
	return []string{"Full"}
}

// LocalListenAddresses returns no addresses since the fork does not listen for peers.
func (api *SystemAPI) LocalListenAddresses() []string {
	return []string{}
}

// AccountNextIndex returns the nonce of an account at the head. Pending extrinsics are not taken into account.
func (api *SystemAPI) AccountNextIndex(ctx context.Context, address string) (uint32, error) {
	account, err := parseAccount(address)
	if err != nil {
		return 0, err
	}
	info, found, err := api.chain.Storage(ctx, types.AccountStorageKey(account))
	if err != nil {
		return 0, toError(err)
	}
	if !found {
		return 0, nil
	}
	nonce, err := types.AccountNonce(info)
	if err != nil {
		return 0, toError(err)
	}
	return nonce, nil
}
