package rpcserver

import "context"

// ChainSpecAPI serves the chainSpec_v1_ methods.
type ChainSpecAPI struct {
	*backend
}

func (api *ChainSpecAPI) V1_chainName() string {
	return api.chain.SystemChain()
}

func (api *ChainSpecAPI) V1_genesisHash(ctx context.Context) (string, error) {
	hash, err := api.chain.BlockHashAt(ctx, 0)
	if err != nil {
		return "", toError(err)
	}
	return hash.Hex(), nil
}

func (api *ChainSpecAPI) V1_properties(ctx context.Context) (map[string]any, error) {
	properties, err := api.chain.Properties(ctx)
	if err != nil {
		return nil, toError(err)
	}
	return properties, nil
}
