package registry

import (
	"fmt"
	"strings"
)

// Public fallbacks per EVM chain id, tried in order after any configured endpoint.
var publicRPCs = map[int64][]string{
	1:     {"https://eth.llamarpc.com", "https://ethereum-rpc.publicnode.com"},
	10:    {"https://mainnet.optimism.io", "https://optimism-rpc.publicnode.com"},
	56:    {"https://bsc-dataseed.binance.org", "https://bsc-rpc.publicnode.com"},
	137:   {"https://polygon-rpc.com", "https://polygon-bor-rpc.publicnode.com"},
	8453:  {"https://mainnet.base.org", "https://base-rpc.publicnode.com"},
	42161: {"https://arb1.arbitrum.io/rpc", "https://arbitrum-one-rpc.publicnode.com"},
	43114: {"https://api.avax.network/ext/bc/C/rpc", "https://avalanche-c-chain-rpc.publicnode.com"},
}

// RPCEndpoints lists the endpoints to dial for chainID. A configured override comes first;
// comma-separated overrides keep their order. Public endpoints follow.
func RPCEndpoints(override string, chainID int64) ([]string, error) {
	var out []string
	seen := map[string]bool{}
	add := func(u string) {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			return
		}
		seen[u] = true
		out = append(out, u)
	}
	for _, u := range strings.Split(override, ",") {
		add(u)
	}
	for _, u := range publicRPCs[chainID] {
		add(u)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no rpc endpoint known for chain id %d; set rpc_urls in config", chainID)
	}
	return out, nil
}
