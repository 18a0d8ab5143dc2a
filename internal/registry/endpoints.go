package registry

import (
	"fmt"
	"strings"
)

const (
	// Market data and indexing.
	CoinGeckoBaseURL    = "https://api.coingecko.com/api/v3"
	CoinGeckoProBaseURL = "https://pro-api.coingecko.com/api/v3"

	// Swap providers.
	UniswapTradingAPIBaseURL = "https://trade-api.gateway.uniswap.org/v1"
	ZeroExBaseURL            = "https://api.0x.org"
	OneInchBaseURL           = "https://api.1inch.dev"
)

// AlchemyBaseURL returns the JSON-RPC root for an Alchemy network slug.
func AlchemyBaseURL(network, apiKey string) (string, error) {
	network = strings.TrimSpace(network)
	apiKey = strings.TrimSpace(apiKey)
	if network == "" {
		return "", fmt.Errorf("alchemy network is required")
	}
	if apiKey == "" {
		return "", fmt.Errorf("alchemy api key is required")
	}
	return fmt.Sprintf("https://%s.g.alchemy.com/v2/%s", network, apiKey), nil
}

// AlchemyNFTBaseURL returns the NFT API v3 root for an Alchemy network slug.
func AlchemyNFTBaseURL(network, apiKey string) (string, error) {
	network = strings.TrimSpace(network)
	apiKey = strings.TrimSpace(apiKey)
	if network == "" || apiKey == "" {
		return "", fmt.Errorf("alchemy network and api key are required")
	}
	return fmt.Sprintf("https://%s.g.alchemy.com/nft/v3/%s", network, apiKey), nil
}
