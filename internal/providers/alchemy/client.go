package alchemy

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	clierr "github.com/ggonzalez94/defi-agent/internal/errors"
	"github.com/ggonzalez94/defi-agent/internal/httpx"
	"github.com/ggonzalez94/defi-agent/internal/id"
	"github.com/ggonzalez94/defi-agent/internal/logging"
	"github.com/ggonzalez94/defi-agent/internal/model"
	"github.com/ggonzalez94/defi-agent/internal/providers"
	"github.com/ggonzalez94/defi-agent/internal/registry"
)

const (
	keyEnvVar    = "DEFI_AGENT_ALCHEMY_API_KEY"
	nftPageSize  = 100
	maxNFTPages  = 10
	maxBalancePg = 10
)

type Client struct {
	http   *httpx.Client
	apiKey string
	logger *zap.Logger

	rpcURL func(network string) (string, error)
	nftURL func(network string) (string, error)

	mu      sync.Mutex
	clients map[string]*rpc.Client
}

func New(httpClient *httpx.Client, apiKey string, logger *zap.Logger) *Client {
	apiKey = strings.TrimSpace(apiKey)
	return &Client{
		http:    httpClient,
		apiKey:  apiKey,
		logger:  logging.OrNop(logger).Named("alchemy"),
		rpcURL:  func(network string) (string, error) { return registry.AlchemyBaseURL(network, apiKey) },
		nftURL:  func(network string) (string, error) { return registry.AlchemyNFTBaseURL(network, apiKey) },
		clients: map[string]*rpc.Client{},
	}
}

// WithBaseURLs pins the JSON-RPC and NFT API roots regardless of network.
func (c *Client) WithBaseURLs(rpcURL, nftURL string) *Client {
	c.rpcURL = func(string) (string, error) { return rpcURL, nil }
	c.nftURL = func(string) (string, error) { return strings.TrimRight(nftURL, "/"), nil }
	return c
}

func (c *Client) Info() model.ProviderInfo {
	return model.ProviderInfo{
		Name:          "alchemy",
		Type:          "wallet",
		RequiresKey:   true,
		KeyEnvVarName: keyEnvVar,
		Capabilities: []string{
			"wallet.balances",
			"wallet.nfts",
		},
		CapabilityAuth: []model.ProviderCapabilityAuth{
			{Capability: "wallet.balances", KeyEnvVar: keyEnvVar},
			{Capability: "wallet.nfts", KeyEnvVar: keyEnvVar},
		},
	}
}

type tokenBalancesResult struct {
	Address       string `json:"address"`
	TokenBalances []struct {
		ContractAddress string  `json:"contractAddress"`
		TokenBalance    *string `json:"tokenBalance"`
		Error           any     `json:"error"`
	} `json:"tokenBalances"`
	PageKey string `json:"pageKey"`
}

// Balances reads the native balance and all ERC-20 balances in one JSON-RPC batch.
// Zero balances are dropped.
func (c *Client) Balances(ctx context.Context, chain id.Chain, owner common.Address) (*big.Int, []providers.TokenBalance, error) {
	client, err := c.rpcClient(ctx, chain)
	if err != nil {
		return nil, nil, err
	}
	var (
		native hexutil.Big
		tokens tokenBalancesResult
	)
	batch := []rpc.BatchElem{
		{Method: "eth_getBalance", Args: []interface{}{owner, "latest"}, Result: &native},
		{Method: "alchemy_getTokenBalances", Args: []interface{}{owner, "erc20"}, Result: &tokens},
	}
	if err := client.BatchCallContext(ctx, batch); err != nil {
		return nil, nil, clierr.Wrap(clierr.CodeUnavailable, "alchemy balance batch", err)
	}
	for _, elem := range batch {
		if elem.Error != nil {
			return nil, nil, clierr.Wrap(clierr.CodeUnavailable, elem.Method, elem.Error)
		}
	}

	balances := collectBalances(nil, tokens)
	for page := 1; tokens.PageKey != "" && page < maxBalancePg; page++ {
		next := tokenBalancesResult{}
		opts := map[string]string{"pageKey": tokens.PageKey}
		if err := client.CallContext(ctx, &next, "alchemy_getTokenBalances", owner, "erc20", opts); err != nil {
			return nil, nil, clierr.Wrap(clierr.CodeUnavailable, "alchemy_getTokenBalances page", err)
		}
		balances = collectBalances(balances, next)
		tokens = next
	}
	return native.ToInt(), balances, nil
}

type nftResponse struct {
	OwnedNFTs []struct {
		Contract struct {
			Address string `json:"address"`
			Name    string `json:"name"`
		} `json:"contract"`
		TokenID   string `json:"tokenId"`
		TokenType string `json:"tokenType"`
		Name      string `json:"name"`
		Balance   string `json:"balance"`
	} `json:"ownedNfts"`
	PageKey string `json:"pageKey"`
}

// NFTs pages through getNFTsForOwner.
func (c *Client) NFTs(ctx context.Context, chain id.Chain, owner common.Address) ([]model.WalletNFT, error) {
	if chain.AlchemyNetwork == "" {
		return nil, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("alchemy does not index %s", chain.Slug))
	}
	base, err := c.nftURL(chain.AlchemyNetwork)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeAuth, "alchemy nft endpoint", err)
	}
	out := []model.WalletNFT{}
	pageKey := ""
	for page := 0; page < maxNFTPages; page++ {
		params := url.Values{}
		params.Set("owner", owner.Hex())
		params.Set("withMetadata", "true")
		params.Set("pageSize", fmt.Sprint(nftPageSize))
		if pageKey != "" {
			params.Set("pageKey", pageKey)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/getNFTsForOwner?"+params.Encode(), nil)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeInternal, "build alchemy nft request", err)
		}
		var resp nftResponse
		if _, err := c.http.DoJSON(ctx, req, &resp); err != nil {
			return nil, err
		}
		for _, nft := range resp.OwnedNFTs {
			out = append(out, model.WalletNFT{
				Chain:           chain.Slug,
				ContractAddress: nft.Contract.Address,
				TokenID:         nft.TokenID,
				Name:            nft.Name,
				Collection:      nft.Contract.Name,
				TokenType:       nft.TokenType,
				Balance:         nft.Balance,
			})
		}
		if resp.PageKey == "" {
			return out, nil
		}
		pageKey = resp.PageKey
	}
	c.logger.Warn("nft listing truncated", zap.String("chain", chain.Slug), zap.Int("pages", maxNFTPages))
	return out, nil
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, client := range c.clients {
		client.Close()
		delete(c.clients, key)
	}
}

func (c *Client) rpcClient(ctx context.Context, chain id.Chain) (*rpc.Client, error) {
	if chain.AlchemyNetwork == "" {
		return nil, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("alchemy does not index %s", chain.Slug))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.clients[chain.AlchemyNetwork]; ok {
		return client, nil
	}
	endpoint, err := c.rpcURL(chain.AlchemyNetwork)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeAuth, "alchemy rpc endpoint", err)
	}
	client, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "connect alchemy rpc", err)
	}
	c.clients[chain.AlchemyNetwork] = client
	return client, nil
}

func collectBalances(into []providers.TokenBalance, res tokenBalancesResult) []providers.TokenBalance {
	for _, tb := range res.TokenBalances {
		if tb.Error != nil || tb.TokenBalance == nil || !common.IsHexAddress(tb.ContractAddress) {
			continue
		}
		raw := strings.TrimPrefix(strings.TrimSpace(*tb.TokenBalance), "0x")
		if raw == "" {
			continue
		}
		balance, ok := new(big.Int).SetString(raw, 16)
		if !ok || balance.Sign() <= 0 {
			continue
		}
		into = append(into, providers.TokenBalance{Contract: common.HexToAddress(tb.ContractAddress).Hex(), Balance: balance})
	}
	return into
}
