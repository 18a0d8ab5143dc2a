package coingecko

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
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
	keyEnvVar = "DEFI_AGENT_COINGECKO_API_KEY"

	// Exact symbol matches inspected before a search gives up.
	maxSearchCandidates = 5
)

type Client struct {
	http    *httpx.Client
	baseURL string
	apiKey  string
	pro     bool
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

func New(httpClient *httpx.Client, apiKey string, pro bool, logger *zap.Logger) *Client {
	logger = logging.OrNop(logger).Named("coingecko")
	baseURL := registry.CoinGeckoBaseURL
	if pro {
		baseURL = registry.CoinGeckoProBaseURL
	}
	settings := gobreaker.Settings{
		Name:        "coingecko",
		MaxRequests: 2,
		Interval:    30 * time.Second,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 4
		},
		// Unknown tokens are answers, not outages.
		IsSuccessful: func(err error) bool {
			return err == nil || clierr.Is(err, clierr.CodeNotFound)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	return &Client{
		http:    httpClient,
		baseURL: baseURL,
		apiKey:  strings.TrimSpace(apiKey),
		pro:     pro,
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
	}
}

func (c *Client) WithBaseURL(baseURL string) *Client {
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

func (c *Client) Info() model.ProviderInfo {
	return model.ProviderInfo{
		Name:          "coingecko",
		Type:          "metadata",
		RequiresKey:   false,
		KeyEnvVarName: keyEnvVar,
		Capabilities: []string{
			"tokens.metadata",
			"tokens.search",
			"tokens.price",
		},
	}
}

type coinResponse struct {
	ID              string            `json:"id"`
	Symbol          string            `json:"symbol"`
	Name            string            `json:"name"`
	Platforms       map[string]string `json:"platforms"`
	DetailPlatforms map[string]struct {
		DecimalPlace    *int   `json:"decimal_place"`
		ContractAddress string `json:"contract_address"`
	} `json:"detail_platforms"`
	MarketData struct {
		CurrentPrice map[string]float64 `json:"current_price"`
	} `json:"market_data"`
}

type searchResponse struct {
	Coins []struct {
		ID     string `json:"id"`
		Symbol string `json:"symbol"`
		Name   string `json:"name"`
	} `json:"coins"`
}

// TokenByAddress looks up a contract on the chain's platform. A 404 surfaces as CodeNotFound.
func (c *Client) TokenByAddress(ctx context.Context, chain id.Chain, address string) (providers.TokenMetadata, error) {
	if chain.CoinGeckoPlatform == "" {
		return providers.TokenMetadata{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("coingecko has no platform for %s", chain.Slug))
	}
	path := fmt.Sprintf("/coins/%s/contract/%s", chain.CoinGeckoPlatform, strings.ToLower(address))
	var coin coinResponse
	if err := c.get(ctx, path, nil, &coin); err != nil {
		return providers.TokenMetadata{}, err
	}
	return toMetadata(chain, coin, address)
}

// SearchSymbol returns the first exact, case-insensitive symbol match deployed on chain.
func (c *Client) SearchSymbol(ctx context.Context, chain id.Chain, symbol string) (providers.TokenMetadata, error) {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return providers.TokenMetadata{}, clierr.New(clierr.CodeUsage, "symbol is required")
	}
	params := url.Values{}
	params.Set("query", symbol)
	var search searchResponse
	if err := c.get(ctx, "/search", params, &search); err != nil {
		return providers.TokenMetadata{}, err
	}

	inspected := 0
	for _, candidate := range search.Coins {
		if !strings.EqualFold(candidate.Symbol, symbol) {
			continue
		}
		if inspected >= maxSearchCandidates {
			break
		}
		inspected++
		var coin coinResponse
		if err := c.get(ctx, "/coins/"+url.PathEscape(candidate.ID), detailParams(), &coin); err != nil {
			if clierr.Is(err, clierr.CodeNotFound) {
				continue
			}
			return providers.TokenMetadata{}, err
		}
		address := strings.TrimSpace(coin.Platforms[chain.CoinGeckoPlatform])
		if !id.IsAddress(address) {
			continue
		}
		return toMetadata(chain, coin, address)
	}
	return providers.TokenMetadata{}, clierr.New(clierr.CodeNotFound, fmt.Sprintf("no token with symbol %s on %s", strings.ToUpper(symbol), chain.Slug))
}

// NativePrice returns the USD price of the chain's gas token.
func (c *Client) NativePrice(ctx context.Context, chain id.Chain) (float64, error) {
	if chain.CoinGeckoNativeID == "" {
		return 0, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("no native price id for %s", chain.Slug))
	}
	params := url.Values{}
	params.Set("ids", chain.CoinGeckoNativeID)
	params.Set("vs_currencies", "usd")
	var resp map[string]map[string]float64
	if err := c.get(ctx, "/simple/price", params, &resp); err != nil {
		return 0, err
	}
	price, ok := resp[chain.CoinGeckoNativeID]["usd"]
	if !ok {
		return 0, clierr.New(clierr.CodeNotFound, fmt.Sprintf("no usd price for %s", chain.CoinGeckoNativeID))
	}
	return price, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	_, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeInternal, "build coingecko request", err)
		}
		if c.apiKey != "" {
			if c.pro {
				req.Header.Set("x-cg-pro-api-key", c.apiKey)
			} else {
				req.Header.Set("x-cg-demo-api-key", c.apiKey)
			}
		}
		_, err = c.http.DoJSON(ctx, req, out)
		return nil, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		c.logger.Debug("request short-circuited", zap.String("path", path))
		return clierr.Wrap(clierr.CodeUnavailable, "coingecko temporarily unavailable", err)
	}
	return err
}

func detailParams() url.Values {
	params := url.Values{}
	params.Set("localization", "false")
	params.Set("tickers", "false")
	params.Set("community_data", "false")
	params.Set("developer_data", "false")
	return params
}

func toMetadata(chain id.Chain, coin coinResponse, address string) (providers.TokenMetadata, error) {
	detail, ok := coin.DetailPlatforms[chain.CoinGeckoPlatform]
	if !ok || detail.DecimalPlace == nil {
		return providers.TokenMetadata{}, clierr.New(clierr.CodeNotFound, fmt.Sprintf("coingecko has no %s deployment data for %s", chain.Slug, coin.ID))
	}
	meta := providers.TokenMetadata{
		Address:  address,
		Symbol:   strings.ToUpper(coin.Symbol),
		Name:     coin.Name,
		Decimals: *detail.DecimalPlace,
	}
	if detail.ContractAddress != "" && id.IsAddress(detail.ContractAddress) {
		meta.Address = detail.ContractAddress
	}
	if price, ok := coin.MarketData.CurrentPrice["usd"]; ok && price > 0 {
		meta.USDPrice = price
		meta.HasPrice = true
	}
	return meta, nil
}
