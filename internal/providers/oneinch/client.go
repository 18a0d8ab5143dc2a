package oneinch

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	clierr "github.com/ggonzalez94/defi-agent/internal/errors"
	"github.com/ggonzalez94/defi-agent/internal/httpx"
	"github.com/ggonzalez94/defi-agent/internal/id"
	"github.com/ggonzalez94/defi-agent/internal/model"
	"github.com/ggonzalez94/defi-agent/internal/providers"
	"github.com/ggonzalez94/defi-agent/internal/registry"
)

const keyEnvVar = "DEFI_AGENT_1INCH_API_KEY"

// Client is an alternative aggregator route backed by the 1inch swap API.
type Client struct {
	http    *httpx.Client
	baseURL string
	apiKey  string
}

func New(httpClient *httpx.Client, apiKey string) *Client {
	return &Client{http: httpClient, baseURL: registry.OneInchBaseURL, apiKey: strings.TrimSpace(apiKey)}
}

func (c *Client) WithBaseURL(baseURL string) *Client {
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

func (c *Client) Info() model.ProviderInfo {
	return model.ProviderInfo{
		Name:          "1inch",
		Type:          "swap",
		Role:          "aggregator",
		RequiresKey:   true,
		KeyEnvVarName: keyEnvVar,
		Capabilities: []string{
			"swap.quote",
			"swap.execute",
		},
		CapabilityAuth: []model.ProviderCapabilityAuth{
			{
				Capability: "swap.execute",
				KeyEnvVar:  keyEnvVar,
			},
		},
	}
}

type spenderResponse struct {
	Address string `json:"address"`
}

type swapResponse struct {
	DstAmount string `json:"dstAmount"`
	Tx        struct {
		To    string `json:"to"`
		Data  string `json:"data"`
		Value string `json:"value"`
		Gas   uint64 `json:"gas"`
	} `json:"tx"`
}

// QuoteAggregator builds a swap for req.Swapper. Estimation is disabled upstream so the
// quote succeeds before the router is approved; the caller approves AllowanceSpender first.
func (c *Client) QuoteAggregator(ctx context.Context, req providers.SwapRequest) (providers.AggregatorQuote, error) {
	if c.apiKey == "" {
		return providers.AggregatorQuote{}, clierr.New(clierr.CodeAuth, "missing required API key for 1inch ("+keyEnvVar+")")
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return providers.AggregatorQuote{}, clierr.New(clierr.CodeUsage, "swap amount must be positive")
	}
	chainPath := "/swap/v6.0/" + strconv.FormatInt(req.Chain.EVMChainID, 10)

	params := url.Values{}
	params.Set("src", req.FromToken)
	params.Set("dst", req.ToToken)
	params.Set("amount", req.Amount.String())
	params.Set("from", req.Swapper.Hex())
	params.Set("origin", req.Swapper.Hex())
	params.Set("slippage", strconv.FormatFloat(float64(req.SlippageBps)/100, 'f', -1, 64))
	params.Set("disableEstimate", "true")

	var resp swapResponse
	if err := c.get(ctx, chainPath+"/swap", params, &resp); err != nil {
		return providers.AggregatorQuote{}, err
	}
	if !common.IsHexAddress(resp.Tx.To) {
		return providers.AggregatorQuote{}, clierr.New(clierr.CodeUnavailable, "1inch swap missing transaction target")
	}
	data, err := hexutil.Decode(resp.Tx.Data)
	if err != nil || len(data) == 0 {
		return providers.AggregatorQuote{}, clierr.New(clierr.CodeUnavailable, "1inch swap has empty calldata")
	}
	value := big.NewInt(0)
	if v := strings.TrimSpace(resp.Tx.Value); v != "" {
		parsed, ok := new(big.Int).SetString(v, 10)
		if !ok || parsed.Sign() < 0 {
			return providers.AggregatorQuote{}, clierr.New(clierr.CodeUnavailable, fmt.Sprintf("1inch swap has invalid value %q", v))
		}
		value = parsed
	}

	out := providers.AggregatorQuote{
		Tx: providers.TxPayload{
			To:    common.HexToAddress(resp.Tx.To),
			Data:  data,
			Value: value,
			Gas:   resp.Tx.Gas,
		},
		BuyAmount: resp.DstAmount,
	}
	if !id.IsNative(req.FromToken) {
		var spender spenderResponse
		if err := c.get(ctx, chainPath+"/approve/spender", url.Values{}, &spender); err != nil {
			return providers.AggregatorQuote{}, err
		}
		if !common.IsHexAddress(spender.Address) {
			return providers.AggregatorQuote{}, clierr.New(clierr.CodeUnavailable, "1inch returned an invalid router address")
		}
		out.AllowanceSpender = common.HexToAddress(spender.Address).Hex()
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	target := c.baseURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "build 1inch request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	_, err = c.http.DoJSON(ctx, req, out)
	return err
}
