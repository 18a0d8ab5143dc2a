package zeroex

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
	"github.com/ggonzalez94/defi-agent/internal/model"
	"github.com/ggonzalez94/defi-agent/internal/providers"
	"github.com/ggonzalez94/defi-agent/internal/registry"
)

const keyEnvVar = "DEFI_AGENT_ZEROEX_API_KEY"

type Client struct {
	http    *httpx.Client
	baseURL string
	apiKey  string
}

func New(httpClient *httpx.Client, apiKey string) *Client {
	return &Client{http: httpClient, baseURL: registry.ZeroExBaseURL, apiKey: apiKey}
}

func (c *Client) WithBaseURL(baseURL string) *Client {
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

func (c *Client) Info() model.ProviderInfo {
	return model.ProviderInfo{
		Name:          "0x",
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

type issues struct {
	Allowance *struct {
		Actual  string `json:"actual"`
		Spender string `json:"spender"`
	} `json:"allowance"`
	Balance *struct {
		Token    string `json:"token"`
		Actual   string `json:"actual"`
		Expected string `json:"expected"`
	} `json:"balance"`
}

type priceResponse struct {
	LiquidityAvailable bool   `json:"liquidityAvailable"`
	BuyAmount          string `json:"buyAmount"`
	Issues             issues `json:"issues"`
}

type quoteResponse struct {
	LiquidityAvailable bool   `json:"liquidityAvailable"`
	BuyAmount          string `json:"buyAmount"`
	Issues             issues `json:"issues"`
	Transaction        struct {
		To    string `json:"to"`
		Data  string `json:"data"`
		Gas   string `json:"gas"`
		Value string `json:"value"`
	} `json:"transaction"`
}

// QuoteAggregator prices the swap, then fetches a firm allowance-holder quote for req.Swapper.
func (c *Client) QuoteAggregator(ctx context.Context, req providers.SwapRequest) (providers.AggregatorQuote, error) {
	if c.apiKey == "" {
		return providers.AggregatorQuote{}, clierr.New(clierr.CodeAuth, "missing required API key for 0x ("+keyEnvVar+")")
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return providers.AggregatorQuote{}, clierr.New(clierr.CodeUsage, "swap amount must be positive")
	}
	params := url.Values{}
	params.Set("chainId", strconv.FormatInt(req.Chain.EVMChainID, 10))
	params.Set("sellToken", req.FromToken)
	params.Set("buyToken", req.ToToken)
	params.Set("sellAmount", req.Amount.String())
	params.Set("taker", req.Swapper.Hex())
	params.Set("slippageBps", strconv.FormatInt(req.SlippageBps, 10))

	var price priceResponse
	if err := c.get(ctx, "/swap/allowance-holder/price", params, &price); err != nil {
		return providers.AggregatorQuote{}, err
	}
	if err := checkIssues(price.LiquidityAvailable, price.Issues); err != nil {
		return providers.AggregatorQuote{}, err
	}

	var quote quoteResponse
	if err := c.get(ctx, "/swap/allowance-holder/quote", params, &quote); err != nil {
		return providers.AggregatorQuote{}, err
	}
	if err := checkIssues(quote.LiquidityAvailable, quote.Issues); err != nil {
		return providers.AggregatorQuote{}, err
	}
	if !common.IsHexAddress(quote.Transaction.To) {
		return providers.AggregatorQuote{}, clierr.New(clierr.CodeUnavailable, "0x quote missing transaction target")
	}
	data, err := hexutil.Decode(quote.Transaction.Data)
	if err != nil || len(data) == 0 {
		return providers.AggregatorQuote{}, clierr.New(clierr.CodeUnavailable, "0x quote has empty calldata")
	}
	value, ok := parseDecimal(quote.Transaction.Value)
	if !ok {
		return providers.AggregatorQuote{}, clierr.New(clierr.CodeUnavailable, "0x quote has invalid value")
	}
	gas, ok := parseDecimal(quote.Transaction.Gas)
	if !ok {
		return providers.AggregatorQuote{}, clierr.New(clierr.CodeUnavailable, "0x quote has invalid gas")
	}

	out := providers.AggregatorQuote{
		Tx: providers.TxPayload{
			To:    common.HexToAddress(quote.Transaction.To),
			Data:  data,
			Value: value,
			Gas:   gas.Uint64(),
		},
		BuyAmount: quote.BuyAmount,
	}
	if quote.Issues.Allowance != nil && common.IsHexAddress(quote.Issues.Allowance.Spender) {
		out.AllowanceSpender = common.HexToAddress(quote.Issues.Allowance.Spender).Hex()
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "build 0x request", err)
	}
	req.Header.Set("0x-api-key", c.apiKey)
	req.Header.Set("0x-version", "v2")
	_, err = c.http.DoJSON(ctx, req, out)
	return err
}

func checkIssues(liquidity bool, iss issues) error {
	if !liquidity {
		return clierr.New(clierr.CodeLiquidity, "0x reports no liquidity for this pair")
	}
	if iss.Balance != nil {
		return clierr.New(clierr.CodeInsufficientFunds, fmt.Sprintf("insufficient balance of %s: have %s, need %s", iss.Balance.Token, iss.Balance.Actual, iss.Balance.Expected))
	}
	return nil
}

func parseDecimal(v string) (*big.Int, bool) {
	clean := strings.TrimSpace(v)
	if clean == "" {
		return big.NewInt(0), true
	}
	out, ok := new(big.Int).SetString(clean, 10)
	if !ok || out.Sign() < 0 {
		return nil, false
	}
	return out, true
}
