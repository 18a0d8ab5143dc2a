package uniswap

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	clierr "github.com/ggonzalez94/defi-agent/internal/errors"
	"github.com/ggonzalez94/defi-agent/internal/httpx"
	"github.com/ggonzalez94/defi-agent/internal/id"
	"github.com/ggonzalez94/defi-agent/internal/model"
	"github.com/ggonzalez94/defi-agent/internal/providers"
	"github.com/ggonzalez94/defi-agent/internal/registry"
)

const keyEnvVar = "DEFI_AGENT_UNISWAP_API_KEY"

// The trading API spells the native token as the zero address.
const apiNativeToken = "0x0000000000000000000000000000000000000000"

type Client struct {
	http    *httpx.Client
	baseURL string
	apiKey  string
}

func New(httpClient *httpx.Client, apiKey string) *Client {
	return &Client{http: httpClient, baseURL: registry.UniswapTradingAPIBaseURL, apiKey: apiKey}
}

// WithBaseURL points the client at another trading API root.
func (c *Client) WithBaseURL(baseURL string) *Client {
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

func (c *Client) Info() model.ProviderInfo {
	return model.ProviderInfo{
		Name:          "uniswap",
		Type:          "swap",
		Role:          "primary",
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

type quoteResponse struct {
	Routing    string          `json:"routing"`
	Quote      json.RawMessage `json:"quote"`
	PermitData json.RawMessage `json:"permitData"`
}

type quoteOutput struct {
	Output struct {
		Amount string `json:"amount"`
	} `json:"output"`
}

type permitData struct {
	Domain struct {
		Name              string          `json:"name"`
		Version           string          `json:"version"`
		ChainID           json.RawMessage `json:"chainId"`
		VerifyingContract string          `json:"verifyingContract"`
	} `json:"domain"`
	Types  map[string][]apitypes.Type `json:"types"`
	Values map[string]any             `json:"values"`
}

type swapResponse struct {
	Swap struct {
		To       string `json:"to"`
		Data     string `json:"data"`
		Value    string `json:"value"`
		GasLimit string `json:"gasLimit"`
	} `json:"swap"`
}

// QuotePermit requests a classic exact-input quote for req.Swapper.
func (c *Client) QuotePermit(ctx context.Context, req providers.SwapRequest) (providers.PermitQuote, error) {
	if c.apiKey == "" {
		return providers.PermitQuote{}, clierr.New(clierr.CodeAuth, "missing required API key for uniswap ("+keyEnvVar+")")
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return providers.PermitQuote{}, clierr.New(clierr.CodeUsage, "swap amount must be positive")
	}
	payload := map[string]any{
		"type":              "EXACT_INPUT",
		"amount":            req.Amount.String(),
		"tokenInChainId":    req.Chain.EVMChainID,
		"tokenOutChainId":   req.Chain.EVMChainID,
		"tokenIn":           apiToken(req.FromToken),
		"tokenOut":          apiToken(req.ToToken),
		"swapper":           req.Swapper.Hex(),
		"slippageTolerance": float64(req.SlippageBps) / 100,
		"routingPreference": "BEST_PRICE",
		"protocols":         []string{"V2", "V3", "V4"},
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return providers.PermitQuote{}, clierr.Wrap(clierr.CodeInternal, "marshal uniswap quote request", err)
	}
	var resp quoteResponse
	if _, err := httpx.DoBodyJSON(ctx, c.http, http.MethodPost, c.baseURL+"/quote", buf, c.headers(), &resp); err != nil {
		return providers.PermitQuote{}, err
	}
	if len(resp.Quote) == 0 || string(resp.Quote) == "null" {
		return providers.PermitQuote{}, clierr.New(clierr.CodeLiquidity, "uniswap returned no quote")
	}
	var out quoteOutput
	if err := json.Unmarshal(resp.Quote, &out); err != nil {
		return providers.PermitQuote{}, clierr.Wrap(clierr.CodeUnavailable, "decode uniswap quote", err)
	}

	quote := providers.PermitQuote{
		Raw:       resp.Quote,
		Routing:   resp.Routing,
		AmountOut: out.Output.Amount,
	}
	if len(resp.PermitData) > 0 && string(resp.PermitData) != "null" {
		typed, err := toTypedData(resp.PermitData)
		if err != nil {
			return providers.PermitQuote{}, err
		}
		quote.Permit = &typed
	}
	return quote, nil
}

// BuildPermitSwap turns a quote plus its optional Permit2 signature into a transaction.
func (c *Client) BuildPermitSwap(ctx context.Context, quote providers.PermitQuote, signature []byte) (providers.TxPayload, error) {
	payload := map[string]any{
		"quote": quote.Raw,
	}
	if quote.Permit != nil {
		if len(signature) == 0 {
			return providers.TxPayload{}, clierr.New(clierr.CodeSigner, "uniswap quote requires a permit2 signature")
		}
		payload["signature"] = hexutil.Encode(signature)
		payload["permitData"] = permitPayload(*quote.Permit)
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return providers.TxPayload{}, clierr.Wrap(clierr.CodeInternal, "marshal uniswap swap request", err)
	}
	var resp swapResponse
	if _, err := httpx.DoBodyJSON(ctx, c.http, http.MethodPost, c.baseURL+"/swap", buf, c.headers(), &resp); err != nil {
		return providers.TxPayload{}, err
	}
	if !common.IsHexAddress(resp.Swap.To) {
		return providers.TxPayload{}, clierr.New(clierr.CodeUnavailable, "uniswap swap response missing target")
	}
	data, err := hexutil.Decode(normalizeHex(resp.Swap.Data))
	if err != nil || len(data) == 0 {
		return providers.TxPayload{}, clierr.New(clierr.CodeUnavailable, "uniswap swap response has empty calldata")
	}
	value, err := parseQuantity(resp.Swap.Value)
	if err != nil {
		return providers.TxPayload{}, clierr.Wrap(clierr.CodeUnavailable, "decode uniswap swap value", err)
	}
	gas, err := parseQuantity(resp.Swap.GasLimit)
	if err != nil {
		return providers.TxPayload{}, clierr.Wrap(clierr.CodeUnavailable, "decode uniswap gas limit", err)
	}
	return providers.TxPayload{
		To:    common.HexToAddress(resp.Swap.To),
		Data:  data,
		Value: value,
		Gas:   gas.Uint64(),
	}, nil
}

func (c *Client) headers() map[string]string {
	return map[string]string{
		"x-api-key":                  c.apiKey,
		"x-universal-router-version": "2.0",
	}
}

func apiToken(address string) string {
	if id.IsNative(address) {
		return apiNativeToken
	}
	return address
}

// toTypedData fills in the EIP712Domain type and primary type the API leaves implicit.
func toTypedData(raw json.RawMessage) (apitypes.TypedData, error) {
	var pd permitData
	if err := json.Unmarshal(raw, &pd); err != nil {
		return apitypes.TypedData{}, clierr.Wrap(clierr.CodeUnavailable, "decode uniswap permit data", err)
	}
	if len(pd.Types) == 0 || len(pd.Values) == 0 {
		return apitypes.TypedData{}, clierr.New(clierr.CodeUnavailable, "uniswap permit data is incomplete")
	}
	chainID, err := parseChainID(pd.Domain.ChainID)
	if err != nil {
		return apitypes.TypedData{}, clierr.Wrap(clierr.CodeUnavailable, "decode permit domain chain id", err)
	}

	types := apitypes.Types{}
	for name, fields := range pd.Types {
		if name == "EIP712Domain" {
			continue
		}
		types[name] = fields
	}
	domainType := []apitypes.Type{}
	if pd.Domain.Name != "" {
		domainType = append(domainType, apitypes.Type{Name: "name", Type: "string"})
	}
	if pd.Domain.Version != "" {
		domainType = append(domainType, apitypes.Type{Name: "version", Type: "string"})
	}
	if chainID != nil {
		domainType = append(domainType, apitypes.Type{Name: "chainId", Type: "uint256"})
	}
	if pd.Domain.VerifyingContract != "" {
		domainType = append(domainType, apitypes.Type{Name: "verifyingContract", Type: "address"})
	}
	types["EIP712Domain"] = domainType

	primary, err := primaryType(types)
	if err != nil {
		return apitypes.TypedData{}, err
	}
	domain := apitypes.TypedDataDomain{
		Name:              pd.Domain.Name,
		Version:           pd.Domain.Version,
		VerifyingContract: pd.Domain.VerifyingContract,
	}
	if chainID != nil {
		domain.ChainId = (*math.HexOrDecimal256)(chainID)
	}
	return apitypes.TypedData{
		Types:       types,
		PrimaryType: primary,
		Domain:      domain,
		Message:     apitypes.TypedDataMessage(pd.Values),
	}, nil
}

// primaryType is the one struct type no other type references.
func primaryType(types apitypes.Types) (string, error) {
	referenced := map[string]bool{}
	for _, fields := range types {
		for _, f := range fields {
			referenced[strings.TrimSuffix(f.Type, "[]")] = true
		}
	}
	candidates := []string{}
	for name := range types {
		if name == "EIP712Domain" || referenced[name] {
			continue
		}
		candidates = append(candidates, name)
	}
	sort.Strings(candidates)
	if len(candidates) != 1 {
		return "", clierr.New(clierr.CodeUnavailable, fmt.Sprintf("cannot determine permit primary type from %v", candidates))
	}
	return candidates[0], nil
}

func permitPayload(td apitypes.TypedData) map[string]any {
	types := map[string][]apitypes.Type{}
	for name, fields := range td.Types {
		if name == "EIP712Domain" {
			continue
		}
		types[name] = fields
	}
	domain := map[string]any{
		"name":              td.Domain.Name,
		"verifyingContract": td.Domain.VerifyingContract,
	}
	if td.Domain.Version != "" {
		domain["version"] = td.Domain.Version
	}
	if td.Domain.ChainId != nil {
		domain["chainId"] = (*big.Int)(td.Domain.ChainId).Int64()
	}
	return map[string]any{
		"domain": domain,
		"types":  types,
		"values": td.Message,
	}
}

func parseChainID(raw json.RawMessage) (*big.Int, error) {
	trimmed := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	return parseQuantity(trimmed)
}

// parseQuantity accepts decimal or 0x-hex integers; empty means zero.
func parseQuantity(v string) (*big.Int, error) {
	clean := strings.TrimSpace(v)
	if clean == "" {
		return big.NewInt(0), nil
	}
	base := 10
	if strings.HasPrefix(clean, "0x") || strings.HasPrefix(clean, "0X") {
		clean = clean[2:]
		base = 16
		if clean == "" {
			return big.NewInt(0), nil
		}
	}
	out, ok := new(big.Int).SetString(clean, base)
	if !ok || out.Sign() < 0 {
		return nil, fmt.Errorf("invalid quantity %q", v)
	}
	return out, nil
}

func normalizeHex(v string) string {
	clean := strings.TrimSpace(v)
	if !strings.HasPrefix(clean, "0x") {
		clean = "0x" + clean
	}
	if len(clean)%2 != 0 {
		clean = "0x0" + clean[2:]
	}
	return clean
}
