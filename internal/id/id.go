package id

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	clierr "github.com/ggonzalez94/defi-agent/internal/errors"
)

// NativeSentinel is the placeholder address providers use for a chain's gas asset.
const NativeSentinel = "0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE"

var (
	eip155ChainPattern = regexp.MustCompile(`^eip155:[0-9]+$`)
	evmAddressPattern  = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	eip155AssetPattern = regexp.MustCompile(`^eip155:[0-9]+/erc20:0x[0-9a-fA-F]{40}$`)
)

type Chain struct {
	Name       string
	Slug       string
	CAIP2      string
	EVMChainID int64
	// NativeSymbol is the canonical ticker of the gas asset.
	NativeSymbol   string
	NativeName     string
	NativeDecimals int
	// NativeAliases are legacy tickers that still denote the gas asset.
	NativeAliases []string
	WrappedNative Token
	// CoinGeckoPlatform and CoinGeckoNativeID key the market-data provider.
	CoinGeckoPlatform string
	CoinGeckoNativeID string
	AlchemyNetwork    string
}

type Token struct {
	Symbol   string
	Name     string
	Address  string
	Decimals int
}

// SymbolOverride pins a ticker to a specific contract on one chain ahead of alias handling.
type SymbolOverride struct {
	Token Token
	Note  string
}

var chainBySlug = map[string]Chain{
	"ethereum": {
		Name: "Ethereum", Slug: "ethereum", CAIP2: "eip155:1", EVMChainID: 1,
		NativeSymbol: "ETH", NativeName: "Ether", NativeDecimals: 18,
		WrappedNative:     Token{Symbol: "WETH", Name: "Wrapped Ether", Address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", Decimals: 18},
		CoinGeckoPlatform: "ethereum", CoinGeckoNativeID: "ethereum", AlchemyNetwork: "eth-mainnet",
	},
	"base": {
		Name: "Base", Slug: "base", CAIP2: "eip155:8453", EVMChainID: 8453,
		NativeSymbol: "ETH", NativeName: "Ether", NativeDecimals: 18,
		WrappedNative:     Token{Symbol: "WETH", Name: "Wrapped Ether", Address: "0x4200000000000000000000000000000000000006", Decimals: 18},
		CoinGeckoPlatform: "base", CoinGeckoNativeID: "ethereum", AlchemyNetwork: "base-mainnet",
	},
	"arbitrum": {
		Name: "Arbitrum", Slug: "arbitrum", CAIP2: "eip155:42161", EVMChainID: 42161,
		NativeSymbol: "ETH", NativeName: "Ether", NativeDecimals: 18,
		WrappedNative:     Token{Symbol: "WETH", Name: "Wrapped Ether", Address: "0x82aF49447D8a07e3bd95BD0d56f35241523fBab1", Decimals: 18},
		CoinGeckoPlatform: "arbitrum-one", CoinGeckoNativeID: "ethereum", AlchemyNetwork: "arb-mainnet",
	},
	"optimism": {
		Name: "Optimism", Slug: "optimism", CAIP2: "eip155:10", EVMChainID: 10,
		NativeSymbol: "ETH", NativeName: "Ether", NativeDecimals: 18,
		WrappedNative:     Token{Symbol: "WETH", Name: "Wrapped Ether", Address: "0x4200000000000000000000000000000000000006", Decimals: 18},
		CoinGeckoPlatform: "optimistic-ethereum", CoinGeckoNativeID: "ethereum", AlchemyNetwork: "opt-mainnet",
	},
	"polygon": {
		Name: "Polygon", Slug: "polygon", CAIP2: "eip155:137", EVMChainID: 137,
		NativeSymbol: "POL", NativeName: "Polygon Ecosystem Token", NativeDecimals: 18,
		NativeAliases:     []string{"MATIC"},
		WrappedNative:     Token{Symbol: "WPOL", Name: "Wrapped POL", Address: "0x0d500B1d8E8eF31E21C99d1Db9A6444d3ADf1270", Decimals: 18},
		CoinGeckoPlatform: "polygon-pos", CoinGeckoNativeID: "polygon-ecosystem-token", AlchemyNetwork: "polygon-mainnet",
	},
	"avalanche": {
		Name: "Avalanche", Slug: "avalanche", CAIP2: "eip155:43114", EVMChainID: 43114,
		NativeSymbol: "AVAX", NativeName: "Avalanche", NativeDecimals: 18,
		WrappedNative:     Token{Symbol: "WAVAX", Name: "Wrapped AVAX", Address: "0xB31f66AA3C1e785363F0875A1B74E27b85FD66c7", Decimals: 18},
		CoinGeckoPlatform: "avalanche", CoinGeckoNativeID: "avalanche-2", AlchemyNetwork: "avax-mainnet",
	},
	"bsc": {
		Name: "BSC", Slug: "bsc", CAIP2: "eip155:56", EVMChainID: 56,
		NativeSymbol: "BNB", NativeName: "BNB", NativeDecimals: 18,
		WrappedNative:     Token{Symbol: "WBNB", Name: "Wrapped BNB", Address: "0xbb4CdB9CBd36B01bD1cBaEBF2De08d9173bc095c", Decimals: 18},
		CoinGeckoPlatform: "binance-smart-chain", CoinGeckoNativeID: "binancecoin", AlchemyNetwork: "bnb-mainnet",
	},
}

var chainAliases = map[string]string{
	"mainnet": "ethereum",
	"eth":     "ethereum",
	"arb":     "arbitrum",
	"op":      "optimism",
	"matic":   "polygon",
	"avax":    "avalanche",
	"bnb":     "bsc",
	"binance": "bsc",
}

var chainByID = func() map[int64]Chain {
	out := make(map[int64]Chain, len(chainBySlug))
	for _, chain := range chainBySlug {
		out[chain.EVMChainID] = chain
	}
	return out
}()

// Small bootstrap registry so common tickers resolve without a network round-trip.
var tokenRegistry = map[string][]Token{
	"eip155:1": {
		{Symbol: "USDC", Name: "USD Coin", Address: "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", Decimals: 6},
		{Symbol: "USDT", Name: "Tether USD", Address: "0xdac17f958d2ee523a2206206994597c13d831ec7", Decimals: 6},
		{Symbol: "DAI", Name: "Dai Stablecoin", Address: "0x6b175474e89094c44da98b954eedeac495271d0f", Decimals: 18},
		{Symbol: "WETH", Name: "Wrapped Ether", Address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", Decimals: 18},
		{Symbol: "WBTC", Name: "Wrapped BTC", Address: "0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599", Decimals: 8},
	},
	"eip155:8453": {
		{Symbol: "USDC", Name: "USD Coin", Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", Decimals: 6},
		{Symbol: "DAI", Name: "Dai Stablecoin", Address: "0x50c5725949A6F0c72E6C4a641F24049A917DB0Cb", Decimals: 18},
		{Symbol: "WETH", Name: "Wrapped Ether", Address: "0x4200000000000000000000000000000000000006", Decimals: 18},
	},
	"eip155:42161": {
		{Symbol: "USDC", Name: "USD Coin", Address: "0xaf88d065e77c8cC2239327C5EDb3A432268e5831", Decimals: 6},
		{Symbol: "USDT", Name: "Tether USD", Address: "0xFd086bC7CD5C481DCC9C85ebe478A1C0b69FCbb9", Decimals: 6},
		{Symbol: "DAI", Name: "Dai Stablecoin", Address: "0xDA10009cBd5D07dd0CeCc66161FC93D7c9000da1", Decimals: 18},
		{Symbol: "WETH", Name: "Wrapped Ether", Address: "0x82aF49447D8a07e3bd95BD0d56f35241523fBab1", Decimals: 18},
	},
	"eip155:10": {
		{Symbol: "USDC", Name: "USD Coin", Address: "0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85", Decimals: 6},
		{Symbol: "USDT", Name: "Tether USD", Address: "0x94b008aA00579c1307B0EF2c499aD98a8ce58e58", Decimals: 6},
		{Symbol: "DAI", Name: "Dai Stablecoin", Address: "0xDA10009cBd5D07dd0CeCc66161FC93D7c9000da1", Decimals: 18},
		{Symbol: "WETH", Name: "Wrapped Ether", Address: "0x4200000000000000000000000000000000000006", Decimals: 18},
	},
	"eip155:137": {
		{Symbol: "USDC", Name: "USD Coin", Address: "0x3c499c542cef5e3811e1192ce70d8cc03d5c3359", Decimals: 6},
		{Symbol: "USDT", Name: "Tether USD", Address: "0xc2132D05D31c914a87C6611C10748AEb04B58e8F", Decimals: 6},
		{Symbol: "DAI", Name: "Dai Stablecoin", Address: "0x8f3Cf7ad23Cd3CaDbD9735AFf958023239c6A063", Decimals: 18},
		{Symbol: "WETH", Name: "Wrapped Ether", Address: "0x7ceB23fD6bC0adD59E62ac25578270cFf1b9f619", Decimals: 18},
		{Symbol: "WPOL", Name: "Wrapped POL", Address: "0x0d500B1d8E8eF31E21C99d1Db9A6444d3ADf1270", Decimals: 18},
	},
	"eip155:56": {
		{Symbol: "USDC", Name: "USD Coin", Address: "0x8ac76a51cc950d9822d68b83fe1ad97b32cd580d", Decimals: 18},
		{Symbol: "USDT", Name: "Tether USD", Address: "0x55d398326f99059fF775485246999027B3197955", Decimals: 18},
		{Symbol: "DAI", Name: "Dai Stablecoin", Address: "0x1AF3F329e8BE154074D8769D1FFa4eE058B1DBc3", Decimals: 18},
		{Symbol: "WETH", Name: "Wrapped Ether", Address: "0x2170Ed0880ac9A755fd29B2688956BD959F933F8", Decimals: 18},
		{Symbol: "WBNB", Name: "Wrapped BNB", Address: "0xbb4CdB9CBd36B01bD1cBaEBF2De08d9173bc095c", Decimals: 18},
	},
	"eip155:43114": {
		{Symbol: "USDC", Name: "USD Coin", Address: "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E", Decimals: 6},
		{Symbol: "USDT", Name: "Tether USD", Address: "0x9702230A8Ea53601f5cD2dc00fDBc13d4dF4A8c7", Decimals: 6},
		{Symbol: "DAI", Name: "Dai Stablecoin", Address: "0xd586E7F844cEa2F87f50152665BCbc2C279D8d70", Decimals: 18},
		{Symbol: "WETH", Name: "Wrapped Ether", Address: "0x49D5c2BdFfac6CE2BFdB6640F4F80f226bc10bAB", Decimals: 18},
		{Symbol: "WAVAX", Name: "Wrapped AVAX", Address: "0xB31f66AA3C1e785363F0875A1B74E27b85FD66c7", Decimals: 18},
	},
}

// On Polygon "ETH" is the bridged WETH contract, never the gas asset.
var symbolOverrides = map[string]map[string]SymbolOverride{
	"eip155:137": {
		"ETH": {
			Token: Token{Symbol: "WETH", Name: "Wrapped Ether", Address: "0x7ceB23fD6bC0adD59E62ac25578270cFf1b9f619", Decimals: 18},
			Note:  "interpreted as wrapped",
		},
	},
}

func ParseChain(input string) (Chain, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return Chain{}, clierr.New(clierr.CodeUsage, "chain is required")
	}
	norm := strings.ToLower(raw)
	if alias, ok := chainAliases[norm]; ok {
		norm = alias
	}

	if chain, ok := chainBySlug[norm]; ok {
		return chain, nil
	}

	if eip155ChainPattern.MatchString(norm) {
		norm = strings.TrimPrefix(norm, "eip155:")
	}
	if id, err := strconv.ParseInt(norm, 10, 64); err == nil {
		if chain, ok := chainByID[id]; ok {
			return chain, nil
		}
	}

	return Chain{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("unsupported network: %s", input))
}

// Chains lists the supported networks ordered by chain ID.
func Chains() []Chain {
	out := make([]Chain, 0, len(chainBySlug))
	for _, chain := range chainBySlug {
		out = append(out, chain)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EVMChainID < out[j].EVMChainID })
	return out
}

// IsAddress reports whether s is a well-formed 0x-prefixed 20-byte hex address.
func IsAddress(s string) bool {
	return evmAddressPattern.MatchString(strings.TrimSpace(s))
}

// IsNative reports whether address is the gas-asset sentinel.
func IsNative(address string) bool {
	return strings.EqualFold(strings.TrimSpace(address), NativeSentinel)
}

// ParseAssetID extracts the contract address from a CAIP-19 erc20 asset on chain.
func ParseAssetID(input string, chain Chain) (string, bool, error) {
	raw := strings.TrimSpace(input)
	if !strings.Contains(raw, "/") {
		return "", false, nil
	}
	if !eip155AssetPattern.MatchString(raw) {
		return "", true, clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid CAIP-19 asset format: %s", input))
	}
	parts := strings.SplitN(raw, "/", 2)
	if parts[0] != chain.CAIP2 {
		return "", true, clierr.New(clierr.CodeUsage, "asset chain does not match network")
	}
	return strings.TrimPrefix(parts[1], "erc20:"), true, nil
}

// NativeAlias reports whether symbol names the gas asset of chain, and whether it was a legacy alias.
func (c Chain) NativeAlias(symbol string) (isNative bool, legacy bool) {
	s := strings.TrimSpace(symbol)
	if strings.EqualFold(s, c.NativeSymbol) {
		return true, false
	}
	for _, alias := range c.NativeAliases {
		if strings.EqualFold(s, alias) {
			return true, true
		}
	}
	return false, false
}

// NativeToken returns the gas asset described as a token with the sentinel address.
func (c Chain) NativeToken() Token {
	return Token{Symbol: c.NativeSymbol, Name: c.NativeName, Address: NativeSentinel, Decimals: c.NativeDecimals}
}

// Override returns a chain-specific symbol pin, if any.
func Override(chainID, symbol string) (SymbolOverride, bool) {
	byChain, ok := symbolOverrides[chainID]
	if !ok {
		return SymbolOverride{}, false
	}
	o, ok := byChain[strings.ToUpper(strings.TrimSpace(symbol))]
	return o, ok
}

func tokenAddressEqual(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func findTokenByAddress(chainID, address string) (Token, bool) {
	for _, t := range tokenRegistry[chainID] {
		if tokenAddressEqual(t.Address, address) {
			return Token{
				Symbol:   strings.ToUpper(t.Symbol),
				Name:     t.Name,
				Address:  t.Address,
				Decimals: t.Decimals,
			}, true
		}
	}
	return Token{}, false
}

func findTokensBySymbol(chainID, symbol string) []Token {
	matches := []Token{}
	for _, t := range tokenRegistry[chainID] {
		if strings.EqualFold(t.Symbol, symbol) {
			matches = append(matches, Token{
				Symbol:   strings.ToUpper(t.Symbol),
				Name:     t.Name,
				Address:  t.Address,
				Decimals: t.Decimals,
			})
		}
	}
	return matches
}

func KnownToken(chainID, symbol string) (Token, bool) {
	matches := findTokensBySymbol(chainID, symbol)
	if len(matches) != 1 {
		return Token{}, false
	}
	return matches[0], true
}

func LookupByAddress(chainID, address string) (Token, bool) {
	return findTokenByAddress(chainID, address)
}
