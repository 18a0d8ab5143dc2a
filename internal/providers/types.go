package providers

import (
	"context"
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/ggonzalez94/defi-agent/internal/id"
	"github.com/ggonzalez94/defi-agent/internal/model"
)

type Provider interface {
	Info() model.ProviderInfo
}

// TokenMetadata is what a metadata source knows about one token on one chain.
type TokenMetadata struct {
	Address  string
	Symbol   string
	Name     string
	Decimals int
	USDPrice float64
	HasPrice bool
}

// MetadataProvider looks up token metadata. Unknown tokens fail with CodeNotFound;
// throttling fails with CodeRateLimited and must never be treated as not found.
type MetadataProvider interface {
	Provider
	TokenByAddress(ctx context.Context, chain id.Chain, address string) (TokenMetadata, error)
	SearchSymbol(ctx context.Context, chain id.Chain, symbol string) (TokenMetadata, error)
	NativePrice(ctx context.Context, chain id.Chain) (float64, error)
}

type TokenBalance struct {
	Contract string
	Balance  *big.Int
}

// WalletDataProvider reads balances and NFT holdings from an indexer.
type WalletDataProvider interface {
	Provider
	Balances(ctx context.Context, chain id.Chain, owner common.Address) (*big.Int, []TokenBalance, error)
	NFTs(ctx context.Context, chain id.Chain, owner common.Address) ([]model.WalletNFT, error)
}

// SwapRequest is an exact-input swap. Token addresses use the native sentinel for gas tokens.
type SwapRequest struct {
	Chain       id.Chain
	FromToken   string
	ToToken     string
	Amount      *big.Int
	SlippageBps int64
	Swapper     common.Address
}

// TxPayload is a provider-built transaction submitted as-is.
type TxPayload struct {
	To    common.Address
	Data  []byte
	Value *big.Int
	Gas   uint64
}

// PermitQuote is a routed quote that may need an EIP-712 Permit2 signature before it can be built.
type PermitQuote struct {
	Raw       json.RawMessage
	Permit    *apitypes.TypedData
	Routing   string
	AmountOut string
}

// PermitSwapProvider is the wallet swap API.
type PermitSwapProvider interface {
	Provider
	QuotePermit(ctx context.Context, req SwapRequest) (PermitQuote, error)
	BuildPermitSwap(ctx context.Context, quote PermitQuote, signature []byte) (TxPayload, error)
}

// AggregatorQuote carries a ready transaction and, when the taker's allowance is short,
// the spender that must be approved first.
type AggregatorQuote struct {
	Tx               TxPayload
	BuyAmount        string
	AllowanceSpender string
}

type AggregatorProvider interface {
	Provider
	QuoteAggregator(ctx context.Context, req SwapRequest) (AggregatorQuote, error)
}

// PoolQuote is a single-pool quote against a Uniswap-V3-shaped router.
type PoolQuote struct {
	Router    common.Address
	TokenIn   common.Address
	TokenOut  common.Address
	Fee       uint32
	AmountIn  *big.Int
	AmountOut *big.Int
}

type PoolSwapProvider interface {
	Provider
	QuotePool(ctx context.Context, req SwapRequest) (PoolQuote, error)
	BuildPoolSwap(quote PoolQuote, recipient common.Address, minAmountOut *big.Int, deadline int64) (TxPayload, error)
}
