package uniswapv3

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	clierr "github.com/ggonzalez94/defi-agent/internal/errors"
	"github.com/ggonzalez94/defi-agent/internal/execution"
	"github.com/ggonzalez94/defi-agent/internal/id"
	"github.com/ggonzalez94/defi-agent/internal/logging"
	"github.com/ggonzalez94/defi-agent/internal/model"
	"github.com/ggonzalez94/defi-agent/internal/providers"
	"github.com/ggonzalez94/defi-agent/internal/registry"
)

// Probe order is fixed: the first tier that quotes wins.
var feeTiers = []uint32{3000, 500, 10000}

var (
	quoterABI = mustABI(registry.UniswapV3QuoterV2ABI)
	routerABI = mustABI(registry.UniswapV3RouterABI)
)

// Client quotes and builds swaps directly against the canonical V3 quoter and router.
type Client struct {
	nodes  execution.NodeSource
	logger *zap.Logger
}

func New(nodes execution.NodeSource, logger *zap.Logger) *Client {
	return &Client{nodes: nodes, logger: logging.OrNop(logger).Named("uniswapv3")}
}

func (c *Client) Info() model.ProviderInfo {
	return model.ProviderInfo{
		Name:        "uniswapv3",
		Type:        "swap",
		Role:        "dex",
		RequiresKey: false,
		Capabilities: []string{
			"swap.quote",
			"swap.execute",
		},
	}
}

type quoteExactInputSingleParams struct {
	TokenIn           common.Address `abi:"tokenIn"`
	TokenOut          common.Address `abi:"tokenOut"`
	AmountIn          *big.Int       `abi:"amountIn"`
	Fee               *big.Int       `abi:"fee"`
	SqrtPriceLimitX96 *big.Int       `abi:"sqrtPriceLimitX96"`
}

type exactInputSingleParams struct {
	TokenIn           common.Address `abi:"tokenIn"`
	TokenOut          common.Address `abi:"tokenOut"`
	Fee               *big.Int       `abi:"fee"`
	Recipient         common.Address `abi:"recipient"`
	AmountIn          *big.Int       `abi:"amountIn"`
	AmountOutMinimum  *big.Int       `abi:"amountOutMinimum"`
	SqrtPriceLimitX96 *big.Int       `abi:"sqrtPriceLimitX96"`
}

// QuotePool quotes req against the chain's pools. Native legs are quoted as the wrapped token.
func (c *Client) QuotePool(ctx context.Context, req providers.SwapRequest) (providers.PoolQuote, error) {
	quoter, router, err := contracts(req.Chain)
	if err != nil {
		return providers.PoolQuote{}, err
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return providers.PoolQuote{}, clierr.New(clierr.CodeUsage, "swap amount must be positive")
	}
	tokenIn := poolToken(req.Chain, req.FromToken)
	tokenOut := poolToken(req.Chain, req.ToToken)
	if tokenIn == tokenOut {
		return providers.PoolQuote{}, clierr.New(clierr.CodeUsage, "swap tokens must differ")
	}
	client, err := c.nodes.Node(ctx, req.Chain)
	if err != nil {
		return providers.PoolQuote{}, err
	}

	for _, fee := range feeTiers {
		callData, err := quoterABI.Pack("quoteExactInputSingle", quoteExactInputSingleParams{
			TokenIn:           tokenIn,
			TokenOut:          tokenOut,
			AmountIn:          req.Amount,
			Fee:               big.NewInt(int64(fee)),
			SqrtPriceLimitX96: big.NewInt(0),
		})
		if err != nil {
			return providers.PoolQuote{}, clierr.Wrap(clierr.CodeInternal, "pack quoter calldata", err)
		}
		out, err := client.CallContract(ctx, ethereum.CallMsg{To: &quoter, Data: callData}, nil)
		if err != nil {
			c.logger.Debug("fee tier quote failed", zap.Uint32("fee", fee), zap.Error(err))
			continue
		}
		decoded, err := quoterABI.Unpack("quoteExactInputSingle", out)
		if err != nil || len(decoded) < 1 {
			continue
		}
		amountOut, ok := decoded[0].(*big.Int)
		if !ok || amountOut == nil || amountOut.Sign() <= 0 {
			continue
		}
		return providers.PoolQuote{
			Router:    router,
			TokenIn:   tokenIn,
			TokenOut:  tokenOut,
			Fee:       fee,
			AmountIn:  new(big.Int).Set(req.Amount),
			AmountOut: new(big.Int).Set(amountOut),
		}, nil
	}
	return providers.PoolQuote{}, clierr.New(clierr.CodeLiquidity, fmt.Sprintf("no uniswap v3 pool quote for %s -> %s on %s", tokenIn.Hex(), tokenOut.Hex(), req.Chain.Slug))
}

// BuildPoolSwap packs exactInputSingle inside multicall(deadline, ...) so the router enforces the deadline.
func (c *Client) BuildPoolSwap(quote providers.PoolQuote, recipient common.Address, minAmountOut *big.Int, deadline int64) (providers.TxPayload, error) {
	if quote.AmountIn == nil || quote.AmountIn.Sign() <= 0 {
		return providers.TxPayload{}, clierr.New(clierr.CodeUsage, "pool swap requires a positive input amount")
	}
	if minAmountOut == nil {
		minAmountOut = big.NewInt(0)
	}
	inner, err := routerABI.Pack("exactInputSingle", exactInputSingleParams{
		TokenIn:           quote.TokenIn,
		TokenOut:          quote.TokenOut,
		Fee:               big.NewInt(int64(quote.Fee)),
		Recipient:         recipient,
		AmountIn:          quote.AmountIn,
		AmountOutMinimum:  minAmountOut,
		SqrtPriceLimitX96: big.NewInt(0),
	})
	if err != nil {
		return providers.TxPayload{}, clierr.Wrap(clierr.CodeInternal, "pack swap calldata", err)
	}
	data, err := routerABI.Pack("multicall", big.NewInt(deadline), [][]byte{inner})
	if err != nil {
		return providers.TxPayload{}, clierr.Wrap(clierr.CodeInternal, "pack multicall calldata", err)
	}
	return providers.TxPayload{To: quote.Router, Data: data, Value: big.NewInt(0)}, nil
}

// MinAmountOut applies slippage in integer math: quoted * (10000 - bps) / 10000.
func MinAmountOut(quoted *big.Int, slippageBps int64) *big.Int {
	if quoted == nil {
		return big.NewInt(0)
	}
	if slippageBps < 0 {
		slippageBps = 0
	}
	if slippageBps > 10_000 {
		slippageBps = 10_000
	}
	out := new(big.Int).Mul(quoted, big.NewInt(10_000-slippageBps))
	return out.Div(out, big.NewInt(10_000))
}

func contracts(chain id.Chain) (quoter common.Address, router common.Address, err error) {
	quoterRaw, routerRaw, ok := registry.UniswapV3Contracts(chain.EVMChainID)
	if !ok {
		return common.Address{}, common.Address{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("uniswap v3 is not deployed on %s", chain.Slug))
	}
	return common.HexToAddress(quoterRaw), common.HexToAddress(routerRaw), nil
}

func poolToken(chain id.Chain, address string) common.Address {
	if id.IsNative(address) {
		return common.HexToAddress(chain.WrappedNative.Address)
	}
	return common.HexToAddress(address)
}

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
