package execution

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	clierr "github.com/ggonzalez94/defi-agent/internal/errors"
	"github.com/ggonzalez94/defi-agent/internal/execution/signer"
	"github.com/ggonzalez94/defi-agent/internal/id"
	"github.com/ggonzalez94/defi-agent/internal/logging"
)

type SubmitOptions struct {
	Simulate           bool
	GasMultiplier      float64
	MaxFeeGwei         string
	MaxPriorityFeeGwei string
}

func DefaultSubmitOptions() SubmitOptions {
	return SubmitOptions{
		Simulate:      true,
		GasMultiplier: 1.2,
	}
}

// TxRequest is one transaction to sign and broadcast.
type TxRequest struct {
	Chain id.Chain
	Kind  StepType
	To    common.Address
	Data  []byte
	Value *big.Int
	// Gas pins the gas limit and skips estimation when non-zero.
	Gas uint64
	// Legacy submits a type-0 transaction priced with eth_gasPrice.
	Legacy bool
	// SkipSimulation bypasses the eth_call dry run.
	SkipSimulation bool
}

// Submitter signs and broadcasts transactions. It never waits for receipts.
type Submitter struct {
	nodes  NodeSource
	opts   SubmitOptions
	logger *zap.Logger
}

func NewSubmitter(nodes NodeSource, opts SubmitOptions, logger *zap.Logger) *Submitter {
	if opts.GasMultiplier <= 1 {
		opts.GasMultiplier = 1.2
	}
	return &Submitter{nodes: nodes, opts: opts, logger: logging.OrNop(logger).Named("submitter")}
}

func (s *Submitter) Nodes() NodeSource { return s.nodes }

// Send simulates, prices, signs and broadcasts req, returning the transaction hash.
func (s *Submitter) Send(ctx context.Context, txSigner signer.Signer, req TxRequest) (common.Hash, error) {
	if txSigner == nil {
		return common.Hash{}, clierr.New(clierr.CodeSigner, "missing signer")
	}
	client, err := s.nodes.Node(ctx, req.Chain)
	if err != nil {
		return common.Hash{}, err
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return common.Hash{}, clierr.Wrap(clierr.CodeUnavailable, "read chain id", err)
	}
	if chainID.Int64() != req.Chain.EVMChainID {
		return common.Hash{}, clierr.New(clierr.CodeActionPlan, fmt.Sprintf("rpc chain mismatch: expected %d, got %d", req.Chain.EVMChainID, chainID.Int64()))
	}
	if err := validateTxPolicy(req); err != nil {
		return common.Hash{}, err
	}
	value := req.Value
	if value == nil {
		value = big.NewInt(0)
	}
	from := txSigner.Address()
	target := req.To
	msg := ethereum.CallMsg{From: from, To: &target, Value: value, Data: req.Data}

	if s.opts.Simulate && !req.SkipSimulation {
		if _, err := client.CallContract(ctx, msg, nil); err != nil {
			return common.Hash{}, wrapEVMExecutionError(clierr.CodeActionSim, fmt.Sprintf("simulate %s (eth_call)", req.Kind), err)
		}
	}

	gasLimit := req.Gas
	if gasLimit == 0 {
		estimated, err := client.EstimateGas(ctx, msg)
		if err != nil {
			return common.Hash{}, wrapEVMExecutionError(clierr.CodeActionSim, fmt.Sprintf("estimate gas for %s", req.Kind), err)
		}
		gasLimit = uint64(float64(estimated) * s.opts.GasMultiplier)
	}

	unlock := acquireSignerNonceLock(chainID, from)
	defer unlock()

	nonce, err := client.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, clierr.Wrap(clierr.CodeUnavailable, "fetch nonce", err)
	}

	var tx *types.Transaction
	if req.Legacy {
		gasPrice, err := client.SuggestGasPrice(ctx)
		if err != nil {
			return common.Hash{}, clierr.Wrap(clierr.CodeUnavailable, "suggest gas price", err)
		}
		tx = types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasPrice,
			Gas:      gasLimit,
			To:       &target,
			Value:    value,
			Data:     req.Data,
		})
	} else {
		tipCap, err := resolveTipCap(ctx, client, s.opts.MaxPriorityFeeGwei)
		if err != nil {
			return common.Hash{}, err
		}
		header, err := client.HeaderByNumber(ctx, nil)
		if err != nil {
			return common.Hash{}, clierr.Wrap(clierr.CodeUnavailable, "fetch latest header", err)
		}
		baseFee := header.BaseFee
		if baseFee == nil {
			baseFee = big.NewInt(1_000_000_000)
		}
		feeCap, err := resolveFeeCap(baseFee, tipCap, s.opts.MaxFeeGwei)
		if err != nil {
			return common.Hash{}, err
		}
		tx = types.NewTx(&types.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     nonce,
			GasTipCap: tipCap,
			GasFeeCap: feeCap,
			Gas:       gasLimit,
			To:        &target,
			Value:     value,
			Data:      req.Data,
		})
	}

	signed, err := txSigner.SignTx(chainID, tx)
	if err != nil {
		return common.Hash{}, clierr.Wrap(clierr.CodeSigner, "sign transaction", err)
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, wrapEVMExecutionError(clierr.CodeUnavailable, "broadcast transaction", err)
	}
	s.logger.Info("transaction broadcast",
		zap.String("chain", req.Chain.Slug),
		zap.String("kind", string(req.Kind)),
		zap.String("tx_hash", signed.Hash().Hex()),
		zap.Uint64("nonce", nonce),
		zap.Bool("legacy", req.Legacy),
	)
	return signed.Hash(), nil
}

// CheckGasFunds fails with CodeInsufficientGas when from cannot pay gasUnits at the current gas price plus value.
func (s *Submitter) CheckGasFunds(ctx context.Context, chain id.Chain, from common.Address, value *big.Int, gasUnits uint64) error {
	client, err := s.nodes.Node(ctx, chain)
	if err != nil {
		return err
	}
	balance, err := client.BalanceAt(ctx, from, nil)
	if err != nil {
		return clierr.Wrap(clierr.CodeUnavailable, "read native balance", err)
	}
	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return clierr.Wrap(clierr.CodeUnavailable, "suggest gas price", err)
	}
	need := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasUnits))
	if value != nil {
		need.Add(need, value)
	}
	if balance.Cmp(need) < 0 {
		return clierr.New(clierr.CodeInsufficientGas, fmt.Sprintf("insufficient native balance for gas on %s: have %s wei, need about %s wei", chain.Slug, balance, need))
	}
	return nil
}

var signerNonceLocks sync.Map

// acquireSignerNonceLock serializes nonce reads and broadcasts per (chain, signer).
func acquireSignerNonceLock(chainID *big.Int, addr common.Address) func() {
	key := chainID.String() + ":" + strings.ToLower(addr.Hex())
	v, _ := signerNonceLocks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func resolveTipCap(ctx context.Context, client Node, overrideGwei string) (*big.Int, error) {
	if strings.TrimSpace(overrideGwei) != "" {
		v, err := parseGwei(overrideGwei)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUsage, "parse max priority fee gwei", err)
		}
		return v, nil
	}
	tipCap, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return big.NewInt(2_000_000_000), nil // 2 gwei fallback
	}
	return tipCap, nil
}

func resolveFeeCap(baseFee, tipCap *big.Int, overrideGwei string) (*big.Int, error) {
	if strings.TrimSpace(overrideGwei) != "" {
		v, err := parseGwei(overrideGwei)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUsage, "parse max fee gwei", err)
		}
		if v.Cmp(tipCap) < 0 {
			return nil, clierr.New(clierr.CodeUsage, "max fee must be >= max priority fee")
		}
		return v, nil
	}
	feeCap := new(big.Int).Mul(baseFee, big.NewInt(2))
	feeCap.Add(feeCap, tipCap)
	return feeCap, nil
}

func parseGwei(v string) (*big.Int, error) {
	clean := strings.TrimSpace(v)
	if clean == "" {
		return nil, fmt.Errorf("empty gwei value")
	}
	rat, ok := new(big.Rat).SetString(clean)
	if !ok {
		return nil, fmt.Errorf("invalid numeric value %q", v)
	}
	if rat.Sign() < 0 {
		return nil, fmt.Errorf("value must be non-negative")
	}
	rat.Mul(rat, big.NewRat(1_000_000_000, 1))
	if !rat.IsInt() {
		return nil, fmt.Errorf("value must resolve to an integer wei amount")
	}
	return new(big.Int).Set(rat.Num()), nil
}

func decodeHex(v string) ([]byte, error) {
	clean := strings.TrimSpace(v)
	clean = strings.TrimPrefix(clean, "0x")
	if clean == "" {
		return []byte{}, nil
	}
	if len(clean)%2 != 0 {
		clean = "0" + clean
	}
	buf, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return buf, nil
}

// DecodeHex parses 0x-prefixed calldata returned by providers.
func DecodeHex(v string) ([]byte, error) {
	return decodeHex(v)
}
