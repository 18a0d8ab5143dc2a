package transfer

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	clierr "github.com/ggonzalez94/defi-agent/internal/errors"
	"github.com/ggonzalez94/defi-agent/internal/execution"
	"github.com/ggonzalez94/defi-agent/internal/execution/planner"
	"github.com/ggonzalez94/defi-agent/internal/execution/signer"
	"github.com/ggonzalez94/defi-agent/internal/id"
	"github.com/ggonzalez94/defi-agent/internal/logging"
	"github.com/ggonzalez94/defi-agent/internal/metrics"
)

const (
	PathPrimary = "primary"
	PathDirect  = "direct"

	nativeTransferGas = 21_000
	tokenTransferGas  = 100_000
)

// Request moves Amount base units of Token (an ERC20 address or the native sentinel) to To.
type Request struct {
	Chain  id.Chain
	To     string
	Token  string
	Amount *big.Int
}

func (r Request) validate() error {
	if !common.IsHexAddress(r.To) || common.HexToAddress(r.To) == (common.Address{}) {
		return clierr.New(clierr.CodeUsage, "transfer recipient must be a non-zero EVM address")
	}
	if !common.IsHexAddress(r.Token) {
		return clierr.New(clierr.CodeUsage, "transfer token must be a resolved address")
	}
	if r.Amount == nil || r.Amount.Sign() <= 0 {
		return clierr.New(clierr.CodeUsage, "transfer amount must be a positive integer in base units")
	}
	return nil
}

// NFTRequest moves one ERC-721 token to To.
type NFTRequest struct {
	Chain    id.Chain
	Contract string
	TokenID  *big.Int
	To       string
}

type Result struct {
	TxHash common.Hash
	Path   string
	Steps  []execution.ActionStep
}

type Options struct {
	ConfirmTimeout time.Duration
	Metrics        *metrics.Recorder
	Logger         *zap.Logger
}

// Executor sends transfers through the simulated EIP-1559 path and falls back to a
// directly built legacy transaction with the same recipient and amount.
type Executor struct {
	submitter *execution.Submitter
	waiter    *execution.Waiter
	timeout   time.Duration
	metrics   *metrics.Recorder
	logger    *zap.Logger
}

func NewExecutor(submitter *execution.Submitter, waiter *execution.Waiter, opts Options) *Executor {
	return &Executor{
		submitter: submitter,
		waiter:    waiter,
		timeout:   opts.ConfirmTimeout,
		metrics:   opts.Metrics,
		logger:    logging.OrNop(opts.Logger).Named("transfer"),
	}
}

func (e *Executor) Transfer(ctx context.Context, s signer.Signer, req Request) (Result, error) {
	var res Result
	if s == nil {
		return res, clierr.New(clierr.CodeSigner, "missing signer")
	}
	if err := req.validate(); err != nil {
		return res, err
	}
	base, err := buildTx(req)
	if err != nil {
		return res, err
	}

	err = e.attempt(ctx, s, req.Chain, PathPrimary, base, &res)
	if err == nil {
		return res, nil
	}
	if !fallsBack(ctx, err) {
		return res, err
	}
	e.logger.Warn("primary transfer failed, sending direct transaction", zap.String("chain", req.Chain.Slug), zap.Error(err))

	direct := base
	direct.Legacy = true
	direct.SkipSimulation = true
	direct.Gas = tokenTransferGas
	if id.IsNative(req.Token) {
		direct.Gas = nativeTransferGas
	}
	if err := e.attempt(ctx, s, req.Chain, PathDirect, direct, &res); err != nil {
		return res, err
	}
	return res, nil
}

// buildTx encodes a plain value transfer for the native sentinel, else ERC20 transfer(to, amount).
func buildTx(req Request) (execution.TxRequest, error) {
	to := common.HexToAddress(req.To)
	if id.IsNative(req.Token) {
		return execution.TxRequest{
			Chain: req.Chain,
			Kind:  execution.StepTypeTransfer,
			To:    to,
			Value: new(big.Int).Set(req.Amount),
		}, nil
	}
	data, err := planner.PackTransfer(to, req.Amount)
	if err != nil {
		return execution.TxRequest{}, err
	}
	return execution.TxRequest{
		Chain: req.Chain,
		Kind:  execution.StepTypeTransfer,
		To:    common.HexToAddress(req.Token),
		Data:  data,
		Value: big.NewInt(0),
	}, nil
}

// fallsBack allows the direct path after failures that did not leave a transaction in flight.
func fallsBack(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch clierr.CodeOf(err, clierr.CodeUnavailable) {
	case clierr.CodeConfirmTimeout, clierr.CodeInsufficientFunds, clierr.CodeInsufficientGas, clierr.CodeSigner, clierr.CodeUsage:
		return false
	}
	return true
}

func (e *Executor) attempt(ctx context.Context, s signer.Signer, chain id.Chain, path string, tx execution.TxRequest, res *Result) error {
	step := execution.ActionStep{Type: tx.Kind, Provider: path, Target: tx.To.Hex()}
	if tx.Value != nil {
		step.Value = tx.Value.String()
	}
	hash, err := e.submitter.Send(ctx, s, tx)
	if err != nil {
		e.metrics.ProviderAttempt(string(tx.Kind), path, "failed")
		step.Status = execution.StepStatusFailed
		step.Error = err.Error()
		res.Steps = append(res.Steps, step)
		return err
	}
	step.TxHash = hash.Hex()
	if _, err := e.waiter.Wait(ctx, chain, hash, string(tx.Kind), e.timeout); err != nil {
		e.metrics.ProviderAttempt(string(tx.Kind), path, "failed")
		step.Status = execution.StepStatusFailed
		if clierr.Is(err, clierr.CodeConfirmTimeout) {
			step.Status = execution.StepStatusSubmitted
		}
		step.Error = err.Error()
		res.Steps = append(res.Steps, step)
		return err
	}
	e.metrics.ProviderAttempt(string(tx.Kind), path, "success")
	step.Status = execution.StepStatusConfirmed
	res.Steps = append(res.Steps, step)
	res.TxHash = hash
	res.Path = path
	e.logger.Info("transfer confirmed", zap.String("chain", chain.Slug), zap.String("path", path), zap.String("tx_hash", hash.Hex()))
	return nil
}

// TransferNFT sends an ERC-721 token with safeTransferFrom(owner, to, tokenId).
func (e *Executor) TransferNFT(ctx context.Context, s signer.Signer, req NFTRequest) (Result, error) {
	var res Result
	if s == nil {
		return res, clierr.New(clierr.CodeSigner, "missing signer")
	}
	if !common.IsHexAddress(req.Contract) || common.HexToAddress(req.Contract) == (common.Address{}) {
		return res, clierr.New(clierr.CodeUsage, "nft contract must be a non-zero EVM address")
	}
	if !common.IsHexAddress(req.To) {
		return res, clierr.New(clierr.CodeUsage, "nft recipient must be an EVM address")
	}
	data, err := planner.PackSafeTransferFrom(s.Address(), common.HexToAddress(req.To), req.TokenID)
	if err != nil {
		return res, err
	}
	err = e.attempt(ctx, s, req.Chain, PathPrimary, execution.TxRequest{
		Chain: req.Chain,
		Kind:  execution.StepTypeNFTTransfer,
		To:    common.HexToAddress(req.Contract),
		Data:  data,
		Value: big.NewInt(0),
	}, &res)
	return res, err
}
