package swap

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/ggonzalez94/defi-agent/internal/approval"
	clierr "github.com/ggonzalez94/defi-agent/internal/errors"
	"github.com/ggonzalez94/defi-agent/internal/execution"
	"github.com/ggonzalez94/defi-agent/internal/execution/planner"
	"github.com/ggonzalez94/defi-agent/internal/execution/signer"
	"github.com/ggonzalez94/defi-agent/internal/id"
	"github.com/ggonzalez94/defi-agent/internal/logging"
	"github.com/ggonzalez94/defi-agent/internal/metrics"
	"github.com/ggonzalez94/defi-agent/internal/providers"
	"github.com/ggonzalez94/defi-agent/internal/providers/uniswapv3"
	"github.com/ggonzalez94/defi-agent/internal/registry"
)

const (
	DefaultSettleDelay  = 3 * time.Second
	DefaultPreflightGas = 300_000
	poolSwapDeadline    = 20 * time.Minute
)

// Outcome classifies one provider attempt for the fallback loop.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	// OutcomeRetryable moves on to the next provider.
	OutcomeRetryable
	// OutcomeFatal stops the loop; no later provider runs.
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	default:
		return "fatal"
	}
}

// Request is an exact-input swap of Amount base units of From into To.
type Request struct {
	Chain       id.Chain
	From        string
	To          string
	Amount      *big.Int
	SlippageBps int64
}

func (r Request) validate() error {
	if r.Amount == nil || r.Amount.Sign() <= 0 {
		return clierr.New(clierr.CodeUsage, "swap amount must be a positive integer in base units")
	}
	if r.SlippageBps < 0 || r.SlippageBps > 10_000 {
		return clierr.New(clierr.CodeUsage, "slippage must be between 0 and 10000 bps")
	}
	if !common.IsHexAddress(r.From) || !common.IsHexAddress(r.To) {
		return clierr.New(clierr.CodeUsage, "swap tokens must be resolved addresses")
	}
	if strings.EqualFold(r.From, r.To) {
		return clierr.New(clierr.CodeUsage, "swap tokens must differ")
	}
	return nil
}

// Result describes a confirmed swap. On failure it still carries the steps taken.
type Result struct {
	Provider       string
	TxHash         common.Hash
	ApprovalTxHash common.Hash
	AmountOut      string
	Attempts       []string
	Steps          []execution.ActionStep
}

type Options struct {
	ConfirmTimeout time.Duration
	SettleDelay    time.Duration
	PreflightGas   uint64
	Metrics        *metrics.Recorder
	Logger         *zap.Logger
}

// Executor tries the primary permit API, then the aggregator, then a direct pool swap.
// Any of the three may be nil, in which case it is skipped.
type Executor struct {
	primary    providers.PermitSwapProvider
	aggregator providers.AggregatorProvider
	dex        providers.PoolSwapProvider

	submitter *execution.Submitter
	waiter    *execution.Waiter
	approvals *approval.Manager

	timeout      time.Duration
	settle       time.Duration
	preflightGas uint64
	metrics      *metrics.Recorder
	logger       *zap.Logger
	sleep        func(ctx context.Context, d time.Duration) error
	now          func() time.Time
}

func NewExecutor(
	primary providers.PermitSwapProvider,
	aggregator providers.AggregatorProvider,
	dex providers.PoolSwapProvider,
	submitter *execution.Submitter,
	waiter *execution.Waiter,
	approvals *approval.Manager,
	opts Options,
) *Executor {
	settle := opts.SettleDelay
	if settle < 0 {
		settle = 0
	} else if settle == 0 {
		settle = DefaultSettleDelay
	}
	gas := opts.PreflightGas
	if gas == 0 {
		gas = DefaultPreflightGas
	}
	return &Executor{
		primary:      primary,
		aggregator:   aggregator,
		dex:          dex,
		submitter:    submitter,
		waiter:       waiter,
		approvals:    approvals,
		timeout:      opts.ConfirmTimeout,
		settle:       settle,
		preflightGas: gas,
		metrics:      opts.Metrics,
		logger:       logging.OrNop(opts.Logger).Named("swap"),
		sleep:        sleepContext,
		now:          time.Now,
	}
}

type route struct {
	name      string
	preflight bool
	run       func(ctx context.Context, s signer.Signer, req Request, res *Result) error
}

func (e *Executor) routes() []route {
	var out []route
	if e.primary != nil {
		out = append(out, route{name: e.primary.Info().Name, run: e.runPrimary})
	}
	if e.aggregator != nil {
		out = append(out, route{name: e.aggregator.Info().Name, preflight: true, run: e.runAggregator})
	}
	if e.dex != nil {
		out = append(out, route{name: e.dex.Info().Name, preflight: true, run: e.runDex})
	}
	return out
}

// Swap executes req, falling through providers in order until one confirms.
// When every provider fails the error carries the last provider's message.
func (e *Executor) Swap(ctx context.Context, s signer.Signer, req Request) (Result, error) {
	var res Result
	if s == nil {
		return res, clierr.New(clierr.CodeSigner, "missing signer")
	}
	if err := req.validate(); err != nil {
		return res, err
	}
	routes := e.routes()
	if len(routes) == 0 {
		return res, clierr.New(clierr.CodeUnsupported, "no swap providers configured")
	}

	var last error
	for i, r := range routes {
		if r.preflight {
			if err := e.preflight(ctx, s, req); err != nil {
				res.Attempts = append(res.Attempts, r.name+":"+OutcomeFatal.String())
				e.metrics.ProviderAttempt("swap", r.name, OutcomeFatal.String())
				return res, err
			}
		}
		err := r.run(ctx, s, req, &res)
		outcome := classify(ctx, err)
		res.Attempts = append(res.Attempts, r.name+":"+outcome.String())
		e.metrics.ProviderAttempt("swap", r.name, outcome.String())
		switch outcome {
		case OutcomeSuccess:
			res.Provider = r.name
			e.logger.Info("swap confirmed",
				zap.String("provider", r.name),
				zap.String("chain", req.Chain.Slug),
				zap.String("tx_hash", res.TxHash.Hex()),
				zap.Int("attempt", i+1))
			return res, nil
		case OutcomeFatal:
			e.logger.Warn("swap aborted", zap.String("provider", r.name), zap.Error(err))
			return res, err
		}
		e.logger.Warn("swap provider failed, falling back", zap.String("provider", r.name), zap.Error(err))
		last = err
	}
	return res, clierr.New(clierr.CodeOf(last, clierr.CodeLiquidity), last.Error())
}

// classify decides whether a provider failure may fall through to the next provider.
func classify(ctx context.Context, err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return OutcomeFatal
	}
	switch clierr.CodeOf(err, clierr.CodeUnavailable) {
	case clierr.CodeInsufficientGas, clierr.CodeInsufficientFunds, clierr.CodeConfirmTimeout, clierr.CodeSigner:
		return OutcomeFatal
	}
	var fatal *approvalError
	if errors.As(err, &fatal) {
		return OutcomeFatal
	}
	return OutcomeRetryable
}

// approvalError marks a failed approval, which ends the swap.
type approvalError struct{ err error }

func (e *approvalError) Error() string { return e.err.Error() }
func (e *approvalError) Unwrap() error { return e.err }

// refine maps generic provider failures onto the engine taxonomy using their text.
func refine(err error) error {
	if err == nil {
		return nil
	}
	code := clierr.CodeOf(err, clierr.CodeUnavailable)
	switch code {
	case clierr.CodeUnavailable, clierr.CodeUnsupported, clierr.CodeActionSim, clierr.CodeInternal:
		if refined := execution.ClassifyFailure(err.Error(), code); refined != code {
			return clierr.New(refined, err.Error())
		}
	}
	return err
}

func (e *Executor) preflight(ctx context.Context, s signer.Signer, req Request) error {
	value := big.NewInt(0)
	if id.IsNative(req.From) {
		value = req.Amount
	}
	return e.submitter.CheckGasFunds(ctx, req.Chain, s.Address(), value, e.preflightGas)
}

func (e *Executor) swapRequest(s signer.Signer, req Request) providers.SwapRequest {
	return providers.SwapRequest{
		Chain:       req.Chain,
		FromToken:   req.From,
		ToToken:     req.To,
		Amount:      new(big.Int).Set(req.Amount),
		SlippageBps: req.SlippageBps,
		Swapper:     s.Address(),
	}
}

func (e *Executor) runPrimary(ctx context.Context, s signer.Signer, req Request, res *Result) error {
	err := e.primaryOnce(ctx, s, req, res)
	if !clierr.Is(err, clierr.CodeAllowance) || id.IsNative(req.From) {
		return err
	}
	e.logger.Info("primary swap needs permit2 allowance, approving", zap.String("token", req.From))
	approved, aerr := e.approve(ctx, s, req.Chain, req.From, common.HexToAddress(registry.Permit2Address), req.Amount, e.primary.Info().Name, res)
	if aerr != nil {
		return aerr
	}
	if approved {
		if err := e.sleep(ctx, e.settle); err != nil {
			return err
		}
	}
	return e.primaryOnce(ctx, s, req, res)
}

func (e *Executor) primaryOnce(ctx context.Context, s signer.Signer, req Request, res *Result) error {
	name := e.primary.Info().Name
	quote, err := e.primary.QuotePermit(ctx, e.swapRequest(s, req))
	if err != nil {
		return refine(err)
	}
	var signature []byte
	if quote.Permit != nil {
		signature, err = s.SignTypedData(*quote.Permit)
		if err != nil {
			return clierr.Wrap(clierr.CodeSigner, "sign permit2 data", err)
		}
	}
	payload, err := e.primary.BuildPermitSwap(ctx, quote, signature)
	if err != nil {
		return refine(err)
	}
	if err := e.submitSwap(ctx, s, req.Chain, name, payload, res); err != nil {
		return err
	}
	res.AmountOut = quote.AmountOut
	return nil
}

func (e *Executor) runAggregator(ctx context.Context, s signer.Signer, req Request, res *Result) error {
	name := e.aggregator.Info().Name
	quote, err := e.aggregator.QuoteAggregator(ctx, e.swapRequest(s, req))
	if err != nil {
		return refine(err)
	}
	if quote.AllowanceSpender != "" && !id.IsNative(req.From) {
		if _, err := e.approve(ctx, s, req.Chain, req.From, common.HexToAddress(quote.AllowanceSpender), req.Amount, name, res); err != nil {
			return err
		}
	}
	if err := e.submitSwap(ctx, s, req.Chain, name, quote.Tx, res); err != nil {
		return err
	}
	res.AmountOut = quote.BuyAmount
	return nil
}

func (e *Executor) runDex(ctx context.Context, s signer.Signer, req Request, res *Result) error {
	name := e.dex.Info().Name
	quote, err := e.dex.QuotePool(ctx, e.swapRequest(s, req))
	if err != nil {
		return refine(err)
	}
	if id.IsNative(req.From) {
		if err := e.wrap(ctx, s, req.Chain, req.Amount, name, res); err != nil {
			return err
		}
	}
	if _, err := e.approve(ctx, s, req.Chain, quote.TokenIn.Hex(), quote.Router, quote.AmountIn, name, res); err != nil {
		return err
	}
	minOut := uniswapv3.MinAmountOut(quote.AmountOut, req.SlippageBps)
	deadline := e.now().Add(poolSwapDeadline).Unix()
	payload, err := e.dex.BuildPoolSwap(quote, s.Address(), minOut, deadline)
	if err != nil {
		return err
	}
	if err := e.submitSwap(ctx, s, req.Chain, name, payload, res); err != nil {
		return err
	}
	res.AmountOut = quote.AmountOut.String()
	return nil
}

func (e *Executor) wrap(ctx context.Context, s signer.Signer, chain id.Chain, amount *big.Int, provider string, res *Result) error {
	data, err := planner.PackDeposit()
	if err != nil {
		return err
	}
	weth := common.HexToAddress(chain.WrappedNative.Address)
	step := execution.ActionStep{Type: execution.StepTypeWrap, Provider: provider, Target: weth.Hex(), Value: amount.String()}
	hash, err := e.submitter.Send(ctx, s, execution.TxRequest{
		Chain: chain,
		Kind:  execution.StepTypeWrap,
		To:    weth,
		Data:  data,
		Value: amount,
	})
	if err != nil {
		res.Steps = append(res.Steps, failedStep(step, err))
		return err
	}
	step.TxHash = hash.Hex()
	if _, err := e.waiter.Wait(ctx, chain, hash, "wrap", e.timeout); err != nil {
		res.Steps = append(res.Steps, failedStep(step, err))
		return err
	}
	step.Status = execution.StepStatusConfirmed
	res.Steps = append(res.Steps, step)
	return nil
}

// approve reports whether an approval transaction was sent. Any failure ends the swap.
func (e *Executor) approve(ctx context.Context, s signer.Signer, chain id.Chain, token string, spender common.Address, amount *big.Int, provider string, res *Result) (bool, error) {
	out, err := e.approvals.Ensure(ctx, s, approval.Request{Chain: chain, Token: token, Spender: spender, Required: amount})
	if err != nil {
		step := execution.ActionStep{Type: execution.StepTypeApproval, Provider: provider, Target: spender.Hex()}
		if out.TxHash != (common.Hash{}) {
			step.TxHash = out.TxHash.Hex()
		}
		res.Steps = append(res.Steps, failedStep(step, err))
		return false, &approvalError{err: err}
	}
	if !out.Approved {
		return false, nil
	}
	res.ApprovalTxHash = out.TxHash
	res.Steps = append(res.Steps, execution.ActionStep{
		Type:     execution.StepTypeApproval,
		Status:   execution.StepStatusConfirmed,
		Provider: provider,
		Target:   spender.Hex(),
		TxHash:   out.TxHash.Hex(),
	})
	return true, nil
}

func (e *Executor) submitSwap(ctx context.Context, s signer.Signer, chain id.Chain, provider string, payload providers.TxPayload, res *Result) error {
	step := execution.ActionStep{Type: execution.StepTypeSwap, Provider: provider, Target: payload.To.Hex()}
	if payload.Value != nil {
		step.Value = payload.Value.String()
	}
	hash, err := e.submitter.Send(ctx, s, execution.TxRequest{
		Chain: chain,
		Kind:  execution.StepTypeSwap,
		To:    payload.To,
		Data:  payload.Data,
		Value: payload.Value,
		Gas:   payload.Gas,
	})
	if err != nil {
		res.Steps = append(res.Steps, failedStep(step, err))
		return err
	}
	step.TxHash = hash.Hex()
	if _, err := e.waiter.Wait(ctx, chain, hash, "swap", e.timeout); err != nil {
		res.Steps = append(res.Steps, failedStep(step, err))
		return err
	}
	step.Status = execution.StepStatusConfirmed
	res.Steps = append(res.Steps, step)
	res.TxHash = hash
	return nil
}

func failedStep(step execution.ActionStep, err error) execution.ActionStep {
	step.Status = execution.StepStatusFailed
	if step.TxHash != "" && clierr.Is(err, clierr.CodeConfirmTimeout) {
		step.Status = execution.StepStatusSubmitted
	}
	step.Error = err.Error()
	return step
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return clierr.Wrap(clierr.CodeUnavailable, "wait for approval to settle", ctx.Err())
	case <-timer.C:
	}
	return nil
}
