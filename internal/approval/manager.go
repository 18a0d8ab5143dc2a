package approval

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	clierr "github.com/ggonzalez94/defi-agent/internal/errors"
	"github.com/ggonzalez94/defi-agent/internal/execution"
	"github.com/ggonzalez94/defi-agent/internal/execution/planner"
	"github.com/ggonzalez94/defi-agent/internal/execution/signer"
	"github.com/ggonzalez94/defi-agent/internal/id"
	"github.com/ggonzalez94/defi-agent/internal/logging"
)

// Request asks for owner's allowance of Token toward Spender to cover Required.
type Request struct {
	Chain    id.Chain
	Token    string
	Spender  common.Address
	Required *big.Int
}

// Result reports whether an approval was sent. TxHash is zero when the allowance already sufficed.
type Result struct {
	Approved  bool
	Allowance *big.Int
	TxHash    common.Hash
}

// Manager reads allowances on-chain and approves the max amount when they fall short.
// It holds no approval state between calls.
type Manager struct {
	submitter *execution.Submitter
	waiter    *execution.Waiter
	timeout   time.Duration
	logger    *zap.Logger
}

func NewManager(submitter *execution.Submitter, waiter *execution.Waiter, confirmTimeout time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		submitter: submitter,
		waiter:    waiter,
		timeout:   confirmTimeout,
		logger:    logging.OrNop(logger).Named("approval"),
	}
}

// Allowance reads allowance(owner, spender) for token.
func (m *Manager) Allowance(ctx context.Context, chain id.Chain, token string, owner, spender common.Address) (*big.Int, error) {
	if !common.IsHexAddress(token) {
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("approval token must be an ERC20 address, got %q", token))
	}
	client, err := m.submitter.Nodes().Node(ctx, chain)
	if err != nil {
		return nil, err
	}
	data, err := planner.PackAllowance(owner, spender)
	if err != nil {
		return nil, err
	}
	target := common.HexToAddress(token)
	out, err := client.CallContract(ctx, ethereum.CallMsg{From: owner, To: &target, Data: data}, nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "read token allowance", err)
	}
	return planner.UnpackAllowance(out)
}

// Ensure approves MaxUint256 for req.Spender when the current allowance is below req.Required
// and waits for the approval to confirm. The native sentinel needs no approval.
func (m *Manager) Ensure(ctx context.Context, owner signer.Signer, req Request) (Result, error) {
	if id.IsNative(req.Token) {
		return Result{}, nil
	}
	if owner == nil {
		return Result{}, clierr.New(clierr.CodeSigner, "missing signer")
	}
	if req.Required == nil || req.Required.Sign() <= 0 {
		return Result{}, clierr.New(clierr.CodeUsage, "approval amount must be a positive integer in base units")
	}
	if req.Spender == (common.Address{}) {
		return Result{}, clierr.New(clierr.CodeUsage, "approval requires spender address")
	}

	current, err := m.Allowance(ctx, req.Chain, req.Token, owner.Address(), req.Spender)
	if err != nil {
		return Result{}, err
	}
	if current.Cmp(req.Required) >= 0 {
		m.logger.Debug("allowance sufficient",
			zap.String("chain", req.Chain.Slug),
			zap.String("token", strings.ToLower(req.Token)),
			zap.String("spender", req.Spender.Hex()),
			zap.String("allowance", current.String()))
		return Result{Allowance: current}, nil
	}

	data, err := planner.PackApprove(req.Spender, planner.MaxUint256)
	if err != nil {
		return Result{}, err
	}
	hash, err := m.submitter.Send(ctx, owner, execution.TxRequest{
		Chain: req.Chain,
		Kind:  execution.StepTypeApproval,
		To:    common.HexToAddress(req.Token),
		Data:  data,
	})
	if err != nil {
		return Result{}, clierr.Wrap(clierr.CodeOf(err, clierr.CodeUnavailable), "approve "+req.Spender.Hex(), err)
	}
	m.logger.Info("approval submitted",
		zap.String("chain", req.Chain.Slug),
		zap.String("token", strings.ToLower(req.Token)),
		zap.String("spender", req.Spender.Hex()),
		zap.String("tx_hash", hash.Hex()))
	if _, err := m.waiter.Wait(ctx, req.Chain, hash, "approval", m.timeout); err != nil {
		return Result{TxHash: hash}, err
	}
	return Result{Approved: true, Allowance: new(big.Int).Set(planner.MaxUint256), TxHash: hash}, nil
}
