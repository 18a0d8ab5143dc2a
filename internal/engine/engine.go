package engine

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	clierr "github.com/ggonzalez94/defi-agent/internal/errors"
	"github.com/ggonzalez94/defi-agent/internal/execution"
	"github.com/ggonzalez94/defi-agent/internal/execution/signer"
	"github.com/ggonzalez94/defi-agent/internal/id"
	"github.com/ggonzalez94/defi-agent/internal/logging"
	"github.com/ggonzalez94/defi-agent/internal/model"
	"github.com/ggonzalez94/defi-agent/internal/swap"
	"github.com/ggonzalez94/defi-agent/internal/transfer"
)

type TokenResolver interface {
	Resolve(ctx context.Context, tokenRef, network string) (model.ResolvedToken, error)
}

type WalletCache interface {
	Snapshot(ctx context.Context, account, chain string, forceRefresh bool) (model.WalletSnapshot, error)
	Invalidate(account string)
}

type Swapper interface {
	Swap(ctx context.Context, s signer.Signer, req swap.Request) (swap.Result, error)
}

type Transferrer interface {
	Transfer(ctx context.Context, s signer.Signer, req transfer.Request) (transfer.Result, error)
	TransferNFT(ctx context.Context, s signer.Signer, req transfer.NFTRequest) (transfer.Result, error)
}

type Signers interface {
	Signer(name string) (signer.Signer, error)
}

// Journal persists actions. *execution.Store satisfies it.
type Journal interface {
	Save(action execution.Action) error
	Get(actionID string) (execution.Action, error)
	List(filter execution.ActionFilter) ([]execution.Action, error)
}

type Deps struct {
	Resolver           TokenResolver
	Wallets            WalletCache
	Swaps              Swapper
	Transfers          Transferrer
	Signers            Signers
	Journal            Journal
	DefaultSlippageBps int64
	Logger             *zap.Logger
}

// Engine is the caller-facing surface: primitive inputs in, structured results or typed errors out.
type Engine struct {
	resolver  TokenResolver
	wallets   WalletCache
	swaps     Swapper
	transfers Transferrer
	signers   Signers
	journal   Journal
	slippage  int64
	logger    *zap.Logger
}

func New(deps Deps) *Engine {
	slippage := deps.DefaultSlippageBps
	if slippage <= 0 {
		slippage = 50
	}
	return &Engine{
		resolver:  deps.Resolver,
		wallets:   deps.Wallets,
		swaps:     deps.Swaps,
		transfers: deps.Transfers,
		signers:   deps.Signers,
		journal:   deps.Journal,
		slippage:  slippage,
		logger:    logging.OrNop(deps.Logger).Named("engine"),
	}
}

type SwapInput struct {
	Account       string `json:"account"`
	Network       string `json:"network"`
	FromToken     string `json:"from_token"`
	ToToken       string `json:"to_token"`
	Amount        string `json:"amount"`
	AmountDecimal string `json:"amount_decimal"`
	// SlippageBps falls back to the configured default when nil.
	SlippageBps *int64 `json:"slippage_bps"`
}

type TransferInput struct {
	Account       string `json:"account"`
	Network       string `json:"network"`
	To            string `json:"to"`
	Token         string `json:"token"`
	Amount        string `json:"amount"`
	AmountDecimal string `json:"amount_decimal"`
}

type NFTTransferInput struct {
	Account  string `json:"account"`
	Network  string `json:"network"`
	Contract string `json:"contract"`
	TokenID  string `json:"token_id"`
	To       string `json:"to"`
}

func (e *Engine) ResolveToken(ctx context.Context, tokenRef, network string) (model.ResolvedToken, error) {
	return e.resolver.Resolve(ctx, tokenRef, network)
}

func (e *Engine) Snapshot(ctx context.Context, account, chain string, forceRefresh bool) (model.WalletSnapshot, error) {
	return e.wallets.Snapshot(ctx, account, chain, forceRefresh)
}

func (e *Engine) Swap(ctx context.Context, in SwapInput) (model.SwapResult, error) {
	chain, err := id.ParseChain(in.Network)
	if err != nil {
		return model.SwapResult{}, err
	}
	from, err := e.resolver.Resolve(ctx, in.FromToken, chain.Slug)
	if err != nil {
		return model.SwapResult{}, err
	}
	to, err := e.resolver.Resolve(ctx, in.ToToken, chain.Slug)
	if err != nil {
		return model.SwapResult{}, err
	}
	slippage := e.slippage
	if in.SlippageBps != nil {
		slippage = *in.SlippageBps
	}
	if slippage < 0 || slippage > 10_000 {
		return model.SwapResult{}, clierr.New(clierr.CodeUsage, "slippage must be between 0 and 10000 bps")
	}
	s, err := e.signer(in.Account)
	if err != nil {
		return model.SwapResult{}, err
	}
	amount, err := e.amount(ctx, in.Account, chain, from, in.Amount, in.AmountDecimal)
	if err != nil {
		return model.SwapResult{}, err
	}

	action := execution.NewAction(execution.NewActionID(), "swap", chain.CAIP2)
	action.Account = in.Account
	action.FromAddress = s.Address().Hex()
	action.InputAmount = amount.String()
	action.Metadata = map[string]any{
		"from_token":   from.Address,
		"to_token":     to.Address,
		"slippage_bps": slippage,
	}

	e.persist(&action)
	res, swapErr := e.swaps.Swap(ctx, s, swap.Request{
		Chain:       chain,
		From:        from.Address,
		To:          to.Address,
		Amount:      amount,
		SlippageBps: slippage,
	})
	for _, step := range res.Steps {
		action.Record(step)
	}
	action.Provider = res.Provider
	if len(res.Attempts) > 0 {
		action.Metadata["attempts"] = res.Attempts
	}
	e.finish(&action, in.Account, swapErr)

	out := model.SwapResult{
		ActionID:     action.ActionID,
		Network:      chain.Slug,
		ProviderUsed: res.Provider,
		FromToken:    from.Symbol,
		ToToken:      to.Symbol,
		FromAmount:   amountInfo(amount, from.Decimals),
		Attempts:     res.Attempts,
	}
	if swapErr != nil {
		return out, swapErr
	}
	out.TransactionHash = res.TxHash.Hex()
	if res.ApprovalTxHash != (common.Hash{}) {
		out.ApprovalTxHash = res.ApprovalTxHash.Hex()
	}
	return out, nil
}

func (e *Engine) Transfer(ctx context.Context, in TransferInput) (model.TransferResult, error) {
	chain, err := id.ParseChain(in.Network)
	if err != nil {
		return model.TransferResult{}, err
	}
	if !id.IsAddress(in.To) {
		return model.TransferResult{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("recipient %q is not a valid EVM address", in.To))
	}
	token, err := e.resolver.Resolve(ctx, in.Token, chain.Slug)
	if err != nil {
		return model.TransferResult{}, err
	}
	s, err := e.signer(in.Account)
	if err != nil {
		return model.TransferResult{}, err
	}
	amount, err := e.amount(ctx, in.Account, chain, token, in.Amount, in.AmountDecimal)
	if err != nil {
		return model.TransferResult{}, err
	}

	action := execution.NewAction(execution.NewActionID(), "transfer", chain.CAIP2)
	action.Account = in.Account
	action.FromAddress = s.Address().Hex()
	action.ToAddress = common.HexToAddress(in.To).Hex()
	action.InputAmount = amount.String()
	action.Metadata = map[string]any{"token": token.Address}

	e.persist(&action)
	res, transferErr := e.transfers.Transfer(ctx, s, transfer.Request{
		Chain:  chain,
		To:     in.To,
		Token:  token.Address,
		Amount: amount,
	})
	for _, step := range res.Steps {
		action.Record(step)
	}
	action.Provider = res.Path
	e.finish(&action, in.Account, transferErr)

	out := model.TransferResult{
		ActionID: action.ActionID,
		Network:  chain.Slug,
		From:     s.Address().Hex(),
		To:       common.HexToAddress(in.To).Hex(),
		Token:    token.Symbol,
		Amount:   amountInfo(amount, token.Decimals),
		Path:     res.Path,
	}
	if transferErr != nil {
		return out, transferErr
	}
	out.TransactionHash = res.TxHash.Hex()
	return out, nil
}

func (e *Engine) TransferNFT(ctx context.Context, in NFTTransferInput) (model.NFTTransferResult, error) {
	chain, err := id.ParseChain(in.Network)
	if err != nil {
		return model.NFTTransferResult{}, err
	}
	if !id.IsAddress(in.Contract) {
		return model.NFTTransferResult{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("nft contract %q is not a valid EVM address", in.Contract))
	}
	if !id.IsAddress(in.To) {
		return model.NFTTransferResult{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("recipient %q is not a valid EVM address", in.To))
	}
	tokenID, ok := new(big.Int).SetString(strings.TrimSpace(in.TokenID), 0)
	if !ok || tokenID.Sign() < 0 {
		return model.NFTTransferResult{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid nft token id %q", in.TokenID))
	}
	s, err := e.signer(in.Account)
	if err != nil {
		return model.NFTTransferResult{}, err
	}

	action := execution.NewAction(execution.NewActionID(), "nft_transfer", chain.CAIP2)
	action.Account = in.Account
	action.FromAddress = s.Address().Hex()
	action.ToAddress = common.HexToAddress(in.To).Hex()
	action.Metadata = map[string]any{"contract": common.HexToAddress(in.Contract).Hex(), "token_id": tokenID.String()}

	e.persist(&action)
	res, nftErr := e.transfers.TransferNFT(ctx, s, transfer.NFTRequest{
		Chain:    chain,
		Contract: in.Contract,
		TokenID:  tokenID,
		To:       in.To,
	})
	for _, step := range res.Steps {
		action.Record(step)
	}
	e.finish(&action, in.Account, nftErr)

	out := model.NFTTransferResult{
		ActionID: action.ActionID,
		Network:  chain.Slug,
		From:     s.Address().Hex(),
		To:       common.HexToAddress(in.To).Hex(),
		Contract: common.HexToAddress(in.Contract).Hex(),
		TokenID:  tokenID.String(),
	}
	if nftErr != nil {
		return out, nftErr
	}
	out.TransactionHash = res.TxHash.Hex()
	return out, nil
}

// Actions lists journaled actions. filter.ChainID accepts any network reference and is matched as CAIP-2.
func (e *Engine) Actions(filter execution.ActionFilter) ([]execution.Action, error) {
	if e.journal == nil {
		return []execution.Action{}, nil
	}
	if strings.TrimSpace(filter.ChainID) != "" {
		chain, err := id.ParseChain(filter.ChainID)
		if err != nil {
			return nil, err
		}
		filter.ChainID = chain.CAIP2
	}
	return e.journal.List(filter)
}

func (e *Engine) Action(actionID string) (execution.Action, error) {
	if e.journal == nil {
		return execution.Action{}, clierr.New(clierr.CodeNotFound, "action journal is not configured")
	}
	return e.journal.Get(actionID)
}

func (e *Engine) signer(account string) (signer.Signer, error) {
	s, err := e.signers.Signer(account)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeSigner, "load signer", err)
	}
	return s, nil
}

// amount resolves an amount expression for token, reading a fresh balance for percentages.
func (e *Engine) amount(ctx context.Context, account string, chain id.Chain, token model.ResolvedToken, expr, decimalExpr string) (*big.Int, error) {
	parsed, err := ParseAmount(expr, decimalExpr)
	if err != nil {
		return nil, err
	}
	var balance *big.Int
	if parsed.NeedsBalance() {
		balance, err = e.balanceOf(ctx, account, chain, token)
		if err != nil {
			return nil, err
		}
	}
	return parsed.BaseUnits(token.Decimals, balance)
}

func (e *Engine) balanceOf(ctx context.Context, account string, chain id.Chain, token model.ResolvedToken) (*big.Int, error) {
	snap, err := e.wallets.Snapshot(ctx, account, chain.Slug, true)
	if err != nil {
		return nil, err
	}
	for _, tok := range snap.Tokens {
		if tok.Chain != chain.Slug {
			continue
		}
		native := tok.ContractAddress == nil
		if token.Native != native {
			continue
		}
		if !native && !strings.EqualFold(*tok.ContractAddress, token.Address) {
			continue
		}
		bal, ok := new(big.Int).SetString(tok.Balance, 10)
		if !ok {
			return nil, clierr.New(clierr.CodeUnavailable, "wallet snapshot has a malformed balance")
		}
		return bal, nil
	}
	return nil, clierr.New(clierr.CodeInsufficientFunds, fmt.Sprintf("no %s balance found on %s", token.Symbol, chain.Slug))
}

// finish settles the action status, persists it and drops stale wallet state.
// Journal failures are logged and never fail the operation.
func (e *Engine) finish(action *execution.Action, account string, opErr error) {
	switch {
	case opErr == nil:
		action.Status = execution.ActionStatusCompleted
	case clierr.Is(opErr, clierr.CodeConfirmTimeout):
		action.Status = execution.ActionStatusUnknown
		action.Error = opErr.Error()
	default:
		action.Status = execution.ActionStatusFailed
		action.Error = opErr.Error()
	}
	action.Touch()
	if len(action.Steps) > 0 && e.wallets != nil {
		e.wallets.Invalidate(account)
	}
	e.persist(action)
}

// persist writes the action's current state. A running action is saved before anything is broadcast
// so a crash leaves a record behind.
func (e *Engine) persist(action *execution.Action) {
	if e.journal == nil {
		return
	}
	if err := e.journal.Save(*action); err != nil {
		e.logger.Warn("action journal write failed", zap.String("action_id", action.ActionID), zap.Error(err))
	}
}

func amountInfo(v *big.Int, decimals int) model.AmountInfo {
	return model.AmountInfo{
		AmountBaseUnits: v.String(),
		AmountDecimal:   id.FormatUnits(v, decimals),
		Decimals:        decimals,
	}
}
