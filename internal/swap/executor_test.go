package swap

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/ggonzalez94/defi-agent/internal/approval"
	clierr "github.com/ggonzalez94/defi-agent/internal/errors"
	"github.com/ggonzalez94/defi-agent/internal/execution"
	"github.com/ggonzalez94/defi-agent/internal/execution/nodetest"
	"github.com/ggonzalez94/defi-agent/internal/id"
	"github.com/ggonzalez94/defi-agent/internal/model"
	"github.com/ggonzalez94/defi-agent/internal/providers"
)

const (
	usdcBase   = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	baseRouter = "0x2626664c2603336E57B271c5C0b26F421741e481"
)

var (
	allowanceSelector = common.FromHex("0xdd62ed3e")
	approveSelector   = common.FromHex("0x095ea7b3")
	depositSelector   = common.FromHex("0xd0e30db0")
	primaryCalldata   = common.FromHex("0x3593564c0000000000000000000000000000000000000000000000000000000000000001")
	universalRouter   = common.HexToAddress("0x6fF5693b99212Da76ad316178A184AB56D299b43")
)

type fakePrimary struct {
	mu     sync.Mutex
	quotes int
	builds int
	permit bool
	err    error
}

func (f *fakePrimary) Info() model.ProviderInfo {
	return model.ProviderInfo{Name: "uniswap", Role: "primary"}
}

func (f *fakePrimary) QuotePermit(context.Context, providers.SwapRequest) (providers.PermitQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes++
	if f.err != nil {
		return providers.PermitQuote{}, f.err
	}
	q := providers.PermitQuote{Raw: []byte(`{}`), AmountOut: "40000000000000000"}
	if f.permit {
		q.Permit = &apitypes.TypedData{
			Types: apitypes.Types{
				"EIP712Domain": {{Name: "name", Type: "string"}},
				"Ping":         {{Name: "value", Type: "uint256"}},
			},
			PrimaryType: "Ping",
			Domain:      apitypes.TypedDataDomain{Name: "Permit2"},
			Message:     apitypes.TypedDataMessage{"value": "1"},
		}
	}
	return q, nil
}

func (f *fakePrimary) BuildPermitSwap(_ context.Context, q providers.PermitQuote, sig []byte) (providers.TxPayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds++
	if q.Permit != nil && len(sig) != 65 {
		return providers.TxPayload{}, clierr.New(clierr.CodeSigner, "missing permit signature")
	}
	return providers.TxPayload{To: universalRouter, Data: primaryCalldata, Value: big.NewInt(0)}, nil
}

type fakeAggregator struct {
	calls   int
	spender string
	err     error
}

func (f *fakeAggregator) Info() model.ProviderInfo {
	return model.ProviderInfo{Name: "0x", Role: "aggregator"}
}

func (f *fakeAggregator) QuoteAggregator(context.Context, providers.SwapRequest) (providers.AggregatorQuote, error) {
	f.calls++
	if f.err != nil {
		return providers.AggregatorQuote{}, f.err
	}
	return providers.AggregatorQuote{
		Tx: providers.TxPayload{
			To:    common.HexToAddress("0x0000000000001fF3684f28c67538d4D072C22734"),
			Data:  common.FromHex("0x2213bc0b00000000000000000000000000000000000000000000000000000000000000aa"),
			Value: big.NewInt(0),
			Gas:   210_000,
		},
		BuyAmount:        "39000000000000000",
		AllowanceSpender: f.spender,
	}, nil
}

type fakeDex struct {
	calls    int
	err      error
	minOut   *big.Int
	deadline int64
}

func (f *fakeDex) Info() model.ProviderInfo {
	return model.ProviderInfo{Name: "uniswap-v3", Role: "dex"}
}

func (f *fakeDex) QuotePool(_ context.Context, req providers.SwapRequest) (providers.PoolQuote, error) {
	f.calls++
	if f.err != nil {
		return providers.PoolQuote{}, f.err
	}
	tokenIn := common.HexToAddress(req.FromToken)
	if id.IsNative(req.FromToken) {
		tokenIn = common.HexToAddress(req.Chain.WrappedNative.Address)
	}
	return providers.PoolQuote{
		Router:    common.HexToAddress(baseRouter),
		TokenIn:   tokenIn,
		TokenOut:  common.HexToAddress(req.ToToken),
		Fee:       3000,
		AmountIn:  new(big.Int).Set(req.Amount),
		AmountOut: big.NewInt(1000),
	}, nil
}

func (f *fakeDex) BuildPoolSwap(q providers.PoolQuote, _ common.Address, minOut *big.Int, deadline int64) (providers.TxPayload, error) {
	f.minOut = minOut
	f.deadline = deadline
	return providers.TxPayload{To: q.Router, Data: common.FromHex("0xdeadbeef"), Value: big.NewInt(0)}, nil
}

type harness struct {
	chain  id.Chain
	node   *nodetest.Node
	exec   *Executor
	sleeps int
}

func newHarness(t *testing.T, primary providers.PermitSwapProvider, agg providers.AggregatorProvider, dex providers.PoolSwapProvider) *harness {
	t.Helper()
	chain, err := id.ParseChain("base")
	if err != nil {
		t.Fatalf("parse chain: %v", err)
	}
	node := nodetest.New(chain)
	node.Call = func(msg ethereum.CallMsg) ([]byte, error) {
		if bytes.HasPrefix(msg.Data, allowanceSelector) {
			return common.LeftPadBytes(nil, 32), nil
		}
		return []byte{}, nil
	}
	sub := execution.NewSubmitter(node, execution.DefaultSubmitOptions(), nil)
	waiter := execution.NewWaiter(node, 5*time.Millisecond, nil, nil)
	approvals := approval.NewManager(sub, waiter, time.Second, nil)
	h := &harness{chain: chain, node: node}
	h.exec = NewExecutor(primary, agg, dex, sub, waiter, approvals, Options{ConfirmTimeout: 200 * time.Millisecond, SettleDelay: time.Second})
	h.exec.sleep = func(context.Context, time.Duration) error {
		h.sleeps++
		return nil
	}
	return h
}

func (h *harness) request() Request {
	return Request{Chain: h.chain, From: usdcBase, To: id.NativeSentinel, Amount: big.NewInt(100_000_000), SlippageBps: 50}
}

func TestSwapPrimarySuccessSendsOneTransaction(t *testing.T) {
	primary := &fakePrimary{permit: true}
	agg := &fakeAggregator{}
	dex := &fakeDex{}
	h := newHarness(t, primary, agg, dex)

	res, err := h.exec.Swap(context.Background(), nodetest.Signer(), h.request())
	if err != nil {
		t.Fatalf("Swap failed: %v", err)
	}
	sent := h.node.Sent()
	if len(sent) != 1 || res.TxHash != sent[0].Hash() {
		t.Fatalf("expected exactly one swap tx, got %d", len(sent))
	}
	if res.Provider != "uniswap" || agg.calls != 0 || dex.calls != 0 {
		t.Fatalf("unexpected provider usage: res=%s agg=%d dex=%d", res.Provider, agg.calls, dex.calls)
	}
	if len(res.Steps) != 1 || res.Steps[0].Status != execution.StepStatusConfirmed {
		t.Fatalf("unexpected steps: %+v", res.Steps)
	}
	if res.AmountOut != "40000000000000000" {
		t.Fatalf("unexpected amount out: %s", res.AmountOut)
	}
}

func TestSwapPrimaryAllowanceApprovesSettlesAndRetriesOnce(t *testing.T) {
	primary := &fakePrimary{}
	h := newHarness(t, primary, &fakeAggregator{}, &fakeDex{})
	approved := false
	h.node.Call = func(msg ethereum.CallMsg) ([]byte, error) {
		switch {
		case bytes.HasPrefix(msg.Data, allowanceSelector):
			return common.LeftPadBytes(nil, 32), nil
		case bytes.Equal(msg.Data, primaryCalldata) && !approved:
			return nil, errors.New("execution reverted: TRANSFER_FROM_FAILED")
		}
		return []byte{}, nil
	}
	h.node.Send = func(tx *types.Transaction) error {
		if bytes.HasPrefix(tx.Data(), approveSelector) {
			approved = true
		}
		return nil
	}

	res, err := h.exec.Swap(context.Background(), nodetest.Signer(), h.request())
	if err != nil {
		t.Fatalf("Swap failed: %v", err)
	}
	sent := h.node.Sent()
	if len(sent) != 2 {
		t.Fatalf("expected approval plus swap, got %d txs", len(sent))
	}
	if !bytes.HasPrefix(sent[0].Data(), approveSelector) {
		t.Fatalf("first tx should be the permit2 approval")
	}
	spender := common.BytesToAddress(sent[0].Data()[4:36])
	if spender != common.HexToAddress("0x000000000022D473030F116dDEE9F6B43aC78BA3") {
		t.Fatalf("approval should target permit2, got %s", spender.Hex())
	}
	if primary.quotes != 2 || h.sleeps != 1 {
		t.Fatalf("expected one retry after one settle, got quotes=%d sleeps=%d", primary.quotes, h.sleeps)
	}
	if res.ApprovalTxHash != sent[0].Hash() || res.TxHash != sent[1].Hash() {
		t.Fatalf("unexpected hashes in result: %+v", res)
	}
}

func TestSwapFallbackOrderReturnsLastMessage(t *testing.T) {
	primary := &fakePrimary{err: clierr.New(clierr.CodeLiquidity, "uniswap returned no quote")}
	agg := &fakeAggregator{err: clierr.New(clierr.CodeUnavailable, "0x unavailable")}
	dex := &fakeDex{err: clierr.New(clierr.CodeLiquidity, "no uniswap v3 pool quote for pair on base")}
	h := newHarness(t, primary, agg, dex)

	res, err := h.exec.Swap(context.Background(), nodetest.Signer(), h.request())
	if err == nil {
		t.Fatal("expected swap failure")
	}
	if err.Error() != "no uniswap v3 pool quote for pair on base" {
		t.Fatalf("expected last provider message verbatim, got %q", err.Error())
	}
	if !clierr.Is(err, clierr.CodeLiquidity) {
		t.Fatalf("expected liquidity code, got %v", err)
	}
	want := []string{"uniswap:retryable", "0x:retryable", "uniswap-v3:retryable"}
	if len(res.Attempts) != len(want) {
		t.Fatalf("unexpected attempts: %+v", res.Attempts)
	}
	for i := range want {
		if res.Attempts[i] != want[i] {
			t.Fatalf("attempt %d: want %s got %s", i, want[i], res.Attempts[i])
		}
	}
}

func TestSwapGasPreflightShortCircuits(t *testing.T) {
	primary := &fakePrimary{err: clierr.New(clierr.CodeLiquidity, "uniswap returned no quote")}
	agg := &fakeAggregator{}
	dex := &fakeDex{}
	h := newHarness(t, primary, agg, dex)
	h.node.Balance = big.NewInt(0)

	_, err := h.exec.Swap(context.Background(), nodetest.Signer(), h.request())
	if !clierr.Is(err, clierr.CodeInsufficientGas) {
		t.Fatalf("expected insufficient gas, got %v", err)
	}
	if agg.calls != 0 || dex.calls != 0 {
		t.Fatalf("no provider should run after a failed preflight: agg=%d dex=%d", agg.calls, dex.calls)
	}
}

func TestSwapPrimaryInsufficientGasIsFatal(t *testing.T) {
	primary := &fakePrimary{}
	agg := &fakeAggregator{}
	h := newHarness(t, primary, agg, &fakeDex{})
	h.node.Call = func(msg ethereum.CallMsg) ([]byte, error) {
		return nil, errors.New("insufficient funds for gas * price + value")
	}

	_, err := h.exec.Swap(context.Background(), nodetest.Signer(), h.request())
	if !clierr.Is(err, clierr.CodeInsufficientGas) {
		t.Fatalf("expected insufficient gas, got %v", err)
	}
	if agg.calls != 0 {
		t.Fatalf("aggregator must not run after fatal failure")
	}
}

func TestSwapAggregatorApprovesSpenderAndSubmitsVerbatim(t *testing.T) {
	primary := &fakePrimary{err: clierr.New(clierr.CodeAuth, "missing required API key for uniswap")}
	agg := &fakeAggregator{spender: "0x0000000000001fF3684f28c67538d4D072C22734"}
	h := newHarness(t, primary, agg, &fakeDex{})

	res, err := h.exec.Swap(context.Background(), nodetest.Signer(), h.request())
	if err != nil {
		t.Fatalf("Swap failed: %v", err)
	}
	sent := h.node.Sent()
	if len(sent) != 2 {
		t.Fatalf("expected approval and swap, got %d", len(sent))
	}
	if !bytes.HasPrefix(sent[0].Data(), approveSelector) {
		t.Fatal("expected approval first")
	}
	swapTx := sent[1]
	if swapTx.To() == nil || *swapTx.To() != common.HexToAddress("0x0000000000001fF3684f28c67538d4D072C22734") {
		t.Fatalf("swap target not submitted verbatim: %v", swapTx.To())
	}
	if !bytes.Equal(swapTx.Data(), common.FromHex("0x2213bc0b00000000000000000000000000000000000000000000000000000000000000aa")) {
		t.Fatal("swap calldata not submitted verbatim")
	}
	if swapTx.Gas() != 210_000 {
		t.Fatalf("expected provider gas limit, got %d", swapTx.Gas())
	}
	if res.Provider != "0x" || res.Attempts[0] != "uniswap:retryable" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestSwapDexWrapsNativeAndAppliesSlippage(t *testing.T) {
	primary := &fakePrimary{err: clierr.New(clierr.CodeLiquidity, "uniswap returned no quote")}
	agg := &fakeAggregator{err: clierr.New(clierr.CodeLiquidity, "0x reports no liquidity for this pair")}
	dex := &fakeDex{}
	h := newHarness(t, primary, agg, dex)
	fixed := time.Unix(1_700_000_000, 0)
	h.exec.now = func() time.Time { return fixed }

	req := h.request()
	req.From, req.To = id.NativeSentinel, usdcBase
	req.Amount = big.NewInt(1e16)
	res, err := h.exec.Swap(context.Background(), nodetest.Signer(), req)
	if err != nil {
		t.Fatalf("Swap failed: %v", err)
	}
	sent := h.node.Sent()
	if len(sent) != 3 {
		t.Fatalf("expected wrap, approve, swap; got %d", len(sent))
	}
	if !bytes.Equal(sent[0].Data(), depositSelector) || sent[0].Value().Cmp(req.Amount) != 0 {
		t.Fatalf("first tx should wrap the input amount")
	}
	if !bytes.HasPrefix(sent[1].Data(), approveSelector) {
		t.Fatal("second tx should approve the router")
	}
	if dex.minOut.Int64() != 995 {
		t.Fatalf("expected minAmountOut 995, got %s", dex.minOut)
	}
	if dex.deadline != fixed.Add(20*time.Minute).Unix() {
		t.Fatalf("unexpected deadline: %d", dex.deadline)
	}
	if res.Provider != "uniswap-v3" || len(res.Steps) != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestSwapConfirmationTimeoutDoesNotFallThrough(t *testing.T) {
	primary := &fakePrimary{}
	agg := &fakeAggregator{}
	h := newHarness(t, primary, agg, &fakeDex{})
	h.node.Pending = true

	res, err := h.exec.Swap(context.Background(), nodetest.Signer(), h.request())
	if !clierr.Is(err, clierr.CodeConfirmTimeout) {
		t.Fatalf("expected confirmation timeout, got %v", err)
	}
	if agg.calls != 0 {
		t.Fatal("timeout must not fall through to the aggregator")
	}
	if len(res.Steps) != 1 || res.Steps[0].Status != execution.StepStatusSubmitted {
		t.Fatalf("expected submitted step, got %+v", res.Steps)
	}
}

func TestSwapRejectsInvalidRequests(t *testing.T) {
	h := newHarness(t, &fakePrimary{}, nil, nil)
	cases := []Request{
		{Chain: h.chain, From: usdcBase, To: id.NativeSentinel, Amount: big.NewInt(0)},
		{Chain: h.chain, From: usdcBase, To: id.NativeSentinel, Amount: big.NewInt(1), SlippageBps: 10_001},
		{Chain: h.chain, From: usdcBase, To: usdcBase, Amount: big.NewInt(1)},
		{Chain: h.chain, From: "USDC", To: id.NativeSentinel, Amount: big.NewInt(1)},
	}
	for i, req := range cases {
		if _, err := h.exec.Swap(context.Background(), nodetest.Signer(), req); !clierr.Is(err, clierr.CodeUsage) {
			t.Fatalf("case %d: expected usage error, got %v", i, err)
		}
	}
	if len(h.node.Sent()) != 0 {
		t.Fatal("invalid requests must not broadcast")
	}
}
