package transfer

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	clierr "github.com/ggonzalez94/defi-agent/internal/errors"
	"github.com/ggonzalez94/defi-agent/internal/execution"
	"github.com/ggonzalez94/defi-agent/internal/execution/nodetest"
	"github.com/ggonzalez94/defi-agent/internal/id"
)

const (
	usdcBase  = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	recipient = "0x00000000000000000000000000000000000000cd"
)

func newExecutor(t *testing.T) (*Executor, *nodetest.Node, id.Chain) {
	t.Helper()
	chain, err := id.ParseChain("base")
	if err != nil {
		t.Fatalf("parse chain: %v", err)
	}
	node := nodetest.New(chain)
	sub := execution.NewSubmitter(node, execution.DefaultSubmitOptions(), nil)
	waiter := execution.NewWaiter(node, 5*time.Millisecond, nil, nil)
	return NewExecutor(sub, waiter, Options{ConfirmTimeout: 200 * time.Millisecond}), node, chain
}

func TestTransferNativePrimary(t *testing.T) {
	exec, node, chain := newExecutor(t)
	res, err := exec.Transfer(context.Background(), nodetest.Signer(), Request{
		Chain: chain, To: recipient, Token: id.NativeSentinel, Amount: big.NewInt(1e15),
	})
	if err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
	sent := node.Sent()
	if len(sent) != 1 || res.Path != PathPrimary {
		t.Fatalf("expected one primary tx, got %d path=%s", len(sent), res.Path)
	}
	if sent[0].Type() != types.DynamicFeeTxType || len(sent[0].Data()) != 0 {
		t.Fatalf("expected plain dynamic fee value transfer")
	}
	if *sent[0].To() != common.HexToAddress(recipient) || sent[0].Value().Int64() != 1e15 {
		t.Fatalf("unexpected native transfer: to=%s value=%s", sent[0].To().Hex(), sent[0].Value())
	}
}

func TestTransferFallbackKeepsRecipientAndAmount(t *testing.T) {
	exec, node, chain := newExecutor(t)
	node.Estimate = func(ethereum.CallMsg) (uint64, error) {
		return 0, errors.New("upstream rpc error")
	}

	res, err := exec.Transfer(context.Background(), nodetest.Signer(), Request{
		Chain: chain, To: recipient, Token: usdcBase, Amount: big.NewInt(2_500_000),
	})
	if err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
	if res.Path != PathDirect {
		t.Fatalf("expected direct fallback, got %s", res.Path)
	}
	sent := node.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected only the fallback broadcast, got %d", len(sent))
	}
	tx := sent[0]
	if tx.Type() != types.LegacyTxType || tx.Gas() != 100_000 {
		t.Fatalf("unexpected fallback tx: type=%d gas=%d", tx.Type(), tx.Gas())
	}
	if *tx.To() != common.HexToAddress(usdcBase) {
		t.Fatalf("fallback must call the token contract, got %s", tx.To().Hex())
	}
	data := tx.Data()
	if !bytes.HasPrefix(data, common.FromHex("0xa9059cbb")) {
		t.Fatalf("fallback must call transfer(to,amount)")
	}
	if common.BytesToAddress(data[4:36]) != common.HexToAddress(recipient) || new(big.Int).SetBytes(data[36:68]).Int64() != 2_500_000 {
		t.Fatal("fallback changed recipient or amount")
	}
	if len(res.Steps) != 2 || res.Steps[0].Status != execution.StepStatusFailed {
		t.Fatalf("expected failed primary then confirmed direct step, got %+v", res.Steps)
	}
}

func TestTransferFallbackAfterRevert(t *testing.T) {
	exec, node, chain := newExecutor(t)
	calls := 0
	node.Status = func(*types.Transaction) uint64 {
		calls++
		if calls == 1 {
			return types.ReceiptStatusFailed
		}
		return types.ReceiptStatusSuccessful
	}
	res, err := exec.Transfer(context.Background(), nodetest.Signer(), Request{
		Chain: chain, To: recipient, Token: id.NativeSentinel, Amount: big.NewInt(1),
	})
	if err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
	sent := node.Sent()
	if len(sent) != 2 || sent[1].Gas() != 21_000 || res.Path != PathDirect {
		t.Fatalf("expected native fallback with 21000 gas, got %d txs path=%s", len(sent), res.Path)
	}
}

func TestTransferTimeoutDoesNotFallBack(t *testing.T) {
	exec, node, chain := newExecutor(t)
	node.Pending = true
	_, err := exec.Transfer(context.Background(), nodetest.Signer(), Request{
		Chain: chain, To: recipient, Token: id.NativeSentinel, Amount: big.NewInt(1),
	})
	if !clierr.Is(err, clierr.CodeConfirmTimeout) {
		t.Fatalf("expected confirmation timeout, got %v", err)
	}
	if len(node.Sent()) != 1 {
		t.Fatalf("timeout must not trigger a second broadcast, sent=%d", len(node.Sent()))
	}
}

func TestTransferInsufficientFundsIsFatal(t *testing.T) {
	exec, node, chain := newExecutor(t)
	node.Call = func(ethereum.CallMsg) ([]byte, error) {
		return nil, errors.New("execution reverted: ERC20: transfer amount exceeds balance")
	}
	_, err := exec.Transfer(context.Background(), nodetest.Signer(), Request{
		Chain: chain, To: recipient, Token: usdcBase, Amount: big.NewInt(1),
	})
	if !clierr.Is(err, clierr.CodeInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if len(node.Sent()) != 0 {
		t.Fatal("insufficient funds must not fall back")
	}
}

func TestTransferValidation(t *testing.T) {
	exec, _, chain := newExecutor(t)
	cases := []Request{
		{Chain: chain, To: "not-an-address", Token: usdcBase, Amount: big.NewInt(1)},
		{Chain: chain, To: "0x0000000000000000000000000000000000000000", Token: usdcBase, Amount: big.NewInt(1)},
		{Chain: chain, To: recipient, Token: "USDC", Amount: big.NewInt(1)},
		{Chain: chain, To: recipient, Token: usdcBase, Amount: big.NewInt(0)},
	}
	for i, req := range cases {
		if _, err := exec.Transfer(context.Background(), nodetest.Signer(), req); !clierr.Is(err, clierr.CodeUsage) {
			t.Fatalf("case %d: expected usage error, got %v", i, err)
		}
	}
}

func TestTransferNFT(t *testing.T) {
	exec, node, chain := newExecutor(t)
	res, err := exec.TransferNFT(context.Background(), nodetest.Signer(), NFTRequest{
		Chain: chain, Contract: "0x2222222222222222222222222222222222222222", TokenID: big.NewInt(7), To: recipient,
	})
	if err != nil {
		t.Fatalf("TransferNFT failed: %v", err)
	}
	sent := node.Sent()
	if len(sent) != 1 || sent[0].Hash() != res.TxHash {
		t.Fatalf("unexpected nft txs: %d", len(sent))
	}
	if !bytes.HasPrefix(sent[0].Data(), common.FromHex("0x42842e0e")) {
		t.Fatal("expected safeTransferFrom calldata")
	}
	if common.BytesToAddress(sent[0].Data()[4:36]) != nodetest.Signer().Address() {
		t.Fatal("from must be the signer")
	}
}
