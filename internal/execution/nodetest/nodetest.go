// Package nodetest provides an in-memory JSON-RPC node for engine tests.
package nodetest

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/ggonzalez94/defi-agent/internal/execution"
	"github.com/ggonzalez94/defi-agent/internal/execution/signer"
	"github.com/ggonzalez94/defi-agent/internal/id"
)

// TestPrivateKey is the well-known first anvil/hardhat account.
const TestPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcac784d7bf4f2ff80"

func Signer() *signer.LocalSigner {
	s, err := signer.NewLocalSigner(signer.LocalSignerConfig{PrivateKeyHex: TestPrivateKey})
	if err != nil {
		panic(err)
	}
	return s
}

// Node mines every accepted transaction immediately unless told otherwise.
type Node struct {
	mu sync.Mutex

	ID       *big.Int
	Balance  *big.Int
	GasPrice *big.Int
	Tip      *big.Int
	BaseFee  *big.Int
	GasUsed  uint64

	// Call answers eth_call. Nil returns empty output.
	Call func(msg ethereum.CallMsg) ([]byte, error)
	// Estimate answers eth_estimateGas. Nil returns GasUsed.
	Estimate func(msg ethereum.CallMsg) (uint64, error)
	// Send intercepts broadcasts. Nil accepts.
	Send func(tx *types.Transaction) error
	// Status decides each mined receipt's status. Nil means success.
	Status func(tx *types.Transaction) uint64
	// Pending leaves broadcasts unmined so receipt polling never finds them.
	Pending bool

	nonce    uint64
	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt
	calls    []ethereum.CallMsg
}

func New(chain id.Chain) *Node {
	return &Node{
		ID:       big.NewInt(chain.EVMChainID),
		Balance:  new(big.Int).Mul(big.NewInt(10), big.NewInt(1e18)),
		GasPrice: big.NewInt(1_000_000_000),
		Tip:      big.NewInt(1_000_000_000),
		BaseFee:  big.NewInt(1_000_000_000),
		GasUsed:  50_000,
		receipts: map[common.Hash]*types.Receipt{},
	}
}

func (n *Node) Node(context.Context, id.Chain) (execution.Node, error) { return n, nil }

func (n *Node) ChainID(context.Context) (*big.Int, error) { return n.ID, nil }

func (n *Node) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	n.mu.Lock()
	n.calls = append(n.calls, msg)
	call := n.Call
	n.mu.Unlock()
	if call == nil {
		return []byte{}, nil
	}
	return call(msg)
}

func (n *Node) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	if n.Estimate != nil {
		return n.Estimate(msg)
	}
	return n.GasUsed, nil
}

func (n *Node) SuggestGasTipCap(context.Context) (*big.Int, error) { return n.Tip, nil }

func (n *Node) SuggestGasPrice(context.Context) (*big.Int, error) { return n.GasPrice, nil }

func (n *Node) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(100), BaseFee: n.BaseFee}, nil
}

func (n *Node) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nonce, nil
}

func (n *Node) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if n.Send != nil {
		if err := n.Send(tx); err != nil {
			return err
		}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nonce++
	n.sent = append(n.sent, tx)
	if n.Pending {
		return nil
	}
	status := types.ReceiptStatusSuccessful
	if n.Status != nil {
		status = n.Status(tx)
	}
	n.receipts[tx.Hash()] = &types.Receipt{
		Status:      status,
		TxHash:      tx.Hash(),
		GasUsed:     n.GasUsed,
		BlockNumber: big.NewInt(101),
	}
	return nil
}

func (n *Node) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if receipt, ok := n.receipts[hash]; ok {
		return receipt, nil
	}
	return nil, ethereum.NotFound
}

func (n *Node) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return n.Balance, nil
}

// Sent returns broadcast transactions in order.
func (n *Node) Sent() []*types.Transaction {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*types.Transaction, len(n.sent))
	copy(out, n.sent)
	return out
}

// Calls returns every eth_call request seen so far.
func (n *Node) Calls() []ethereum.CallMsg {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]ethereum.CallMsg, len(n.calls))
	copy(out, n.calls)
	return out
}
