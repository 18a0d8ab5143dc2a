package execution

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	clierr "github.com/ggonzalez94/defi-agent/internal/errors"
	"github.com/ggonzalez94/defi-agent/internal/id"
	"github.com/ggonzalez94/defi-agent/internal/logging"
	"github.com/ggonzalez94/defi-agent/internal/registry"
)

// Node is the JSON-RPC surface the engine needs. *ethclient.Client satisfies it.
type Node interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// NodeSource hands out a node connection per chain.
type NodeSource interface {
	Node(ctx context.Context, chain id.Chain) (Node, error)
}

// Pool dials one ethclient per chain and reuses it. Endpoints are tried in order; one that
// is unreachable or serves a different chain is skipped.
type Pool struct {
	mu        sync.Mutex
	overrides map[string]string
	clients   map[int64]*ethclient.Client
	logger    *zap.Logger
}

const dialTimeout = 10 * time.Second

func NewPool(overrides map[string]string, logger *zap.Logger) *Pool {
	norm := make(map[string]string, len(overrides))
	for k, v := range overrides {
		norm[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return &Pool{overrides: norm, clients: map[int64]*ethclient.Client{}, logger: logging.OrNop(logger).Named("rpc")}
}

func (p *Pool) Node(ctx context.Context, chain id.Chain) (Node, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if client, ok := p.clients[chain.EVMChainID]; ok {
		return client, nil
	}
	endpoints, err := registry.RPCEndpoints(p.overrides[chain.Slug], chain.EVMChainID)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "resolve rpc url", err)
	}
	var lastErr error
	for _, endpoint := range endpoints {
		client, err := dial(ctx, endpoint, chain.EVMChainID)
		if err != nil {
			p.logger.Debug("rpc endpoint skipped", zap.String("chain", chain.Slug), zap.String("endpoint", endpoint), zap.Error(err))
			lastErr = err
			continue
		}
		p.clients[chain.EVMChainID] = client
		return client, nil
	}
	return nil, clierr.Wrap(clierr.CodeUnavailable, fmt.Sprintf("connect rpc for %s", chain.Slug), lastErr)
}

func dial(ctx context.Context, endpoint string, want int64) (*ethclient.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	client, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	got, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, err
	}
	if got.Int64() != want {
		client.Close()
		return nil, fmt.Errorf("endpoint serves chain id %s, want %d", got, want)
	}
	return client, nil
}

func (p *Pool) Close() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for chainID, client := range p.clients {
		client.Close()
		delete(p.clients, chainID)
	}
}
