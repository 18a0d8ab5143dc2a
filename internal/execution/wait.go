package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	clierr "github.com/ggonzalez94/defi-agent/internal/errors"
	"github.com/ggonzalez94/defi-agent/internal/id"
	"github.com/ggonzalez94/defi-agent/internal/logging"
	"github.com/ggonzalez94/defi-agent/internal/metrics"
)

// Waiter polls for transaction receipts.
type Waiter struct {
	nodes        NodeSource
	pollInterval time.Duration
	metrics      *metrics.Recorder
	logger       *zap.Logger
}

func NewWaiter(nodes NodeSource, pollInterval time.Duration, recorder *metrics.Recorder, logger *zap.Logger) *Waiter {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Waiter{nodes: nodes, pollInterval: pollInterval, metrics: recorder, logger: logging.OrNop(logger).Named("waiter")}
}

// Wait blocks until hash is mined or timeout elapses. A reverted receipt is CodeReverted;
// running out of time is CodeConfirmTimeout and says nothing about the transaction's fate.
func (w *Waiter) Wait(ctx context.Context, chain id.Chain, hash common.Hash, label string, timeout time.Duration) (*types.Receipt, error) {
	client, err := w.nodes.Node(ctx, chain)
	if err != nil {
		return nil, err
	}
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := client.TransactionReceipt(waitCtx, hash)
		if err == nil && receipt != nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				w.metrics.Confirmation(label, "reverted")
				w.logger.Warn("transaction reverted", zap.String("label", label), zap.String("tx_hash", hash.Hex()))
				return receipt, clierr.New(clierr.CodeReverted, fmt.Sprintf("%s reverted on-chain (tx %s)", label, hash.Hex()))
			}
			w.metrics.Confirmation(label, "confirmed")
			w.logger.Debug("transaction confirmed", zap.String("label", label), zap.String("tx_hash", hash.Hex()), zap.Uint64("block", receipt.BlockNumber.Uint64()))
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) && waitCtx.Err() == nil {
			w.logger.Debug("receipt poll failed", zap.String("tx_hash", hash.Hex()), zap.Error(err))
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				w.metrics.Confirmation(label, "canceled")
				return nil, clierr.Wrap(clierr.CodeUnavailable, fmt.Sprintf("waiting for %s canceled", label), ctx.Err())
			}
			w.metrics.Confirmation(label, "timeout")
			return nil, clierr.New(clierr.CodeConfirmTimeout, fmt.Sprintf("%s not confirmed within %s (tx %s); it may still be mined", label, timeout, hash.Hex()))
		case <-ticker.C:
		}
	}
}
