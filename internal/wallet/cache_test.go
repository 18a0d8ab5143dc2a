package wallet

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	clierr "github.com/ggonzalez94/defi-agent/internal/errors"
	"github.com/ggonzalez94/defi-agent/internal/id"
	"github.com/ggonzalez94/defi-agent/internal/model"
	"github.com/ggonzalez94/defi-agent/internal/providers"
)

const (
	priced   = "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913"
	unpriced = "0x1111111111111111111111111111111111111111"
)

type fakeData struct {
	mu         sync.Mutex
	balanceHit int
	nftHit     int
	failChain  string
	native     *big.Int
}

func (f *fakeData) Info() model.ProviderInfo { return model.ProviderInfo{Name: "fake"} }

func (f *fakeData) Balances(_ context.Context, chain id.Chain, _ common.Address) (*big.Int, []providers.TokenBalance, error) {
	f.mu.Lock()
	f.balanceHit++
	f.mu.Unlock()
	if chain.Slug == f.failChain {
		return nil, nil, clierr.New(clierr.CodeUnavailable, "indexer down")
	}
	return f.native, []providers.TokenBalance{
		{Contract: priced, Balance: big.NewInt(1_500_000)},
		{Contract: unpriced, Balance: big.NewInt(42)},
	}, nil
}

func (f *fakeData) NFTs(_ context.Context, chain id.Chain, _ common.Address) ([]model.WalletNFT, error) {
	f.mu.Lock()
	f.nftHit++
	f.mu.Unlock()
	return []model.WalletNFT{{Chain: chain.Slug, ContractAddress: "0x2222222222222222222222222222222222222222", TokenID: "7"}}, nil
}

type fakePrices struct{}

func (fakePrices) Metadata(_ context.Context, _ id.Chain, address string) (providers.TokenMetadata, error) {
	if strings.EqualFold(address, priced) {
		return providers.TokenMetadata{Address: priced, Symbol: "USDC", Name: "USD Coin", Decimals: 6, USDPrice: 1, HasPrice: true}, nil
	}
	return providers.TokenMetadata{}, clierr.New(clierr.CodeNotFound, "no metadata")
}

func (fakePrices) NativePrice(context.Context, id.Chain) (float64, error) {
	return 2000, nil
}

type fakeBook struct{}

func (fakeBook) Address(account string) (common.Address, error) {
	if account == "missing" {
		return common.Address{}, errors.New("unknown account")
	}
	return common.HexToAddress("0x00000000000000000000000000000000000000aa"), nil
}

func newTestCache(t *testing.T, data *fakeData, ttl time.Duration, chains ...string) *Cache {
	t.Helper()
	var parsed []id.Chain
	for _, c := range chains {
		chain, err := id.ParseChain(c)
		if err != nil {
			t.Fatalf("parse chain %s: %v", c, err)
		}
		parsed = append(parsed, chain)
	}
	if data.native == nil {
		data.native = new(big.Int).Mul(big.NewInt(5), big.NewInt(1e17))
	}
	return New(data, fakePrices{}, fakeBook{}, Options{TTL: ttl, Chains: parsed})
}

func TestSnapshotValuesTokensAndExcludesUnpriced(t *testing.T) {
	data := &fakeData{}
	c := newTestCache(t, data, time.Minute, "base")

	snap, err := c.Snapshot(context.Background(), "trader", "base", false)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if len(snap.Tokens) != 2 {
		t.Fatalf("expected native plus priced token, got %+v", snap.Tokens)
	}
	native := snap.Tokens[0]
	if native.ContractAddress != nil || native.Symbol != "ETH" {
		t.Fatalf("expected native token first with nil contract, got %+v", native)
	}
	if native.BalanceFormatted != "0.5" || native.USDValue != 1000 {
		t.Fatalf("unexpected native valuation: %+v", native)
	}
	usdc := snap.Tokens[1]
	if usdc.ContractAddress == nil || *usdc.ContractAddress != priced {
		t.Fatalf("unexpected token contract: %+v", usdc)
	}
	if usdc.BalanceFormatted != "1.5" || usdc.USDValue != 1.5 {
		t.Fatalf("unexpected usdc valuation: %+v", usdc)
	}
	if snap.TotalUSDValue != 1001.5 {
		t.Fatalf("unexpected total: %v", snap.TotalUSDValue)
	}
	if len(snap.NFTs) != 1 || snap.NFTs[0].TokenID != "7" {
		t.Fatalf("unexpected nfts: %+v", snap.NFTs)
	}
	if snap.Chain != "base" {
		t.Fatalf("unexpected scope: %s", snap.Chain)
	}
}

func TestSnapshotFreshHitDoesNoIO(t *testing.T) {
	data := &fakeData{}
	c := newTestCache(t, data, time.Minute, "base")

	if _, err := c.Snapshot(context.Background(), "trader", "", false); err != nil {
		t.Fatalf("first Snapshot failed: %v", err)
	}
	if _, err := c.Snapshot(context.Background(), "trader", "", false); err != nil {
		t.Fatalf("second Snapshot failed: %v", err)
	}
	if data.balanceHit != 1 || data.nftHit != 1 {
		t.Fatalf("expected one fetch, got balances=%d nfts=%d", data.balanceHit, data.nftHit)
	}
}

func TestSnapshotForceRefreshOverwrites(t *testing.T) {
	data := &fakeData{}
	c := newTestCache(t, data, time.Minute, "base")

	if _, err := c.Snapshot(context.Background(), "trader", "base", false); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	data.native = big.NewInt(0)
	refreshed, err := c.Snapshot(context.Background(), "trader", "base", true)
	if err != nil {
		t.Fatalf("forced Snapshot failed: %v", err)
	}
	if refreshed.Tokens[0].Balance != "0" {
		t.Fatalf("expected refreshed native balance, got %+v", refreshed.Tokens[0])
	}
	cached, err := c.Snapshot(context.Background(), "trader", "base", false)
	if err != nil {
		t.Fatalf("cached Snapshot failed: %v", err)
	}
	if cached.Tokens[0].Balance != "0" || data.balanceHit != 2 {
		t.Fatalf("expected forced fetch to overwrite entry, got balance=%s hits=%d", cached.Tokens[0].Balance, data.balanceHit)
	}
}

func TestSnapshotExpiredEntryRefetches(t *testing.T) {
	data := &fakeData{}
	c := newTestCache(t, data, 20*time.Millisecond, "base")

	if _, err := c.Snapshot(context.Background(), "trader", "base", false); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	time.Sleep(40 * time.Millisecond)
	if _, err := c.Snapshot(context.Background(), "trader", "base", false); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if data.balanceHit != 2 {
		t.Fatalf("expected refetch after ttl, got %d", data.balanceHit)
	}
}

func TestSnapshotKeysAreScopedByChain(t *testing.T) {
	data := &fakeData{}
	c := newTestCache(t, data, time.Minute, "base", "polygon")

	if _, err := c.Snapshot(context.Background(), "trader", "", false); err != nil {
		t.Fatalf("all-chain Snapshot failed: %v", err)
	}
	if _, err := c.Snapshot(context.Background(), "trader", "base", false); err != nil {
		t.Fatalf("base Snapshot failed: %v", err)
	}
	if data.balanceHit != 3 {
		t.Fatalf("expected separate entries for all and base, got %d balance calls", data.balanceHit)
	}
}

func TestSnapshotFailingChainContributesNothing(t *testing.T) {
	data := &fakeData{failChain: "polygon"}
	c := newTestCache(t, data, time.Minute, "base", "polygon")

	snap, err := c.Snapshot(context.Background(), "trader", "", false)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	for _, tok := range snap.Tokens {
		if tok.Chain == "polygon" {
			t.Fatalf("failed chain leaked tokens: %+v", tok)
		}
	}
	if len(snap.FailedChains) != 1 || snap.FailedChains[0] != "polygon" {
		t.Fatalf("unexpected failed chains: %+v", snap.FailedChains)
	}
}

func TestSnapshotAllChainsFailed(t *testing.T) {
	data := &fakeData{failChain: "base"}
	c := newTestCache(t, data, time.Minute, "base")

	_, err := c.Snapshot(context.Background(), "trader", "base", false)
	if !clierr.Is(err, clierr.CodeUnavailable) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
	data.failChain = ""
	if _, err := c.Snapshot(context.Background(), "trader", "base", false); err != nil {
		t.Fatalf("expected failure not to be cached: %v", err)
	}
}

func TestSnapshotUnknownAccount(t *testing.T) {
	c := newTestCache(t, &fakeData{}, time.Minute, "base")
	if _, err := c.Snapshot(context.Background(), "missing", "base", false); err == nil {
		t.Fatal("expected unknown account error")
	}
}

func TestInvalidateDropsAccountEntries(t *testing.T) {
	data := &fakeData{}
	c := newTestCache(t, data, time.Minute, "base")

	if _, err := c.Snapshot(context.Background(), "trader", "base", false); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	c.Invalidate("trader")
	if _, err := c.Snapshot(context.Background(), "trader", "base", false); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if data.balanceHit != 2 {
		t.Fatalf("expected refetch after invalidate, got %d", data.balanceHit)
	}
}
