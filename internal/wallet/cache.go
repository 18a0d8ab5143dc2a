package wallet

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gocache "github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	clierr "github.com/ggonzalez94/defi-agent/internal/errors"
	"github.com/ggonzalez94/defi-agent/internal/id"
	"github.com/ggonzalez94/defi-agent/internal/logging"
	"github.com/ggonzalez94/defi-agent/internal/metrics"
	"github.com/ggonzalez94/defi-agent/internal/model"
	"github.com/ggonzalez94/defi-agent/internal/providers"
)

const DefaultTTL = 60 * time.Second

// AllChains keys a snapshot that spans every configured chain.
const AllChains = "all"

// AddressBook maps account names to on-chain addresses.
type AddressBook interface {
	Address(account string) (common.Address, error)
}

// PriceSource prices tokens for valuation.
type PriceSource interface {
	Metadata(ctx context.Context, chain id.Chain, address string) (providers.TokenMetadata, error)
	NativePrice(ctx context.Context, chain id.Chain) (float64, error)
}

type Options struct {
	TTL         time.Duration
	Chains      []id.Chain
	Concurrency int
	Metrics     *metrics.Recorder
	Logger      *zap.Logger
}

// Cache holds wallet snapshots keyed by account, or account:chain.
// Entries expire on read and are replaced by the next successful fetch; nothing sweeps them.
type Cache struct {
	data     providers.WalletDataProvider
	prices   PriceSource
	accounts AddressBook
	chains   []id.Chain
	entries  *gocache.Cache
	ttl      time.Duration
	workers  int
	metrics  *metrics.Recorder
	logger   *zap.Logger
	now      func() time.Time
}

func New(data providers.WalletDataProvider, prices PriceSource, accounts AddressBook, opts Options) *Cache {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	chains := opts.Chains
	if len(chains) == 0 {
		chains = id.Chains()
	}
	workers := opts.Concurrency
	if workers <= 0 {
		workers = 4
	}
	return &Cache{
		data:     data,
		prices:   prices,
		accounts: accounts,
		chains:   chains,
		entries:  gocache.New(ttl, 0),
		ttl:      ttl,
		workers:  workers,
		metrics:  opts.Metrics,
		logger:   logging.OrNop(opts.Logger).Named("wallet"),
		now:      time.Now,
	}
}

func cacheKey(account, chain string) string {
	if chain == "" || chain == AllChains {
		return account
	}
	return account + ":" + chain
}

// Snapshot returns balances, NFTs and USD value for account. An empty chain means every chain.
// A fresh entry is served without any I/O unless forceRefresh is set.
func (c *Cache) Snapshot(ctx context.Context, account, chain string, forceRefresh bool) (model.WalletSnapshot, error) {
	account = strings.TrimSpace(account)
	if account == "" {
		return model.WalletSnapshot{}, clierr.New(clierr.CodeUsage, "account is required")
	}
	targets := c.chains
	scope := AllChains
	if strings.TrimSpace(chain) != "" && !strings.EqualFold(strings.TrimSpace(chain), AllChains) {
		parsed, err := id.ParseChain(chain)
		if err != nil {
			return model.WalletSnapshot{}, err
		}
		targets = []id.Chain{parsed}
		scope = parsed.Slug
	}
	key := cacheKey(account, scope)

	if !forceRefresh {
		if v, ok := c.entries.Get(key); ok {
			c.metrics.CacheLookup("wallet", true)
			return v.(model.WalletSnapshot), nil
		}
	}
	c.metrics.CacheLookup("wallet", false)

	owner, err := c.accounts.Address(account)
	if err != nil {
		return model.WalletSnapshot{}, err
	}
	snap, err := c.fetch(ctx, account, owner, scope, targets)
	if err != nil {
		return model.WalletSnapshot{}, err
	}
	c.entries.Set(key, snap, c.ttl)
	return snap, nil
}

// Invalidate drops every entry for account so the next read refetches.
func (c *Cache) Invalidate(account string) {
	prefix := account + ":"
	for key := range c.entries.Items() {
		if key == account || strings.HasPrefix(key, prefix) {
			c.entries.Delete(key)
		}
	}
}

type chainResult struct {
	tokens []model.WalletToken
	nfts   []model.WalletNFT
}

func (c *Cache) fetch(ctx context.Context, account string, owner common.Address, scope string, targets []id.Chain) (model.WalletSnapshot, error) {
	results := make([]*chainResult, len(targets))
	var (
		mu     sync.Mutex
		failed []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i, chain := range targets {
		i, chain := i, chain
		g.Go(func() error {
			res, err := c.fetchChain(gctx, chain, owner)
			if err != nil {
				c.logger.Warn("wallet chain fetch failed",
					zap.String("account", account),
					zap.String("chain", chain.Slug),
					zap.Error(err))
				mu.Lock()
				failed = append(failed, chain.Slug)
				mu.Unlock()
				return nil
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	if len(failed) == len(targets) {
		return model.WalletSnapshot{}, clierr.New(clierr.CodeUnavailable, fmt.Sprintf("wallet data unavailable for %s", strings.Join(failed, ", ")))
	}
	sort.Strings(failed)

	snap := model.WalletSnapshot{
		Account:      account,
		Address:      owner.Hex(),
		Chain:        scope,
		Tokens:       []model.WalletToken{},
		NFTs:         []model.WalletNFT{},
		FailedChains: failed,
		FetchedAt:    c.now().UTC().Format(time.RFC3339),
	}
	total := decimal.Zero
	for _, res := range results {
		if res == nil {
			continue
		}
		for _, tok := range res.tokens {
			total = total.Add(decimal.NewFromFloat(tok.USDValue))
		}
		snap.Tokens = append(snap.Tokens, res.tokens...)
		snap.NFTs = append(snap.NFTs, res.nfts...)
	}
	snap.TotalUSDValue = total.Round(2).InexactFloat64()
	return snap, nil
}

func (c *Cache) fetchChain(ctx context.Context, chain id.Chain, owner common.Address) (*chainResult, error) {
	native, balances, err := c.data.Balances(ctx, chain, owner)
	if err != nil {
		return nil, err
	}
	res := &chainResult{}

	nativePrice, err := c.prices.NativePrice(ctx, chain)
	if err != nil {
		c.logger.Debug("native price unavailable", zap.String("chain", chain.Slug), zap.Error(err))
		nativePrice = 0
	}
	res.tokens = append(res.tokens, walletToken(chain, chain.NativeToken(), native, nativePrice, nil))

	for _, bal := range balances {
		meta, err := c.prices.Metadata(ctx, chain, bal.Contract)
		if err != nil || !meta.HasPrice {
			if err != nil && !clierr.Is(err, clierr.CodeNotFound) {
				c.logger.Debug("token metadata lookup failed", zap.String("chain", chain.Slug), zap.String("token", bal.Contract), zap.Error(err))
			}
			continue
		}
		contract := bal.Contract
		tok := id.Token{Symbol: meta.Symbol, Name: meta.Name, Address: contract, Decimals: meta.Decimals}
		res.tokens = append(res.tokens, walletToken(chain, tok, bal.Balance, meta.USDPrice, &contract))
	}

	nfts, err := c.data.NFTs(ctx, chain, owner)
	if err != nil {
		c.logger.Debug("nft listing unavailable", zap.String("chain", chain.Slug), zap.Error(err))
	} else {
		res.nfts = nfts
	}
	return res, nil
}

func walletToken(chain id.Chain, tok id.Token, balance *big.Int, usdPrice float64, contract *string) model.WalletToken {
	if balance == nil {
		balance = big.NewInt(0)
	}
	formatted := id.FormatUnits(balance, tok.Decimals)
	usd := decimal.NewFromBigInt(balance, int32(-tok.Decimals)).Mul(decimal.NewFromFloat(usdPrice))
	return model.WalletToken{
		Symbol:           tok.Symbol,
		Name:             tok.Name,
		Balance:          balance.String(),
		BalanceFormatted: formatted,
		USDValue:         usd.Round(2).InexactFloat64(),
		USDPrice:         usdPrice,
		ContractAddress:  contract,
		Chain:            chain.Slug,
		Decimals:         tok.Decimals,
	}
}
