package app

import (
	"time"

	"go.uber.org/zap"

	"github.com/ggonzalez94/defi-agent/internal/approval"
	"github.com/ggonzalez94/defi-agent/internal/cache"
	"github.com/ggonzalez94/defi-agent/internal/config"
	"github.com/ggonzalez94/defi-agent/internal/engine"
	clierr "github.com/ggonzalez94/defi-agent/internal/errors"
	"github.com/ggonzalez94/defi-agent/internal/execution"
	"github.com/ggonzalez94/defi-agent/internal/execution/signer"
	"github.com/ggonzalez94/defi-agent/internal/httpx"
	"github.com/ggonzalez94/defi-agent/internal/id"
	"github.com/ggonzalez94/defi-agent/internal/logging"
	"github.com/ggonzalez94/defi-agent/internal/metrics"
	"github.com/ggonzalez94/defi-agent/internal/model"
	"github.com/ggonzalez94/defi-agent/internal/providers"
	"github.com/ggonzalez94/defi-agent/internal/providers/alchemy"
	"github.com/ggonzalez94/defi-agent/internal/providers/coingecko"
	"github.com/ggonzalez94/defi-agent/internal/providers/oneinch"
	"github.com/ggonzalez94/defi-agent/internal/providers/uniswap"
	"github.com/ggonzalez94/defi-agent/internal/providers/uniswapv3"
	"github.com/ggonzalez94/defi-agent/internal/providers/zeroex"
	"github.com/ggonzalez94/defi-agent/internal/swap"
	"github.com/ggonzalez94/defi-agent/internal/tokens"
	"github.com/ggonzalez94/defi-agent/internal/transfer"
	"github.com/ggonzalez94/defi-agent/internal/wallet"
)

// Actions still running after this long belong to a process that exited mid-operation.
const staleActionAge = time.Hour

// stack holds the process-wide dependencies. Constructing it does no I/O;
// the stores and the engine are opened on first use.
type stack struct {
	settings config.Settings
	logger   *zap.Logger
	metrics  *metrics.Recorder

	pool       *execution.Pool
	market     *coingecko.Client
	walletData *alchemy.Client
	primary    *uniswap.Client
	aggregator providers.AggregatorProvider
	dex        *uniswapv3.Client
	keyring    *signer.Keyring

	tokenStore *cache.Store
	journal    *execution.Store
	engine     *engine.Engine
}

func newStack(settings config.Settings) (*stack, error) {
	logger, err := logging.New(settings.LogLevel, settings.LogFormat)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "configure logging", err)
	}
	httpClient := httpx.New(settings.Timeout, settings.Retries)
	marketHTTP := httpx.New(settings.Timeout, settings.Retries).WithRateLimit(settings.MetadataRPS, 1)
	pool := execution.NewPool(settings.RPCURLs, logger)

	accounts := make(map[string]signer.AccountSource, len(settings.Accounts))
	for name, acct := range settings.Accounts {
		accounts[name] = signer.AccountSource{
			PrivateKeyEnv:        acct.PrivateKeyEnv,
			PrivateKeyFile:       acct.PrivateKeyFile,
			KeystorePath:         acct.KeystorePath,
			KeystorePasswordEnv:  acct.KeystorePasswordEnv,
			KeystorePasswordFile: acct.KeystorePasswordFile,
		}
	}

	return &stack{
		settings:   settings,
		logger:     logger,
		metrics:    metrics.New(),
		pool:       pool,
		market:     coingecko.New(marketHTTP, settings.CoinGeckoAPIKey, settings.CoinGeckoPro, logger),
		walletData: alchemy.New(httpClient, settings.AlchemyAPIKey, logger),
		primary:    uniswap.New(httpClient, settings.UniswapAPIKey),
		aggregator: newAggregator(settings, httpClient),
		dex:        uniswapv3.New(pool, logger),
		keyring:    signer.NewKeyring(config.DefaultAccount, settings.KeySource, accounts),
	}, nil
}

func newAggregator(settings config.Settings, httpClient *httpx.Client) providers.AggregatorProvider {
	if settings.Aggregator == "1inch" {
		return oneinch.New(httpClient, settings.OneInchAPIKey)
	}
	return zeroex.New(httpClient, settings.ZeroExAPIKey)
}

func (st *stack) providerInfos() []model.ProviderInfo {
	return []model.ProviderInfo{
		st.primary.Info(),
		st.aggregator.Info(),
		st.dex.Info(),
		st.market.Info(),
		st.walletData.Info(),
	}
}

// Engine opens the token cache and action journal, then assembles the engine once.
func (st *stack) Engine() (*engine.Engine, error) {
	if st.engine != nil {
		return st.engine, nil
	}
	s := st.settings

	if s.CacheEnabled && st.tokenStore == nil {
		store, err := cache.Open(s.CachePath, s.CacheLockPath)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeInternal, "open cache", err)
		}
		st.tokenStore = store
	}
	if st.journal == nil {
		journal, err := execution.OpenStore(s.ActionStorePath, s.ActionLockPath)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeInternal, "open action store", err)
		}
		st.journal = journal
		if n, err := journal.RecoverStale(staleActionAge); err != nil {
			st.logger.Warn("recover stale actions", zap.Error(err))
		} else if n > 0 {
			st.logger.Info("marked interrupted actions unknown", zap.Int("count", n))
		}
	}

	chains, err := walletChains(s.WalletChains)
	if err != nil {
		return nil, err
	}

	resolver := tokens.NewResolver(st.market, tokens.Options{
		TTL:     s.TokenTTL,
		Store:   st.tokenStore,
		Metrics: st.metrics,
		Logger:  st.logger,
	})
	wallets := wallet.New(st.walletData, resolver, st.keyring, wallet.Options{
		TTL:     s.WalletTTL,
		Chains:  chains,
		Metrics: st.metrics,
		Logger:  st.logger,
	})

	submitOpts := execution.DefaultSubmitOptions()
	submitOpts.GasMultiplier = s.GasMultiplier
	submitter := execution.NewSubmitter(st.pool, submitOpts, st.logger)
	waiter := execution.NewWaiter(st.pool, s.PollInterval, st.metrics, st.logger)
	approvals := approval.NewManager(submitter, waiter, s.ConfirmTimeout, st.logger)

	settle := s.ApprovalSettle
	if settle == 0 {
		settle = -1
	}
	swaps := swap.NewExecutor(st.primary, st.aggregator, st.dex, submitter, waiter, approvals, swap.Options{
		ConfirmTimeout: s.ConfirmTimeout,
		SettleDelay:    settle,
		Metrics:        st.metrics,
		Logger:         st.logger,
	})
	transfers := transfer.NewExecutor(submitter, waiter, transfer.Options{
		ConfirmTimeout: s.ConfirmTimeout,
		Metrics:        st.metrics,
		Logger:         st.logger,
	})

	st.engine = engine.New(engine.Deps{
		Resolver:           resolver,
		Wallets:            wallets,
		Swaps:              swaps,
		Transfers:          transfers,
		Signers:            st.keyring,
		Journal:            st.journal,
		DefaultSlippageBps: int64(s.DefaultSlippageBps),
		Logger:             st.logger,
	})
	return st.engine, nil
}

func (st *stack) Close() {
	if st == nil {
		return
	}
	if st.tokenStore != nil {
		_ = st.tokenStore.Close()
	}
	if st.journal != nil {
		_ = st.journal.Close()
	}
	st.walletData.Close()
	st.pool.Close()
	_ = st.logger.Sync()
}

// walletChains parses the configured snapshot chains, defaulting to every chain the wallet data source indexes.
func walletChains(slugs []string) ([]id.Chain, error) {
	if len(slugs) == 0 {
		out := []id.Chain{}
		for _, chain := range id.Chains() {
			if chain.AlchemyNetwork != "" {
				out = append(out, chain)
			}
		}
		return out, nil
	}
	out := make([]id.Chain, 0, len(slugs))
	for _, slug := range slugs {
		chain, err := id.ParseChain(slug)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUsage, "parse wallet chains", err)
		}
		out = append(out, chain)
	}
	return out, nil
}
