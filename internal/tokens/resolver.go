package tokens

import (
	"context"
	"fmt"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/ggonzalez94/defi-agent/internal/cache"
	clierr "github.com/ggonzalez94/defi-agent/internal/errors"
	"github.com/ggonzalez94/defi-agent/internal/id"
	"github.com/ggonzalez94/defi-agent/internal/logging"
	"github.com/ggonzalez94/defi-agent/internal/metrics"
	"github.com/ggonzalez94/defi-agent/internal/model"
	"github.com/ggonzalez94/defi-agent/internal/providers"
)

const (
	ResolvedByOverride = "override"
	ResolvedByNative   = "native"
	ResolvedByRegistry = "registry"
	ResolvedByAddress  = "metadata_address"
	ResolvedBySearch   = "metadata_search"
)

const (
	DefaultTTL         = 5 * time.Minute
	DefaultNegativeTTL = time.Minute
)

// Resolver turns symbols, aliases and addresses into tokens pinned to one network.
// Remote lookups are cached in memory and, when a store is set, on disk.
type Resolver struct {
	meta        providers.MetadataProvider
	mem         *gocache.Cache
	store       *cache.Store
	ttl         time.Duration
	negativeTTL time.Duration
	metrics     *metrics.Recorder
	logger      *zap.Logger
}

type Options struct {
	TTL         time.Duration
	NegativeTTL time.Duration
	Store       *cache.Store
	Metrics     *metrics.Recorder
	Logger      *zap.Logger
}

func NewResolver(meta providers.MetadataProvider, opts Options) *Resolver {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	negativeTTL := opts.NegativeTTL
	if negativeTTL <= 0 {
		negativeTTL = DefaultNegativeTTL
	}
	return &Resolver{
		meta:        meta,
		mem:         gocache.New(ttl, 0),
		store:       opts.Store,
		ttl:         ttl,
		negativeTTL: negativeTTL,
		metrics:     opts.Metrics,
		logger:      logging.OrNop(opts.Logger).Named("tokens"),
	}
}

// Resolve applies, in order: chain overrides, native aliases, the static table,
// address validation, then symbol search. It never guesses.
func (r *Resolver) Resolve(ctx context.Context, tokenRef, network string) (model.ResolvedToken, error) {
	chain, err := id.ParseChain(network)
	if err != nil {
		return model.ResolvedToken{}, err
	}
	ref := strings.TrimSpace(tokenRef)
	if ref == "" {
		return model.ResolvedToken{}, clierr.New(clierr.CodeUsage, "token reference is required")
	}
	if addr, matched, err := id.ParseAssetID(ref, chain); matched {
		if err != nil {
			return model.ResolvedToken{}, err
		}
		ref = addr
	}

	if o, ok := id.Override(chain.CAIP2, ref); ok {
		out := fromToken(chain, o.Token, ResolvedByOverride)
		out.AliasNote = fmt.Sprintf("%s on %s %s (%s)", strings.ToUpper(ref), chain.Slug, o.Note, o.Token.Symbol)
		return out, nil
	}
	if native, legacy := chain.NativeAlias(ref); native {
		out := fromToken(chain, chain.NativeToken(), ResolvedByNative)
		if legacy {
			out.AliasNote = fmt.Sprintf("%s is the legacy symbol for %s on %s", strings.ToUpper(ref), chain.NativeSymbol, chain.Slug)
		}
		return out, nil
	}
	if t, ok := id.KnownToken(chain.CAIP2, ref); ok {
		return fromToken(chain, t, ResolvedByRegistry), nil
	}

	if strings.HasPrefix(strings.ToLower(ref), "0x") {
		if !id.IsAddress(ref) {
			return model.ResolvedToken{}, resolutionFailed(ref, chain, "malformed address")
		}
		if id.IsNative(ref) {
			return fromToken(chain, chain.NativeToken(), ResolvedByNative), nil
		}
		if t, ok := id.LookupByAddress(chain.CAIP2, ref); ok {
			return fromToken(chain, t, ResolvedByRegistry), nil
		}
		return r.remote(ctx, chain, ref, "addr:"+strings.ToLower(ref), ResolvedByAddress, func() (providers.TokenMetadata, error) {
			return r.meta.TokenByAddress(ctx, chain, ref)
		})
	}

	return r.remote(ctx, chain, ref, "sym:"+strings.ToUpper(ref), ResolvedBySearch, func() (providers.TokenMetadata, error) {
		return r.meta.SearchSymbol(ctx, chain, ref)
	})
}

// Metadata returns decimals and price for a contract. Results, prices included, live for the resolver TTL.
func (r *Resolver) Metadata(ctx context.Context, chain id.Chain, address string) (providers.TokenMetadata, error) {
	if r.meta == nil {
		return providers.TokenMetadata{}, clierr.New(clierr.CodeUnavailable, "token metadata provider is not configured")
	}
	key := "meta:" + chain.CAIP2 + ":" + strings.ToLower(strings.TrimSpace(address))
	if v, ok := r.mem.Get(key); ok {
		r.metrics.CacheLookup("metadata", true)
		return v.(providers.TokenMetadata), nil
	}
	r.metrics.CacheLookup("metadata", false)
	meta, err := r.meta.TokenByAddress(ctx, chain, address)
	if err != nil {
		return providers.TokenMetadata{}, err
	}
	r.mem.Set(key, meta, r.ttl)
	return meta, nil
}

// NativePrice returns the USD price of chain's gas token.
func (r *Resolver) NativePrice(ctx context.Context, chain id.Chain) (float64, error) {
	if r.meta == nil {
		return 0, clierr.New(clierr.CodeUnavailable, "token metadata provider is not configured")
	}
	key := "price:" + chain.CAIP2
	if v, ok := r.mem.Get(key); ok {
		return v.(float64), nil
	}
	price, err := r.meta.NativePrice(ctx, chain)
	if err != nil {
		return 0, err
	}
	r.mem.Set(key, price, r.ttl)
	return price, nil
}

// notFound marks a confirmed upstream miss in the memory tier.
type notFound struct{}

func (r *Resolver) remote(ctx context.Context, chain id.Chain, ref, suffix, resolvedBy string, lookup func() (providers.TokenMetadata, error)) (model.ResolvedToken, error) {
	key := "token:" + chain.CAIP2 + ":" + suffix
	if v, ok := r.mem.Get(key); ok {
		r.metrics.CacheLookup("tokens", true)
		if _, miss := v.(notFound); miss {
			return model.ResolvedToken{}, resolutionFailed(ref, chain, "unknown to token metadata provider")
		}
		return v.(model.ResolvedToken), nil
	}
	var cached model.ResolvedToken
	if res, err := r.store.GetJSON(key, &cached); err == nil && res.Hit {
		r.metrics.CacheLookup("tokens", true)
		if res.Negative {
			r.mem.Set(key, notFound{}, remaining(r.negativeTTL, res.Age))
			return model.ResolvedToken{}, resolutionFailed(ref, chain, "unknown to token metadata provider")
		}
		r.mem.Set(key, cached, remaining(r.ttl, res.Age))
		return cached, nil
	}
	r.metrics.CacheLookup("tokens", false)

	if r.meta == nil {
		return model.ResolvedToken{}, resolutionFailed(ref, chain, "no metadata provider configured")
	}
	meta, err := lookup()
	if err != nil {
		if !clierr.Is(err, clierr.CodeNotFound) {
			// Throttled or unreachable lookups say nothing about the token.
			return model.ResolvedToken{}, err
		}
		r.mem.Set(key, notFound{}, r.negativeTTL)
		if err := r.store.SetNegative(key, r.negativeTTL); err != nil {
			r.logger.Debug("token cache write failed", zap.String("key", key), zap.Error(err))
		}
		return model.ResolvedToken{}, resolutionFailed(ref, chain, "unknown to token metadata provider")
	}
	if !id.IsAddress(meta.Address) {
		return model.ResolvedToken{}, resolutionFailed(ref, chain, "metadata provider returned no address")
	}
	token := model.ResolvedToken{
		Address:    meta.Address,
		Symbol:     meta.Symbol,
		Name:       meta.Name,
		Decimals:   meta.Decimals,
		Network:    chain.Slug,
		ChainID:    chain.CAIP2,
		ResolvedBy: resolvedBy,
	}
	r.mem.Set(key, token, r.ttl)
	if err := r.store.SetJSON(key, token, r.ttl); err != nil {
		r.logger.Debug("token cache write failed", zap.String("key", key), zap.Error(err))
	}
	return token, nil
}

// remaining keeps promoted entries expiring; go-cache treats a negative duration as no expiry.
func remaining(ttl, age time.Duration) time.Duration {
	if left := ttl - age; left > time.Second {
		return left
	}
	return time.Second
}

func fromToken(chain id.Chain, t id.Token, resolvedBy string) model.ResolvedToken {
	return model.ResolvedToken{
		Address:    t.Address,
		Symbol:     t.Symbol,
		Name:       t.Name,
		Decimals:   t.Decimals,
		Network:    chain.Slug,
		ChainID:    chain.CAIP2,
		Native:     id.IsNative(t.Address),
		ResolvedBy: resolvedBy,
	}
}

func resolutionFailed(ref string, chain id.Chain, reason string) error {
	return clierr.New(clierr.CodeResolution, fmt.Sprintf("could not resolve token %q on %s: %s", ref, chain.Slug, reason))
}
