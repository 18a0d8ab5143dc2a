package oneinch

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	clierr "github.com/ggonzalez94/defi-agent/internal/errors"
	"github.com/ggonzalez94/defi-agent/internal/httpx"
	"github.com/ggonzalez94/defi-agent/internal/id"
	"github.com/ggonzalez94/defi-agent/internal/providers"
)

const router = "0x111111125421cA6dc452d289314280a0f8842A65"

func swapRequest(t *testing.T, from string) providers.SwapRequest {
	t.Helper()
	chain, err := id.ParseChain("base")
	if err != nil {
		t.Fatalf("parse chain: %v", err)
	}
	return providers.SwapRequest{
		Chain:       chain,
		FromToken:   from,
		ToToken:     "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		Amount:      big.NewInt(1_000_000),
		SlippageBps: 50,
		Swapper:     common.HexToAddress("0x00000000000000000000000000000000000000aa"),
	}
}

func newServer(t *testing.T, paths *[]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		*paths = append(*paths, r.URL.Path)
		switch {
		case strings.HasSuffix(r.URL.Path, "/approve/spender"):
			_, _ = w.Write([]byte(`{"address":"` + router + `"}`))
		case strings.HasSuffix(r.URL.Path, "/swap"):
			q := r.URL.Query()
			if q.Get("slippage") != "0.5" || q.Get("disableEstimate") != "true" || q.Get("from") == "" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_, _ = w.Write([]byte(`{"dstAmount":"2500000","tx":{"to":"` + router + `","data":"0x07ed2379ab","value":"0","gas":180000}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestQuoteAggregatorTokenInputReturnsSpender(t *testing.T) {
	var paths []string
	srv := newServer(t, &paths)
	defer srv.Close()

	c := New(httpx.New(2*time.Second, 0), "k").WithBaseURL(srv.URL)
	quote, err := c.QuoteAggregator(context.Background(), swapRequest(t, "0x4200000000000000000000000000000000000006"))
	if err != nil {
		t.Fatalf("QuoteAggregator failed: %v", err)
	}
	if quote.Tx.To != common.HexToAddress(router) || quote.Tx.Gas != 180_000 || len(quote.Tx.Data) != 5 {
		t.Fatalf("unexpected tx: %+v", quote.Tx)
	}
	if quote.BuyAmount != "2500000" {
		t.Fatalf("unexpected buy amount: %s", quote.BuyAmount)
	}
	if quote.AllowanceSpender != common.HexToAddress(router).Hex() {
		t.Fatalf("expected router spender, got %q", quote.AllowanceSpender)
	}
	if len(paths) != 2 || paths[0] != "/swap/v6.0/8453/swap" || paths[1] != "/swap/v6.0/8453/approve/spender" {
		t.Fatalf("unexpected request paths: %v", paths)
	}
}

func TestQuoteAggregatorNativeInputSkipsSpender(t *testing.T) {
	var paths []string
	srv := newServer(t, &paths)
	defer srv.Close()

	c := New(httpx.New(2*time.Second, 0), "k").WithBaseURL(srv.URL)
	quote, err := c.QuoteAggregator(context.Background(), swapRequest(t, id.NativeSentinel))
	if err != nil {
		t.Fatalf("QuoteAggregator failed: %v", err)
	}
	if quote.AllowanceSpender != "" || len(paths) != 1 {
		t.Fatalf("expected no spender lookup for native input, got %q %v", quote.AllowanceSpender, paths)
	}
}

func TestQuoteAggregatorRequiresAPIKey(t *testing.T) {
	c := New(httpx.New(time.Second, 0), "")
	_, err := c.QuoteAggregator(context.Background(), swapRequest(t, id.NativeSentinel))
	if !clierr.Is(err, clierr.CodeAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}
}
