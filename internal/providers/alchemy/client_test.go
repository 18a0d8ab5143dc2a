package alchemy

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ggonzalez94/defi-agent/internal/httpx"
	"github.com/ggonzalez94/defi-agent/internal/id"
)

type rpcRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result"`
}

func newRPCServer(t *testing.T, answer func(method string) any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		var batch []rpcRequest
		if err := json.Unmarshal(body, &batch); err == nil {
			out := make([]rpcResponse, 0, len(batch))
			for _, req := range batch {
				out = append(out, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: answer(req.Method)})
			}
			_ = json.NewEncoder(w).Encode(out)
			return
		}
		var single rpcRequest
		if err := json.Unmarshal(body, &single); err != nil {
			t.Fatalf("decode rpc request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: single.ID, Result: answer(single.Method)})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestBalancesBatchesNativeAndTokens(t *testing.T) {
	methods := []string{}
	srv := newRPCServer(t, func(method string) any {
		methods = append(methods, method)
		switch method {
		case "eth_getBalance":
			return "0xde0b6b3a7640000"
		case "alchemy_getTokenBalances":
			return map[string]any{
				"address": "0x00000000000000000000000000000000000000aa",
				"tokenBalances": []map[string]any{
					{"contractAddress": "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913", "tokenBalance": "0x0000000000000000000000000000000000000000000000000000000005f5e100"},
					{"contractAddress": "0x50c5725949a6f0c72e6c4a641f24049a917db0cb", "tokenBalance": "0x0000000000000000000000000000000000000000000000000000000000000000"},
				},
			}
		}
		return nil
	})

	chain, _ := id.ParseChain("base")
	c := New(httpx.New(2*time.Second, 0), "key", nil).WithBaseURLs(srv.URL, "")
	t.Cleanup(c.Close)
	native, tokens, err := c.Balances(context.Background(), chain, common.HexToAddress("0x00000000000000000000000000000000000000aa"))
	if err != nil {
		t.Fatalf("Balances failed: %v", err)
	}
	if native.String() != "1000000000000000000" {
		t.Fatalf("unexpected native balance: %s", native)
	}
	if len(tokens) != 1 || tokens[0].Balance.Int64() != 100_000_000 {
		t.Fatalf("expected one nonzero token balance, got %+v", tokens)
	}
	if len(methods) != 2 {
		t.Fatalf("expected a single batch with two calls, got %v", methods)
	}
}

func TestNFTsFollowsPageKey(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Query().Get("pageKey") == "" {
			_, _ = w.Write([]byte(`{"ownedNfts":[{"contract":{"address":"0x1","name":"A"},"tokenId":"1","tokenType":"ERC721"}],"pageKey":"next"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ownedNfts":[{"contract":{"address":"0x2","name":"B"},"tokenId":"7","tokenType":"ERC1155","balance":"3"}]}`))
	}))
	defer srv.Close()

	chain, _ := id.ParseChain("base")
	c := New(httpx.New(2*time.Second, 0), "key", nil).WithBaseURLs("", srv.URL)
	nfts, err := c.NFTs(context.Background(), chain, common.HexToAddress("0x00000000000000000000000000000000000000aa"))
	if err != nil {
		t.Fatalf("NFTs failed: %v", err)
	}
	if calls != 2 || len(nfts) != 2 {
		t.Fatalf("expected two pages and two nfts, got calls=%d nfts=%d", calls, len(nfts))
	}
	if nfts[1].TokenID != "7" || nfts[1].Collection != "B" || nfts[0].Chain != "base" {
		t.Fatalf("unexpected nft mapping: %+v", nfts)
	}
}
