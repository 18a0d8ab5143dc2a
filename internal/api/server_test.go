package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/ggonzalez94/defi-agent/internal/engine"
	clierr "github.com/ggonzalez94/defi-agent/internal/errors"
	"github.com/ggonzalez94/defi-agent/internal/execution"
	"github.com/ggonzalez94/defi-agent/internal/metrics"
	"github.com/ggonzalez94/defi-agent/internal/model"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeService struct {
	swapIn    engine.SwapInput
	swapErr   error
	refreshed bool
	chain     string
	filter    execution.ActionFilter
}

func (f *fakeService) ResolveToken(_ context.Context, tokenRef, network string) (model.ResolvedToken, error) {
	if tokenRef == "NOPE" {
		return model.ResolvedToken{}, clierr.New(clierr.CodeResolution, "token NOPE not found on base")
	}
	return model.ResolvedToken{Symbol: tokenRef, Network: network, Decimals: 6}, nil
}

func (f *fakeService) Snapshot(_ context.Context, account, chain string, forceRefresh bool) (model.WalletSnapshot, error) {
	if account == "ghost" {
		return model.WalletSnapshot{}, clierr.New(clierr.CodeNotFound, "unknown account ghost")
	}
	f.refreshed = forceRefresh
	f.chain = chain
	return model.WalletSnapshot{Account: account, TotalUSDValue: 12.5}, nil
}

func (f *fakeService) Swap(_ context.Context, in engine.SwapInput) (model.SwapResult, error) {
	f.swapIn = in
	if f.swapErr != nil {
		return model.SwapResult{ActionID: "act_1", Attempts: []string{"uniswap:retryable"}}, f.swapErr
	}
	return model.SwapResult{ActionID: "act_1", TransactionHash: "0xabc", ProviderUsed: "uniswap"}, nil
}

func (f *fakeService) Transfer(_ context.Context, in engine.TransferInput) (model.TransferResult, error) {
	return model.TransferResult{}, clierr.New(clierr.CodeUsage, "recipient is not a valid EVM address")
}

func (f *fakeService) TransferNFT(_ context.Context, in engine.NFTTransferInput) (model.NFTTransferResult, error) {
	return model.NFTTransferResult{ActionID: "act_2", Contract: in.Contract, TokenID: in.TokenID}, nil
}

func (f *fakeService) Actions(filter execution.ActionFilter) ([]execution.Action, error) {
	f.filter = filter
	return []execution.Action{{ActionID: "act_1", Status: execution.ActionStatusCompleted}}, nil
}

func (f *fakeService) Action(actionID string) (execution.Action, error) {
	if actionID != "act_1" {
		return execution.Action{}, clierr.New(clierr.CodeNotFound, "action not found")
	}
	return execution.Action{ActionID: actionID}, nil
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, model.Envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var env model.Envelope
	if strings.HasPrefix(path, "/v1") {
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode envelope: %v (%s)", err, rec.Body.String())
		}
	}
	return rec, env
}

func TestHealthz(t *testing.T) {
	srv := NewServer(&fakeService{}, Options{})
	rec, _ := do(t, srv.Handler(), http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("unexpected health response: %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected generated request id header")
	}
}

func TestRequestIDIsEchoed(t *testing.T) {
	srv := NewServer(&fakeService{}, Options{})
	req := httptest.NewRequest(http.MethodGet, "/v1/actions/act_1", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	var env model.Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Meta.RequestID != "req-42" || rec.Header().Get("X-Request-ID") != "req-42" {
		t.Fatalf("expected request id to be echoed, got %q", env.Meta.RequestID)
	}
}

func TestResolveToken(t *testing.T) {
	srv := NewServer(&fakeService{}, Options{})
	rec, env := do(t, srv.Handler(), http.MethodPost, "/v1/tokens/resolve", `{"token":"USDC","network":"base"}`)
	if rec.Code != http.StatusOK || !env.Success || env.Meta.Command != "tokens resolve" {
		t.Fatalf("unexpected response: %d %+v", rec.Code, env)
	}

	rec, env = do(t, srv.Handler(), http.MethodPost, "/v1/tokens/resolve", `{"token":"NOPE","network":"base"}`)
	if rec.Code != http.StatusBadRequest || env.Error == nil || env.Error.Code != int(clierr.CodeResolution) {
		t.Fatalf("expected resolution error, got %d %+v", rec.Code, env.Error)
	}

	rec, env = do(t, srv.Handler(), http.MethodPost, "/v1/tokens/resolve", `{"token":"USDC"}`)
	if rec.Code != http.StatusBadRequest || env.Error.Code != int(clierr.CodeUsage) {
		t.Fatalf("expected usage error for missing network, got %d %+v", rec.Code, env.Error)
	}
}

func TestWalletSnapshotQueryFlags(t *testing.T) {
	svc := &fakeService{}
	srv := NewServer(svc, Options{})
	rec, env := do(t, srv.Handler(), http.MethodGet, "/v1/wallets/main?chain=base&refresh=true", "")
	if rec.Code != http.StatusOK || !env.Success {
		t.Fatalf("unexpected response: %d %+v", rec.Code, env)
	}
	if !svc.refreshed || svc.chain != "base" {
		t.Fatalf("expected refresh on base, got refresh=%v chain=%q", svc.refreshed, svc.chain)
	}

	rec, _ = do(t, srv.Handler(), http.MethodGet, "/v1/wallets/ghost", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown account, got %d", rec.Code)
	}
}

func TestSwapFailureCarriesAttempts(t *testing.T) {
	svc := &fakeService{swapErr: clierr.New(clierr.CodeLiquidity, "no route found")}
	srv := NewServer(svc, Options{})
	rec, env := do(t, srv.Handler(), http.MethodPost, "/v1/swaps",
		`{"account":"main","network":"base","from_token":"ETH","to_token":"USDC","amount":"50%","slippage_bps":100}`)
	if rec.Code != http.StatusUnprocessableEntity || env.Success {
		t.Fatalf("expected 422 failure, got %d %+v", rec.Code, env)
	}
	if env.Error.Message != "no route found" || env.Error.Type != clierr.TypeName(clierr.CodeLiquidity) {
		t.Fatalf("unexpected error body: %+v", env.Error)
	}
	data, _ := json.Marshal(env.Data)
	if !strings.Contains(string(data), "uniswap:retryable") {
		t.Fatalf("expected attempts in partial data, got %s", data)
	}
	if svc.swapIn.Amount != "50%" || svc.swapIn.SlippageBps == nil || *svc.swapIn.SlippageBps != 100 {
		t.Fatalf("swap input not bound: %+v", svc.swapIn)
	}
}

func TestTransferUsageErrorHasNoData(t *testing.T) {
	srv := NewServer(&fakeService{}, Options{})
	rec, env := do(t, srv.Handler(), http.MethodPost, "/v1/transfers", `{"account":"main","network":"base","token":"USDC","to":"bob","amount":"1"}`)
	if rec.Code != http.StatusBadRequest || env.Data != nil {
		t.Fatalf("expected 400 without data, got %d %+v", rec.Code, env)
	}
}

func TestNFTTransferAndActions(t *testing.T) {
	svc := &fakeService{}
	srv := NewServer(svc, Options{})
	rec, env := do(t, srv.Handler(), http.MethodPost, "/v1/transfers/nft",
		`{"account":"main","network":"base","contract":"0x00000000000000000000000000000000000000aa","token_id":"7","to":"0x00000000000000000000000000000000000000bb"}`)
	if rec.Code != http.StatusOK || !env.Success {
		t.Fatalf("unexpected nft response: %d %+v", rec.Code, env)
	}

	rec, _ = do(t, srv.Handler(), http.MethodGet, "/v1/actions?limit=5&status=failed&account=trader&chain=base", "")
	if rec.Code != http.StatusOK || svc.filter.Limit != 5 {
		t.Fatalf("unexpected actions response: %d filter=%+v", rec.Code, svc.filter)
	}
	if svc.filter.Status != execution.ActionStatusFailed || svc.filter.Account != "trader" || svc.filter.ChainID != "base" {
		t.Fatalf("query filters not forwarded: %+v", svc.filter)
	}
	rec, _ = do(t, srv.Handler(), http.MethodGet, "/v1/actions?status=pending", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected unknown status to be rejected, got %d", rec.Code)
	}
	rec, _ = do(t, srv.Handler(), http.MethodGet, "/v1/actions?limit=zero", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected bad limit to be rejected, got %d", rec.Code)
	}
	rec, _ = do(t, srv.Handler(), http.MethodGet, "/v1/actions/act_9", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing action, got %d", rec.Code)
	}
}

func TestChainsAndMetrics(t *testing.T) {
	recorder := metrics.New()
	recorder.ProviderAttempt("swap", "uniswap", "success")
	srv := NewServer(&fakeService{}, Options{Metrics: recorder})
	rec, env := do(t, srv.Handler(), http.MethodGet, "/v1/chains", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"slug":"base"`) || !env.Success {
		t.Fatalf("unexpected chains response: %d %s", rec.Code, rec.Body.String())
	}

	rec, _ = do(t, srv.Handler(), http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "provider_attempts_total") {
		t.Fatalf("expected provider metrics, got %d", rec.Code)
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[clierr.Code]int{
		clierr.CodeUsage:             http.StatusBadRequest,
		clierr.CodeInsufficientFunds: http.StatusUnprocessableEntity,
		clierr.CodeConfirmTimeout:    http.StatusAccepted,
		clierr.CodeRateLimited:       http.StatusTooManyRequests,
		clierr.CodeSigner:            http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := httpStatus(code); got != want {
			t.Fatalf("code %d: expected %d, got %d", code, want, got)
		}
	}
}

func TestEnableCommandsRestrictsRoutes(t *testing.T) {
	svc := &fakeService{}
	srv := NewServer(svc, Options{EnableCommands: []string{"tokens", "wallet snapshot"}})

	rec, _ := do(t, srv.Handler(), http.MethodPost, "/v1/tokens/resolve", `{"token":"USDC","network":"base"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected allowed resolve, got %d", rec.Code)
	}

	rec, env := do(t, srv.Handler(), http.MethodPost, "/v1/swaps", `{"network":"base","from_token":"USDC","to_token":"ETH","amount":"1"}`)
	if rec.Code != http.StatusForbidden || env.Error == nil || env.Error.Code != int(clierr.CodeBlocked) {
		t.Fatalf("expected blocked swap, got %d %+v", rec.Code, env.Error)
	}
	if svc.swapIn.Network != "" {
		t.Fatal("blocked route must not reach the engine")
	}
}
