package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ggonzalez94/defi-agent/internal/engine"
	clierr "github.com/ggonzalez94/defi-agent/internal/errors"
	"github.com/ggonzalez94/defi-agent/internal/execution"
	"github.com/ggonzalez94/defi-agent/internal/id"
	"github.com/ggonzalez94/defi-agent/internal/model"
)

type resolveRequest struct {
	Token   string `json:"token" binding:"required"`
	Network string `json:"network" binding:"required"`
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "uptime_seconds": int64(time.Since(s.started).Seconds())})
}

func (s *Server) listChains(c *gin.Context) {
	chains := id.Chains()
	out := make([]model.ChainInfo, 0, len(chains))
	for _, chain := range chains {
		out = append(out, chainInfo(chain))
	}
	s.ok(c, "chains list", out)
}

func (s *Server) resolveToken(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, "tokens resolve", clierr.Wrap(clierr.CodeUsage, "invalid request body", err))
		return
	}
	token, err := s.svc.ResolveToken(c.Request.Context(), req.Token, req.Network)
	if err != nil {
		s.fail(c, "tokens resolve", err)
		return
	}
	s.ok(c, "tokens resolve", token)
}

func (s *Server) walletSnapshot(c *gin.Context) {
	refresh, _ := strconv.ParseBool(c.DefaultQuery("refresh", "false"))
	snap, err := s.svc.Snapshot(c.Request.Context(), c.Param("account"), c.Query("chain"), refresh)
	if err != nil {
		s.fail(c, "wallet snapshot", err)
		return
	}
	s.ok(c, "wallet snapshot", snap)
}

func (s *Server) swap(c *gin.Context) {
	var in engine.SwapInput
	if err := c.ShouldBindJSON(&in); err != nil {
		s.fail(c, "swap execute", clierr.Wrap(clierr.CodeUsage, "invalid request body", err))
		return
	}
	res, err := s.svc.Swap(c.Request.Context(), in)
	if err != nil {
		s.failWith(c, "swap execute", err, partial(res.ActionID, res))
		return
	}
	s.ok(c, "swap execute", res)
}

func (s *Server) transfer(c *gin.Context) {
	var in engine.TransferInput
	if err := c.ShouldBindJSON(&in); err != nil {
		s.fail(c, "transfer send", clierr.Wrap(clierr.CodeUsage, "invalid request body", err))
		return
	}
	res, err := s.svc.Transfer(c.Request.Context(), in)
	if err != nil {
		s.failWith(c, "transfer send", err, partial(res.ActionID, res))
		return
	}
	s.ok(c, "transfer send", res)
}

func (s *Server) transferNFT(c *gin.Context) {
	var in engine.NFTTransferInput
	if err := c.ShouldBindJSON(&in); err != nil {
		s.fail(c, "transfer nft", clierr.Wrap(clierr.CodeUsage, "invalid request body", err))
		return
	}
	res, err := s.svc.TransferNFT(c.Request.Context(), in)
	if err != nil {
		s.failWith(c, "transfer nft", err, partial(res.ActionID, res))
		return
	}
	s.ok(c, "transfer nft", res)
}

func (s *Server) listActions(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 {
		s.fail(c, "actions list", clierr.New(clierr.CodeUsage, "limit must be a positive integer"))
		return
	}
	status := execution.ActionStatus(strings.TrimSpace(c.Query("status")))
	if !status.Valid() {
		s.fail(c, "actions list", clierr.New(clierr.CodeUsage, "status must be one of running, completed, failed, unknown"))
		return
	}
	actions, err := s.svc.Actions(execution.ActionFilter{
		Status:  status,
		Account: strings.TrimSpace(c.Query("account")),
		ChainID: strings.TrimSpace(c.Query("chain")),
		Limit:   limit,
	})
	if err != nil {
		s.fail(c, "actions list", err)
		return
	}
	s.ok(c, "actions list", actions)
}

func (s *Server) showAction(c *gin.Context) {
	action, err := s.svc.Action(c.Param("id"))
	if err != nil {
		s.fail(c, "actions show", err)
		return
	}
	s.ok(c, "actions show", action)
}

func (s *Server) ok(c *gin.Context, command string, data any) {
	c.JSON(http.StatusOK, model.Envelope{
		Version: model.EnvelopeVersion,
		Success: true,
		Data:    data,
		Meta:    s.meta(c, command),
	})
}

func (s *Server) fail(c *gin.Context, command string, err error) {
	s.failWith(c, command, err, nil)
}

// failWith reports err and, when present, the partial result (action id, attempts) gathered before it.
func (s *Server) failWith(c *gin.Context, command string, err error, data any) {
	code := clierr.CodeOf(err, clierr.CodeInternal)
	c.JSON(httpStatus(code), model.Envelope{
		Version: model.EnvelopeVersion,
		Success: false,
		Data:    data,
		Error: &model.ErrorBody{
			Code:    int(code),
			Type:    clierr.TypeName(code),
			Message: err.Error(),
		},
		Meta: s.meta(c, command),
	})
}

func (s *Server) meta(c *gin.Context, command string) model.EnvelopeMeta {
	return model.EnvelopeMeta{
		RequestID: c.GetString(requestIDKey),
		Timestamp: time.Now().UTC(),
		Command:   command,
		Cache:     model.CacheStatus{Status: "bypass"},
	}
}

// partial drops results that never reached the journal.
func partial(actionID string, res any) any {
	if actionID == "" {
		return nil
	}
	return res
}

func httpStatus(code clierr.Code) int {
	switch code {
	case clierr.CodeUsage, clierr.CodeResolution, clierr.CodeUnsupported, clierr.CodeActionPlan:
		return http.StatusBadRequest
	case clierr.CodeAuth:
		return http.StatusUnauthorized
	case clierr.CodeNotFound:
		return http.StatusNotFound
	case clierr.CodeRateLimited:
		return http.StatusTooManyRequests
	case clierr.CodeUnavailable:
		return http.StatusServiceUnavailable
	case clierr.CodeInsufficientFunds, clierr.CodeInsufficientGas, clierr.CodeAllowance,
		clierr.CodeLiquidity, clierr.CodeReverted, clierr.CodeActionSim:
		return http.StatusUnprocessableEntity
	case clierr.CodeConfirmTimeout:
		return http.StatusAccepted
	case clierr.CodeBlocked:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func chainInfo(chain id.Chain) model.ChainInfo {
	return model.ChainInfo{
		Name:          chain.Name,
		Slug:          chain.Slug,
		ChainID:       chain.CAIP2,
		EVMChainID:    chain.EVMChainID,
		NativeSymbol:  chain.NativeSymbol,
		NativeAliases: chain.NativeAliases,
		WrappedNative: chain.WrappedNative.Address,
	}
}
