package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ggonzalez94/defi-agent/internal/engine"
	"github.com/ggonzalez94/defi-agent/internal/execution"
	"github.com/ggonzalez94/defi-agent/internal/logging"
	"github.com/ggonzalez94/defi-agent/internal/metrics"
	"github.com/ggonzalez94/defi-agent/internal/model"
)

// Service is the engine surface the HTTP API exposes. *engine.Engine satisfies it.
type Service interface {
	ResolveToken(ctx context.Context, tokenRef, network string) (model.ResolvedToken, error)
	Snapshot(ctx context.Context, account, chain string, forceRefresh bool) (model.WalletSnapshot, error)
	Swap(ctx context.Context, in engine.SwapInput) (model.SwapResult, error)
	Transfer(ctx context.Context, in engine.TransferInput) (model.TransferResult, error)
	TransferNFT(ctx context.Context, in engine.NFTTransferInput) (model.NFTTransferResult, error)
	Actions(filter execution.ActionFilter) ([]execution.Action, error)
	Action(actionID string) (execution.Action, error)
}

type Options struct {
	Addr        string
	CORSOrigins []string
	// EnableCommands restricts routes to the listed command paths, as --enable-commands does for the CLI.
	EnableCommands []string
	Metrics        *metrics.Recorder
	Logger         *zap.Logger
}

type Server struct {
	svc     Service
	opts    Options
	router  *gin.Engine
	logger  *zap.Logger
	started time.Time
}

func NewServer(svc Service, opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:8080"
	}
	s := &Server{
		svc:     svc,
		opts:    opts,
		logger:  logging.OrNop(opts.Logger).Named("api"),
		started: time.Now(),
	}
	s.router = s.routes()
	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *gin.Engine {
	router := gin.New()

	corsConfig := cors.DefaultConfig()
	if len(s.opts.CORSOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = s.opts.CORSOrigins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "X-Request-ID"}
	router.Use(cors.New(corsConfig))
	router.Use(requestID())
	router.Use(requestLogger(s.logger))
	router.Use(gin.Recovery())

	router.GET("/healthz", s.health)
	router.GET("/metrics", gin.WrapH(s.opts.Metrics.Handler()))

	v1 := router.Group("/v1")
	{
		v1.GET("/chains", s.allow("chains list"), s.listChains)
		v1.POST("/tokens/resolve", s.allow("tokens resolve"), s.resolveToken)
		v1.GET("/wallets/:account", s.allow("wallet snapshot"), s.walletSnapshot)
		v1.POST("/swaps", s.allow("swap execute"), s.swap)
		v1.POST("/transfers", s.allow("transfer send"), s.transfer)
		v1.POST("/transfers/nft", s.allow("transfer nft"), s.transferNFT)
		v1.GET("/actions", s.allow("actions list"), s.listActions)
		v1.GET("/actions/:id", s.allow("actions show"), s.showAction)
	}
	return router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", zap.String("addr", s.opts.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	s.logger.Info("api shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
