package app

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/ggonzalez94/defi-agent/internal/api"
	"github.com/ggonzalez94/defi-agent/internal/engine"
	clierr "github.com/ggonzalez94/defi-agent/internal/errors"
	"github.com/ggonzalez94/defi-agent/internal/execution"
	"github.com/ggonzalez94/defi-agent/internal/schema"
)

func (s *runtimeState) newTokensCommand() *cobra.Command {
	root := &cobra.Command{Use: "tokens", Short: "Token resolution"}
	var token, network string
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve a symbol, alias or address to a token on one network",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := s.stack.Engine()
			if err != nil {
				return err
			}
			ctx, cancel := s.readContext()
			defer cancel()
			resolved, err := eng.ResolveToken(ctx, token, network)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), resolved)
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "Token symbol, alias or contract address")
	cmd.Flags().StringVar(&network, "network", "", "Network slug, chain ID or CAIP-2")
	_ = cmd.MarkFlagRequired("token")
	_ = cmd.MarkFlagRequired("network")
	root.AddCommand(cmd)
	return root
}

func (s *runtimeState) newWalletCommand() *cobra.Command {
	root := &cobra.Command{Use: "wallet", Short: "Wallet state"}
	var account, chain string
	var refresh bool
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Show balances, NFTs and USD value for an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := s.stack.Engine()
			if err != nil {
				return err
			}
			ctx, cancel := s.readContext()
			defer cancel()
			snap, err := eng.Snapshot(ctx, account, chain, refresh)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), snap)
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "Account name (defaults to the default account)")
	cmd.Flags().StringVar(&chain, "chain", "", "Restrict the snapshot to one chain")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Bypass the cached snapshot")
	root.AddCommand(cmd)
	return root
}

func (s *runtimeState) newSwapCommand() *cobra.Command {
	root := &cobra.Command{Use: "swap", Short: "Token swaps"}
	var in engine.SwapInput
	var slippage int64
	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Swap tokens through the primary, aggregator and direct pool routes in order",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := s.stack.Engine()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("slippage-bps") {
				in.SlippageBps = &slippage
			}
			res, err := eng.Swap(s.ctx, in)
			if err != nil {
				if res.ActionID != "" {
					s.lastData = res
				}
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), res)
		},
	}
	cmd.Flags().StringVar(&in.Account, "account", "", "Signing account name")
	cmd.Flags().StringVar(&in.Network, "network", "", "Network slug, chain ID or CAIP-2")
	cmd.Flags().StringVar(&in.FromToken, "from", "", "Input token (symbol, alias or address)")
	cmd.Flags().StringVar(&in.ToToken, "to", "", "Output token (symbol, alias or address)")
	cmd.Flags().StringVar(&in.Amount, "amount", "", "Amount in base units, a percentage like 50%, or max")
	cmd.Flags().StringVar(&in.AmountDecimal, "amount-decimal", "", "Amount in decimal units")
	cmd.Flags().Int64Var(&slippage, "slippage-bps", 0, "Slippage tolerance in basis points")
	_ = cmd.MarkFlagRequired("network")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	schema.MarkMutating(cmd)
	root.AddCommand(cmd)
	return root
}

func (s *runtimeState) newTransferCommand() *cobra.Command {
	root := &cobra.Command{Use: "transfer", Short: "Token and NFT transfers"}

	var in engine.TransferInput
	send := &cobra.Command{
		Use:   "send",
		Short: "Send native or ERC-20 tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := s.stack.Engine()
			if err != nil {
				return err
			}
			res, err := eng.Transfer(s.ctx, in)
			if err != nil {
				if res.ActionID != "" {
					s.lastData = res
				}
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), res)
		},
	}
	send.Flags().StringVar(&in.Account, "account", "", "Signing account name")
	send.Flags().StringVar(&in.Network, "network", "", "Network slug, chain ID or CAIP-2")
	send.Flags().StringVar(&in.Token, "token", "", "Token symbol, alias or address")
	send.Flags().StringVar(&in.To, "to", "", "Recipient address")
	send.Flags().StringVar(&in.Amount, "amount", "", "Amount in base units, a percentage like 50%, or max")
	send.Flags().StringVar(&in.AmountDecimal, "amount-decimal", "", "Amount in decimal units")
	_ = send.MarkFlagRequired("network")
	_ = send.MarkFlagRequired("token")
	_ = send.MarkFlagRequired("to")
	schema.MarkMutating(send)

	var nft engine.NFTTransferInput
	nftCmd := &cobra.Command{
		Use:   "nft",
		Short: "Transfer an ERC-721 token",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := s.stack.Engine()
			if err != nil {
				return err
			}
			res, err := eng.TransferNFT(s.ctx, nft)
			if err != nil {
				if res.ActionID != "" {
					s.lastData = res
				}
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), res)
		},
	}
	nftCmd.Flags().StringVar(&nft.Account, "account", "", "Signing account name")
	nftCmd.Flags().StringVar(&nft.Network, "network", "", "Network slug, chain ID or CAIP-2")
	nftCmd.Flags().StringVar(&nft.Contract, "contract", "", "ERC-721 contract address")
	nftCmd.Flags().StringVar(&nft.TokenID, "token-id", "", "Token ID")
	nftCmd.Flags().StringVar(&nft.To, "to", "", "Recipient address")
	_ = nftCmd.MarkFlagRequired("network")
	_ = nftCmd.MarkFlagRequired("contract")
	_ = nftCmd.MarkFlagRequired("token-id")
	_ = nftCmd.MarkFlagRequired("to")
	schema.MarkMutating(nftCmd)

	root.AddCommand(send)
	root.AddCommand(nftCmd)
	return root
}

func (s *runtimeState) newActionsCommand() *cobra.Command {
	root := &cobra.Command{Use: "actions", Short: "Action journal"}

	var status, account, chain string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recorded actions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateActionStatus(status); err != nil {
				return err
			}
			if limit <= 0 {
				return clierr.New(clierr.CodeUsage, "--limit must be positive")
			}
			eng, err := s.stack.Engine()
			if err != nil {
				return err
			}
			items, err := eng.Actions(execution.ActionFilter{
				Status:  execution.ActionStatus(strings.TrimSpace(status)),
				Account: account,
				ChainID: chain,
				Limit:   limit,
			})
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), items)
		},
	}
	list.Flags().StringVar(&status, "status", "", "Filter by status (running, completed, failed, unknown)")
	list.Flags().IntVar(&limit, "limit", 20, "Maximum actions to return")
	list.Flags().StringVar(&account, "account", "", "Only actions signed by this account")
	list.Flags().StringVar(&chain, "chain", "", "Only actions on this network")

	var actionID string
	show := &cobra.Command{
		Use:   "show [action-id|tx-hash]",
		Short: "Show one recorded action with its steps, by action id or any of its transaction hashes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := strings.TrimSpace(actionID)
			if len(args) == 1 {
				target = strings.TrimSpace(args[0])
			}
			if target == "" {
				return clierr.New(clierr.CodeUsage, "action id is required")
			}
			eng, err := s.stack.Engine()
			if err != nil {
				return err
			}
			action, err := eng.Action(target)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), action)
		},
	}
	show.Flags().StringVar(&actionID, "action-id", "", "Action identifier")

	root.AddCommand(list)
	root.AddCommand(show)
	return root
}

func (s *runtimeState) newServeCommand() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the engine over HTTP until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := s.stack.Engine()
			if err != nil {
				return err
			}
			addr := s.settings.ListenAddr
			if strings.TrimSpace(listen) != "" {
				addr = listen
			}
			if s.settings.LogLevel != "debug" {
				gin.SetMode(gin.ReleaseMode)
			}
			srv := api.NewServer(eng, api.Options{
				Addr:           addr,
				CORSOrigins:    s.settings.CORSOrigins,
				EnableCommands: s.settings.EnableCommands,
				Metrics:        s.stack.metrics,
				Logger:         s.stack.logger,
			})
			if err := srv.Run(s.ctx); err != nil {
				return clierr.Wrap(clierr.CodeInternal, "serve http", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (overrides server.listen)")
	return cmd
}

func validateActionStatus(status string) error {
	if execution.ActionStatus(strings.TrimSpace(status)).Valid() {
		return nil
	}
	return clierr.New(clierr.CodeUsage, "--status must be one of running, completed, failed, unknown")
}
