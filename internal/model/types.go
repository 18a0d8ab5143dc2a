package model

import "time"

const EnvelopeVersion = "v1"

type Envelope struct {
	Version  string       `json:"version"`
	Success  bool         `json:"success"`
	Data     any          `json:"data,omitempty"`
	Error    *ErrorBody   `json:"error"`
	Warnings []string     `json:"warnings,omitempty"`
	Meta     EnvelopeMeta `json:"meta"`
}

type ErrorBody struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

type EnvelopeMeta struct {
	RequestID string           `json:"request_id"`
	Timestamp time.Time        `json:"timestamp"`
	Command   string           `json:"command"`
	Providers []ProviderStatus `json:"providers,omitempty"`
	Cache     CacheStatus      `json:"cache"`
	Partial   bool             `json:"partial"`
}

type ProviderStatus struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
}

type CacheStatus struct {
	Status string `json:"status"`
	AgeMS  int64  `json:"age_ms"`
	Stale  bool   `json:"stale"`
}

type ProviderInfo struct {
	Name           string                   `json:"name"`
	Type           string                   `json:"type"`
	Role           string                   `json:"role,omitempty"`
	RequiresKey    bool                     `json:"requires_key"`
	Capabilities   []string                 `json:"capabilities"`
	KeyEnvVarName  string                   `json:"key_env_var,omitempty"`
	CapabilityAuth []ProviderCapabilityAuth `json:"capability_auth,omitempty"`
}

type ProviderCapabilityAuth struct {
	Capability  string `json:"capability"`
	KeyEnvVar   string `json:"key_env_var"`
	Description string `json:"description,omitempty"`
}

type ChainInfo struct {
	Name          string   `json:"name"`
	Slug          string   `json:"slug"`
	ChainID       string   `json:"chain_id"`
	EVMChainID    int64    `json:"evm_chain_id"`
	NativeSymbol  string   `json:"native_symbol"`
	NativeAliases []string `json:"native_aliases,omitempty"`
	WrappedNative string   `json:"wrapped_native"`
}

// ResolvedToken is a token reference pinned to one network.
// Address is the native sentinel for the chain's gas token.
type ResolvedToken struct {
	Address    string `json:"address"`
	Symbol     string `json:"symbol"`
	Name       string `json:"name"`
	Decimals   int    `json:"decimals"`
	Network    string `json:"network"`
	ChainID    string `json:"chain_id"`
	Native     bool   `json:"native"`
	AliasNote  string `json:"alias_note,omitempty"`
	ResolvedBy string `json:"resolved_by"`
}

type AmountInfo struct {
	AmountBaseUnits string `json:"amount_base_units"`
	AmountDecimal   string `json:"amount_decimal"`
	Decimals        int    `json:"decimals"`
}

// WalletToken is one balance line. ContractAddress is nil for the native token.
type WalletToken struct {
	Symbol           string  `json:"symbol"`
	Name             string  `json:"name"`
	Balance          string  `json:"balance"`
	BalanceFormatted string  `json:"balance_formatted"`
	USDValue         float64 `json:"usd_value"`
	USDPrice         float64 `json:"usd_price"`
	ContractAddress  *string `json:"contract_address"`
	Chain            string  `json:"chain"`
	Decimals         int     `json:"decimals"`
}

type WalletNFT struct {
	Chain           string `json:"chain"`
	ContractAddress string `json:"contract_address"`
	TokenID         string `json:"token_id"`
	Name            string `json:"name,omitempty"`
	Collection      string `json:"collection,omitempty"`
	TokenType       string `json:"token_type,omitempty"`
	Balance         string `json:"balance,omitempty"`
}

type WalletSnapshot struct {
	Account       string        `json:"account"`
	Address       string        `json:"address"`
	Chain         string        `json:"chain"`
	Tokens        []WalletToken `json:"tokens"`
	NFTs          []WalletNFT   `json:"nfts"`
	TotalUSDValue float64       `json:"total_usd_value"`
	FailedChains  []string      `json:"failed_chains,omitempty"`
	FetchedAt     string        `json:"fetched_at"`
}

type SwapResult struct {
	ActionID        string     `json:"action_id,omitempty"`
	Network         string     `json:"network"`
	TransactionHash string     `json:"transaction_hash"`
	ProviderUsed    string     `json:"provider_used"`
	FromToken       string     `json:"from_token"`
	ToToken         string     `json:"to_token"`
	FromAmount      AmountInfo `json:"from_amount"`
	ApprovalTxHash  string     `json:"approval_tx_hash,omitempty"`
	Attempts        []string   `json:"attempts,omitempty"`
}

type TransferResult struct {
	ActionID        string     `json:"action_id,omitempty"`
	Network         string     `json:"network"`
	TransactionHash string     `json:"transaction_hash"`
	From            string     `json:"from"`
	To              string     `json:"to"`
	Token           string     `json:"token"`
	Amount          AmountInfo `json:"amount"`
	Path            string     `json:"path"`
}

type NFTTransferResult struct {
	ActionID        string `json:"action_id,omitempty"`
	Network         string `json:"network"`
	TransactionHash string `json:"transaction_hash"`
	From            string `json:"from"`
	To              string `json:"to"`
	Contract        string `json:"contract"`
	TokenID         string `json:"token_id"`
}
