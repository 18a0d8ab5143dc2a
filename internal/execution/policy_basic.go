package execution

import (
	"bytes"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/defi-agent/internal/errors"
	"github.com/ggonzalez94/defi-agent/internal/registry"
)

var (
	policyERC20ABI   = mustPolicyABI(registry.ERC20MinimalABI)
	policyERC721ABI  = mustPolicyABI(registry.ERC721MinimalABI)
	policyWrappedABI = mustPolicyABI(registry.WrappedNativeABI)
	policyRouterABI  = mustPolicyABI(registry.UniswapV3RouterABI)

	policyApproveSelector   = policyERC20ABI.Methods["approve"].ID
	policyTransferSelector  = policyERC20ABI.Methods["transfer"].ID
	policySafeTransferID    = policyERC721ABI.Methods["safeTransferFrom"].ID
	policyDepositSelector   = policyWrappedABI.Methods["deposit"].ID
	policyMulticallSelector = policyRouterABI.Methods["multicall"].ID
)

// validateTxPolicy rejects malformed engine-built calldata before anything touches the node.
// Provider-built swap payloads are opaque and only checked for a usable target.
func validateTxPolicy(req TxRequest) error {
	if req.To == (common.Address{}) {
		return clierr.New(clierr.CodeActionPlan, "transaction target is the zero address")
	}
	switch req.Kind {
	case StepTypeApproval:
		return validateApprovalPolicy(req.Data)
	case StepTypeWrap:
		return validateWrapPolicy(req)
	case StepTypeSwap:
		return validateSwapPolicy(req)
	case StepTypeTransfer:
		return validateTransferPolicy(req)
	case StepTypeNFTTransfer:
		if len(req.Data) < 4 || !bytes.Equal(req.Data[:4], policySafeTransferID) {
			return clierr.New(clierr.CodeActionPlan, "nft transfer must call safeTransferFrom(from,to,tokenId)")
		}
		return nil
	default:
		return nil
	}
}

func validateApprovalPolicy(data []byte) error {
	if len(data) < 4 || !bytes.Equal(data[:4], policyApproveSelector) {
		return clierr.New(clierr.CodeActionPlan, "approval step must use ERC20 approve(spender,amount)")
	}
	args, err := policyERC20ABI.Methods["approve"].Inputs.Unpack(data[4:])
	if err != nil || len(args) != 2 {
		return clierr.New(clierr.CodeActionPlan, "approval step calldata is invalid")
	}
	spender, ok := toAddress(args[0])
	if !ok || spender == (common.Address{}) {
		return clierr.New(clierr.CodeActionPlan, "approval step has invalid spender")
	}
	amount, ok := toBigInt(args[1])
	if !ok || amount.Sign() <= 0 {
		return clierr.New(clierr.CodeActionPlan, "approval step has invalid approval amount")
	}
	return nil
}

func validateWrapPolicy(req TxRequest) error {
	if len(req.Data) < 4 || !bytes.Equal(req.Data[:4], policyDepositSelector) {
		return clierr.New(clierr.CodeActionPlan, "wrap step must call deposit()")
	}
	expected := common.HexToAddress(req.Chain.WrappedNative.Address)
	if req.To != expected {
		return clierr.New(clierr.CodeActionPlan, "wrap step target does not match the chain's wrapped native token")
	}
	if req.Value == nil || req.Value.Sign() <= 0 {
		return clierr.New(clierr.CodeActionPlan, "wrap step must carry a positive value")
	}
	return nil
}

func validateSwapPolicy(req TxRequest) error {
	if len(req.Data) < 4 {
		return clierr.New(clierr.CodeActionPlan, "swap step has no calldata")
	}
	if !bytes.Equal(req.Data[:4], policyMulticallSelector) {
		return nil
	}
	_, router, ok := registry.UniswapV3Contracts(req.Chain.EVMChainID)
	if !ok {
		return clierr.New(clierr.CodeActionPlan, "router swap step has unsupported chain")
	}
	if !strings.EqualFold(req.To.Hex(), common.HexToAddress(router).Hex()) {
		return clierr.New(clierr.CodeActionPlan, "router swap step target does not match canonical router")
	}
	return nil
}

func validateTransferPolicy(req TxRequest) error {
	if len(req.Data) == 0 {
		return nil
	}
	if len(req.Data) < 4 || !bytes.Equal(req.Data[:4], policyTransferSelector) {
		return clierr.New(clierr.CodeActionPlan, "token transfer must call ERC20 transfer(to,amount)")
	}
	args, err := policyERC20ABI.Methods["transfer"].Inputs.Unpack(req.Data[4:])
	if err != nil || len(args) != 2 {
		return clierr.New(clierr.CodeActionPlan, "token transfer calldata is invalid")
	}
	recipient, ok := toAddress(args[0])
	if !ok || recipient == (common.Address{}) {
		return clierr.New(clierr.CodeActionPlan, "token transfer has invalid recipient")
	}
	if req.Value != nil && req.Value.Sign() != 0 {
		return clierr.New(clierr.CodeActionPlan, "token transfer must not carry native value")
	}
	return nil
}

func toAddress(v any) (common.Address, bool) {
	switch value := v.(type) {
	case common.Address:
		return value, true
	case *common.Address:
		if value == nil {
			return common.Address{}, false
		}
		return *value, true
	default:
		return common.Address{}, false
	}
}

func toBigInt(v any) (*big.Int, bool) {
	switch value := v.(type) {
	case *big.Int:
		if value == nil {
			return nil, false
		}
		return value, true
	case big.Int:
		cpy := value
		return &cpy, true
	default:
		return nil, false
	}
}

func mustPolicyABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
