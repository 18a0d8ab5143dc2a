package planner

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	clierr "github.com/ggonzalez94/defi-agent/internal/errors"
	"github.com/ggonzalez94/defi-agent/internal/registry"
)

// MaxUint256 is the unlimited approval amount.
var MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

var (
	plannerERC20ABI   = mustPlannerABI(registry.ERC20MinimalABI)
	plannerERC721ABI  = mustPlannerABI(registry.ERC721MinimalABI)
	plannerWrappedABI = mustPlannerABI(registry.WrappedNativeABI)
)

func PackAllowance(owner, spender common.Address) ([]byte, error) {
	data, err := plannerERC20ABI.Pack("allowance", owner, spender)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "pack allowance calldata", err)
	}
	return data, nil
}

// UnpackAllowance decodes the uint256 returned by allowance(owner, spender).
func UnpackAllowance(out []byte) (*big.Int, error) {
	values, err := plannerERC20ABI.Unpack("allowance", out)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "decode allowance", err)
	}
	if len(values) != 1 {
		return nil, clierr.New(clierr.CodeUnavailable, "decode allowance: unexpected output")
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, clierr.New(clierr.CodeUnavailable, "decode allowance: unexpected output type")
	}
	return v, nil
}

func PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	if spender == (common.Address{}) {
		return nil, clierr.New(clierr.CodeUsage, "approval requires spender address")
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, clierr.New(clierr.CodeUsage, "approval amount must be a positive integer in base units")
	}
	data, err := plannerERC20ABI.Pack("approve", spender, amount)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "pack approval calldata", err)
	}
	return data, nil
}

func PackTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	if to == (common.Address{}) {
		return nil, clierr.New(clierr.CodeUsage, "transfer requires a recipient address")
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, clierr.New(clierr.CodeUsage, "transfer amount must be a positive integer in base units")
	}
	data, err := plannerERC20ABI.Pack("transfer", to, amount)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "pack transfer calldata", err)
	}
	return data, nil
}

func PackDeposit() ([]byte, error) {
	data, err := plannerWrappedABI.Pack("deposit")
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "pack deposit calldata", err)
	}
	return data, nil
}

func PackSafeTransferFrom(from, to common.Address, tokenID *big.Int) ([]byte, error) {
	if to == (common.Address{}) {
		return nil, clierr.New(clierr.CodeUsage, "nft transfer requires a recipient address")
	}
	if tokenID == nil || tokenID.Sign() < 0 {
		return nil, clierr.New(clierr.CodeUsage, "nft token id must be a non-negative integer")
	}
	data, err := plannerERC721ABI.Pack("safeTransferFrom", from, to, tokenID)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "pack safeTransferFrom calldata", err)
	}
	return data, nil
}

func mustPlannerABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
