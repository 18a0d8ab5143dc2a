package execution

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"

	clierr "github.com/ggonzalez94/defi-agent/internal/errors"
)

var (
	errorStringSelector = common.FromHex("0x08c379a0")
	panicSelector       = common.FromHex("0x4e487b71")
)

// Substrings are matched against lower-cased node errors and decoded revert reasons.
var failurePatterns = []struct {
	code     clierr.Code
	patterns []string
}{
	{clierr.CodeInsufficientGas, []string{"insufficient funds for gas", "insufficient funds for intrinsic", "gas required exceeds allowance"}},
	{clierr.CodeInsufficientFunds, []string{"exceeds balance", "insufficient balance", "insufficient funds for transfer"}},
	{clierr.CodeAllowance, []string{"allowance", "transfer_from_failed", "transferfromfailed", "not approved", "permit"}},
	{clierr.CodeLiquidity, []string{"too little received", "insufficient output amount", "slippage", "liquidity", "price impact", "no route"}},
}

// ClassifyFailure maps a node or provider failure message onto an engine error code.
func ClassifyFailure(message string, fallback clierr.Code) clierr.Code {
	msg := strings.ToLower(strings.TrimSpace(message))
	if msg == "" {
		return fallback
	}
	if msg == "stf" || strings.HasSuffix(msg, ": stf") {
		return clierr.CodeAllowance
	}
	for _, group := range failurePatterns {
		for _, p := range group.patterns {
			if strings.Contains(msg, p) {
				return group.code
			}
		}
	}
	return fallback
}

func decodeRevertData(data []byte) string {
	if len(data) < 4 {
		return ""
	}
	switch {
	case bytes.Equal(data[:4], errorStringSelector):
		reason, err := abi.UnpackRevert(data)
		if err == nil {
			return reason
		}
	case bytes.Equal(data[:4], panicSelector) && len(data) >= 36:
		code := new(big.Int).SetBytes(data[4:36])
		return fmt.Sprintf("panic code 0x%x", code)
	}
	return fmt.Sprintf("custom error 0x%x", data[:4])
}

func decodeRevertFromError(err error) string {
	if err == nil {
		return ""
	}
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return ""
	}
	switch v := dataErr.ErrorData().(type) {
	case string:
		return decodeRevertData(common.FromHex(v))
	case []byte:
		return decodeRevertData(v)
	default:
		return ""
	}
}

// wrapEVMExecutionError attaches any decoded revert reason and refines code from the failure text.
func wrapEVMExecutionError(code clierr.Code, message string, err error) error {
	if err == nil {
		return nil
	}
	reason := decodeRevertFromError(err)
	detail := err.Error()
	if reason != "" {
		detail = detail + ": " + reason
		message = message + ": " + reason
	}
	return clierr.Wrap(ClassifyFailure(detail, code), message, err)
}

func normalizeStepTxHash(v string) (common.Hash, bool) {
	clean := strings.TrimSpace(v)
	if !strings.HasPrefix(clean, "0x") || len(clean) != 66 {
		return common.Hash{}, false
	}
	if _, err := decodeHex(clean); err != nil {
		return common.Hash{}, false
	}
	return common.HexToHash(clean), true
}
