package execution

import (
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/defi-agent/internal/errors"
)

type testRPCDataError struct {
	msg  string
	data any
}

func (e testRPCDataError) Error() string { return e.msg }

func (e testRPCDataError) ErrorData() interface{} { return e.data }

func TestDecodeRevertDataReasonString(t *testing.T) {
	revertData := encodeErrorString(t, "slippage too high")
	reason := decodeRevertData(revertData)
	if reason != "slippage too high" {
		t.Fatalf("expected decoded revert reason, got %q", reason)
	}
}

func TestDecodeRevertDataCustomErrorSelector(t *testing.T) {
	revertData := common.FromHex("0x12345678")
	reason := decodeRevertData(revertData)
	if !strings.Contains(reason, "0x12345678") {
		t.Fatalf("expected custom error selector in reason, got %q", reason)
	}
}

func TestDecodeRevertDataPanic(t *testing.T) {
	data := append(common.FromHex("0x4e487b71"), common.LeftPadBytes([]byte{0x11}, 32)...)
	if reason := decodeRevertData(data); reason != "panic code 0x11" {
		t.Fatalf("unexpected panic reason: %q", reason)
	}
}

func TestDecodeRevertFromErrorWithDataError(t *testing.T) {
	revertData := encodeErrorString(t, "insufficient output amount")
	err := testRPCDataError{
		msg:  "execution reverted",
		data: "0x" + common.Bytes2Hex(revertData),
	}
	reason := decodeRevertFromError(err)
	if reason != "insufficient output amount" {
		t.Fatalf("unexpected decoded reason: %q", reason)
	}
}

func TestWrapEVMExecutionErrorIncludesDecodedRevert(t *testing.T) {
	revertData := encodeErrorString(t, "panic path")
	rootErr := testRPCDataError{
		msg:  "execution reverted",
		data: "0x" + common.Bytes2Hex(revertData),
	}
	wrapped := wrapEVMExecutionError(clierr.CodeActionSim, "simulate step (eth_call)", rootErr)
	var typed *clierr.Error
	if !errors.As(wrapped, &typed) {
		t.Fatalf("expected typed cli error, got %T", wrapped)
	}
	if !strings.Contains(typed.Error(), "panic path") {
		t.Fatalf("expected decoded reason in wrapped error, got: %v", typed)
	}
	if typed.Code != clierr.CodeActionSim {
		t.Fatalf("expected simulation code for unclassified reason, got %d", typed.Code)
	}
}

func TestWrapEVMExecutionErrorClassifiesReason(t *testing.T) {
	rootErr := testRPCDataError{
		msg:  "execution reverted",
		data: "0x" + common.Bytes2Hex(encodeErrorString(t, "ERC20: transfer amount exceeds balance")),
	}
	wrapped := wrapEVMExecutionError(clierr.CodeActionSim, "simulate transfer (eth_call)", rootErr)
	if !clierr.Is(wrapped, clierr.CodeInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", wrapped)
	}
}

func TestClassifyFailure(t *testing.T) {
	cases := []struct {
		msg  string
		want clierr.Code
	}{
		{"insufficient funds for gas * price + value", clierr.CodeInsufficientGas},
		{"gas required exceeds allowance (30000000)", clierr.CodeInsufficientGas},
		{"ERC20: transfer amount exceeds balance", clierr.CodeInsufficientFunds},
		{"ERC20: transfer amount exceeds allowance", clierr.CodeAllowance},
		{"execution reverted: STF", clierr.CodeAllowance},
		{"Too little received", clierr.CodeLiquidity},
		{"no route found", clierr.CodeLiquidity},
		{"nonce too low", clierr.CodeUnavailable},
		{"", clierr.CodeUnavailable},
	}
	for _, tc := range cases {
		if got := ClassifyFailure(tc.msg, clierr.CodeUnavailable); got != tc.want {
			t.Fatalf("ClassifyFailure(%q) = %d, want %d", tc.msg, got, tc.want)
		}
	}
}

func TestNormalizeStepTxHash(t *testing.T) {
	validHash := "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	if _, ok := normalizeStepTxHash(validHash); !ok {
		t.Fatal("expected valid tx hash to parse")
	}
	if _, ok := normalizeStepTxHash("0x1234"); ok {
		t.Fatal("expected short tx hash to fail")
	}
}

func TestParseGweiAndFeeCap(t *testing.T) {
	v, err := parseGwei("1.5")
	if err != nil || v.String() != "1500000000" {
		t.Fatalf("unexpected parseGwei result: %v %v", v, err)
	}
	if _, err := parseGwei("-1"); err == nil {
		t.Fatal("expected negative gwei to fail")
	}
	feeCap, err := resolveFeeCap(big.NewInt(10), big.NewInt(2), "")
	if err != nil || feeCap.Int64() != 22 {
		t.Fatalf("unexpected fee cap: %v %v", feeCap, err)
	}
	if _, err := resolveFeeCap(big.NewInt(10), big.NewInt(5_000_000_000), "1"); err == nil {
		t.Fatal("expected fee cap below tip to fail")
	}
}

func TestAcquireSignerNonceLockSerializesSameSignerChain(t *testing.T) {
	unlock := acquireSignerNonceLock(big.NewInt(1), common.HexToAddress("0x00000000000000000000000000000000000000aa"))
	secondAcquired := make(chan struct{})
	go func() {
		unlockSecond := acquireSignerNonceLock(big.NewInt(1), common.HexToAddress("0x00000000000000000000000000000000000000aa"))
		close(secondAcquired)
		unlockSecond()
	}()

	select {
	case <-secondAcquired:
		t.Fatal("expected second lock attempt to block while first lock is held")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	select {
	case <-secondAcquired:
	case <-time.After(250 * time.Millisecond):
		t.Fatal("expected second lock attempt to acquire after unlock")
	}
}

func encodeErrorString(t *testing.T, reason string) []byte {
	t.Helper()
	stringTy, err := abi.NewType("string", "", nil)
	if err != nil {
		t.Fatalf("create abi string type: %v", err)
	}
	args := abi.Arguments{{Type: stringTy}}
	encoded, err := args.Pack(reason)
	if err != nil {
		t.Fatalf("pack revert reason: %v", err)
	}
	return append(common.FromHex("0x08c379a0"), encoded...)
}
