package errors

import (
	"fmt"
	"testing"
)

func TestExitCodeUsesOutermostTypedCode(t *testing.T) {
	err := fmt.Errorf("swap: %w", Wrap(CodeAllowance, "approval required", New(CodeReverted, "reverted")))
	if got := ExitCode(err); got != int(CodeAllowance) {
		t.Fatalf("expected allowance exit code, got %d", got)
	}
	if ExitCode(nil) != 0 {
		t.Fatal("expected success exit code for nil error")
	}
	if ExitCode(fmt.Errorf("plain")) != int(CodeInternal) {
		t.Fatal("expected internal exit code for untyped error")
	}
}

func TestIsWalksNestedTypedErrors(t *testing.T) {
	err := Wrap(CodeLiquidity, "dex swap failed", Wrap(CodeInsufficientGas, "estimate gas", fmt.Errorf("insufficient funds for gas")))
	if !Is(err, CodeInsufficientGas) {
		t.Fatal("expected nested insufficient gas code to be found")
	}
	if Is(err, CodeReverted) {
		t.Fatal("did not expect revert code")
	}
}

func TestTypeNameDistinguishesConfirmationOutcomes(t *testing.T) {
	if TypeName(CodeReverted) == TypeName(CodeConfirmTimeout) {
		t.Fatal("revert and timeout must map to distinct types")
	}
	if TypeName(Code(999)) != "internal_error" {
		t.Fatalf("unexpected fallback type %q", TypeName(Code(999)))
	}
}
