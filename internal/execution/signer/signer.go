package signer

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

type Signer interface {
	Address() common.Address
	SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error)
	// SignTypedData returns a 65-byte EIP-712 signature with V in {27, 28}.
	SignTypedData(data apitypes.TypedData) ([]byte, error)
}
