package escrow

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// idTuple is the canonical encoding of the creation parameters. Nonce is
// optional and omitted from the encoding when zero, so identifiers derived
// without a registry sequence stay stable.
type idTuple struct {
	Payer     [20]byte
	Payee     [20]byte
	Amount    *big.Int
	Deadline  uint64
	CreatedAt uint64
	Nonce     uint64 `rlp:"optional"`
}

// DealID derives the deterministic identifier for a deal. Two calls with the
// same parameters, creation second and nonce produce the same identifier.
func DealID(payer, payee [20]byte, amount *big.Int, deadline uint64, createdAt int64, nonce uint64) ([32]byte, error) {
	if amount == nil || amount.Sign() < 0 {
		return [32]byte{}, fmt.Errorf("escrow: identifier amount must be non-negative")
	}
	if createdAt < 0 {
		return [32]byte{}, fmt.Errorf("escrow: identifier timestamp must be non-negative")
	}
	encoded, err := rlp.EncodeToBytes(&idTuple{
		Payer:     payer,
		Payee:     payee,
		Amount:    amount,
		Deadline:  deadline,
		CreatedAt: uint64(createdAt),
		Nonce:     nonce,
	})
	if err != nil {
		return [32]byte{}, fmt.Errorf("escrow: encode identifier tuple: %w", err)
	}
	return ethcrypto.Keccak256Hash(encoded), nil
}

// FormatID renders the identifier as 64 lowercase hex characters.
func FormatID(id [32]byte) string {
	return hex.EncodeToString(id[:])
}

// ParseID accepts 64 hex characters with an optional 0x prefix.
func ParseID(value string) ([32]byte, error) {
	var out [32]byte
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return out, fmt.Errorf("id required")
	}
	cleaned := strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if len(cleaned) != 64 {
		return out, fmt.Errorf("id must be 32 bytes")
	}
	raw, err := hex.DecodeString(cleaned)
	if err != nil {
		return out, err
	}
	copy(out[:], raw)
	return out, nil
}
