package escrow

import (
	"fmt"
	"math/big"
)

// Status represents the lifecycle stage of a deal. A deal that has no registry
// entry is absent; absence is never stored.
type Status uint8

const (
	StatusCreated Status = iota + 1
	StatusFunded
)

// Valid reports whether the status value is one of the implemented states.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusFunded:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusFunded:
		return "funded"
	default:
		return "unknown"
	}
}

// Deal captures a single escrow agreement between a payer and a payee. The
// identifier is the keccak256 hash of the canonical creation tuple, see DealID.
type Deal struct {
	ID        [32]byte
	Payer     [20]byte
	Payee     [20]byte
	Amount    *big.Int
	Deadline  uint64
	CreatedAt int64
	// Nonce is the registry sequence mixed into the identifier when unique
	// identifiers are enabled; zero otherwise.
	Nonce  uint64
	Status Status
}

// Clone returns a deep copy of the deal so callers can safely mutate the copy
// without affecting the stored instance.
func (d *Deal) Clone() *Deal {
	if d == nil {
		return nil
	}
	clone := *d
	if d.Amount != nil {
		clone.Amount = new(big.Int).Set(d.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return &clone
}

// SanitizeDeal validates the invariants every stored deal must satisfy and
// returns a cloned instance. The function does not mutate the original value.
func SanitizeDeal(d *Deal) (*Deal, error) {
	if d == nil {
		return nil, fmt.Errorf("nil deal")
	}
	clone := d.Clone()
	if clone.Payer == ([20]byte{}) {
		return nil, fmt.Errorf("deal payer must be set")
	}
	if clone.Payee == ([20]byte{}) {
		return nil, fmt.Errorf("deal payee must be set")
	}
	if clone.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("deal amount must be positive")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invalid deal status: %d", clone.Status)
	}
	return clone, nil
}
