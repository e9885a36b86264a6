package escrow

import (
	"math/big"
	"strconv"

	"nhbescrow/core/types"
	"nhbescrow/crypto"
)

const (
	EventTypeEscrowCreated  = "escrow.created"
	EventTypeFundsDeposited = "escrow.funds_deposited"
)

// EscrowCreated is emitted once a deal has been registered.
type EscrowCreated struct {
	Sequence uint64
	ID       [32]byte
	Payer    [20]byte
	Payee    [20]byte
	Amount   *big.Int
	Deadline uint64
}

func (EscrowCreated) EventType() string { return EventTypeEscrowCreated }

// Event returns the canonical payload for a newly created deal.
func (e EscrowCreated) Event() *types.Event {
	return &types.Event{
		Sequence: e.Sequence,
		Type:     EventTypeEscrowCreated,
		Attributes: map[string]string{
			"id":       FormatID(e.ID),
			"payer":    crypto.FormatIdentity(e.Payer),
			"payee":    crypto.FormatIdentity(e.Payee),
			"amount":   formatAmount(e.Amount),
			"deadline": strconv.FormatUint(e.Deadline, 10),
		},
	}
}

// FundsDeposited is emitted when the payer's value has been taken into
// custody.
type FundsDeposited struct {
	Sequence uint64
	ID       [32]byte
	Payer    [20]byte
	Amount   *big.Int
}

func (FundsDeposited) EventType() string { return EventTypeFundsDeposited }

// Event returns the canonical payload for a funded deal.
func (e FundsDeposited) Event() *types.Event {
	return &types.Event{
		Sequence: e.Sequence,
		Type:     EventTypeFundsDeposited,
		Attributes: map[string]string{
			"id":     FormatID(e.ID),
			"payer":  crypto.FormatIdentity(e.Payer),
			"amount": formatAmount(e.Amount),
		},
	}
}

func newCreatedEvent(d *Deal) EscrowCreated {
	return EscrowCreated{
		ID:       d.ID,
		Payer:    d.Payer,
		Payee:    d.Payee,
		Amount:   cloneBigInt(d.Amount),
		Deadline: d.Deadline,
	}
}

func newFundsDepositedEvent(d *Deal) FundsDeposited {
	return FundsDeposited{
		ID:     d.ID,
		Payer:  d.Payer,
		Amount: cloneBigInt(d.Amount),
	}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
