package escrow

import (
	"math/big"
	"testing"
)

func TestStatusValidity(t *testing.T) {
	if Status(0).Valid() {
		t.Fatalf("zero status must be invalid")
	}
	if !StatusCreated.Valid() || !StatusFunded.Valid() {
		t.Fatalf("implemented statuses must be valid")
	}
	if Status(3).Valid() {
		t.Fatalf("undeclared status must be invalid")
	}
	if StatusCreated.String() != "created" || StatusFunded.String() != "funded" {
		t.Fatalf("unexpected status names")
	}
}

func TestDealCloneIsDeep(t *testing.T) {
	original := &Deal{Payer: newTestAddress(1), Payee: newTestAddress(2), Amount: big.NewInt(10), Status: StatusCreated}
	clone := original.Clone()
	clone.Amount.SetInt64(20)
	clone.Status = StatusFunded
	if original.Amount.Int64() != 10 || original.Status != StatusCreated {
		t.Fatalf("clone mutated original")
	}
	var nilDeal *Deal
	if nilDeal.Clone() != nil {
		t.Fatalf("expected nil clone")
	}
}

func TestSanitizeDeal(t *testing.T) {
	valid := &Deal{Payer: newTestAddress(1), Payee: newTestAddress(2), Amount: big.NewInt(1), Status: StatusCreated}
	if _, err := SanitizeDeal(valid); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cases := map[string]*Deal{
		"nil":          nil,
		"zero payer":   {Payee: newTestAddress(2), Amount: big.NewInt(1), Status: StatusCreated},
		"zero payee":   {Payer: newTestAddress(1), Amount: big.NewInt(1), Status: StatusCreated},
		"zero amount":  {Payer: newTestAddress(1), Payee: newTestAddress(2), Amount: big.NewInt(0), Status: StatusCreated},
		"nil amount":   {Payer: newTestAddress(1), Payee: newTestAddress(2), Status: StatusCreated},
		"absent state": {Payer: newTestAddress(1), Payee: newTestAddress(2), Amount: big.NewInt(1)},
	}
	for name, deal := range cases {
		if _, err := SanitizeDeal(deal); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
