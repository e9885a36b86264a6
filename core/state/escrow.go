package state

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"sort"

	"nhbescrow/core/types"
	"nhbescrow/native/escrow"
)

// MaxEventPage bounds the number of journal entries returned by a single
// EscrowEvents call.
const MaxEventPage = 1000

func escrowDealKey(id [32]byte) []byte {
	return prefixedKey(escrowDealPrefix, id[:])
}

func escrowEventKey(seq uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return prefixedKey(escrowEventPrefix, buf[:])
}

type storedDeal struct {
	ID        [32]byte
	Payer     [20]byte
	Payee     [20]byte
	Amount    *big.Int
	Deadline  uint64
	CreatedAt uint64
	Nonce     uint64
	Status    uint8
}

func newStoredDeal(d *escrow.Deal) *storedDeal {
	amount := big.NewInt(0)
	if d.Amount != nil {
		amount = new(big.Int).Set(d.Amount)
	}
	return &storedDeal{
		ID:        d.ID,
		Payer:     d.Payer,
		Payee:     d.Payee,
		Amount:    amount,
		Deadline:  d.Deadline,
		CreatedAt: uint64(d.CreatedAt),
		Nonce:     d.Nonce,
		Status:    uint8(d.Status),
	}
}

func (s *storedDeal) toDeal() (*escrow.Deal, error) {
	if s == nil {
		return nil, fmt.Errorf("escrow: nil storage record")
	}
	out := &escrow.Deal{
		ID:        s.ID,
		Payer:     s.Payer,
		Payee:     s.Payee,
		Amount:    big.NewInt(0),
		Deadline:  s.Deadline,
		CreatedAt: int64(s.CreatedAt),
		Nonce:     s.Nonce,
		Status:    escrow.Status(s.Status),
	}
	if s.Amount != nil {
		out.Amount = new(big.Int).Set(s.Amount)
	}
	return escrow.SanitizeDeal(out)
}

type storedAttribute struct {
	Key   string
	Value string
}

type storedEvent struct {
	Sequence   uint64
	Type       string
	Attributes []storedAttribute
}

func newStoredEvent(evt *types.Event) *storedEvent {
	keys := make([]string, 0, len(evt.Attributes))
	for k := range evt.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]storedAttribute, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, storedAttribute{Key: k, Value: evt.Attributes[k]})
	}
	return &storedEvent{Sequence: evt.Sequence, Type: evt.Type, Attributes: attrs}
}

func (s *storedEvent) toEvent() *types.Event {
	attrs := make(map[string]string, len(s.Attributes))
	for _, attr := range s.Attributes {
		attrs[attr.Key] = attr.Value
	}
	return &types.Event{Sequence: s.Sequence, Type: s.Type, Attributes: attrs}
}

// EscrowDealGet returns the stored deal for id. The boolean is false when the
// identifier has never been registered.
func (m *Manager) EscrowDealGet(id [32]byte) (*escrow.Deal, bool, error) {
	var stored storedDeal
	ok, err := m.getHashed(escrowDealKey(id), &stored)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	deal, err := stored.toDeal()
	if err != nil {
		return nil, false, err
	}
	return deal, true, nil
}

// EscrowCustody returns the total value held in custody across all deals.
func (m *Manager) EscrowCustody() (*big.Int, error) {
	balance := new(big.Int)
	if _, err := m.getHashed(kvKey(escrowCustodyKeyBytes), balance); err != nil {
		return nil, err
	}
	return balance, nil
}

// EscrowNextNonce returns the registry sequence the next unique identifier
// should use. The counter only advances when a deal carrying it is committed.
func (m *Manager) EscrowNextNonce() (uint64, error) {
	var last uint64
	if _, err := m.getHashed(kvKey(escrowNonceKeyBytes), &last); err != nil {
		return 0, err
	}
	return last + 1, nil
}

// EscrowEventHead returns the sequence of the most recent journal entry, or
// zero when the journal is empty.
func (m *Manager) EscrowEventHead() (uint64, error) {
	var head uint64
	if _, err := m.getHashed(kvKey(escrowHeadKeyBytes), &head); err != nil {
		return 0, err
	}
	return head, nil
}

// EscrowCommit stores deal, adds custodyDelta to the custody balance and
// appends evt to the journal in a single batch. On success evt.Sequence is set
// to the assigned journal position, which is also returned.
func (m *Manager) EscrowCommit(deal *escrow.Deal, custodyDelta *big.Int, evt *types.Event) (uint64, error) {
	sanitized, err := escrow.SanitizeDeal(deal)
	if err != nil {
		return 0, err
	}
	if sanitized.CreatedAt < 0 {
		return 0, fmt.Errorf("escrow: negative creation time")
	}
	if custodyDelta != nil && custodyDelta.Sign() < 0 {
		return 0, fmt.Errorf("escrow: custody delta must not be negative")
	}
	if evt == nil {
		return 0, fmt.Errorf("escrow: journal event required")
	}

	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	head, err := m.EscrowEventHead()
	if err != nil {
		return 0, err
	}
	seq := head + 1
	batch := m.db.NewBatch()
	if err := putEncoded(batch, escrowDealKey(sanitized.ID), newStoredDeal(sanitized)); err != nil {
		return 0, err
	}
	if custodyDelta != nil && custodyDelta.Sign() > 0 {
		balance, err := m.EscrowCustody()
		if err != nil {
			return 0, err
		}
		balance.Add(balance, custodyDelta)
		if err := putEncoded(batch, kvKey(escrowCustodyKeyBytes), balance); err != nil {
			return 0, err
		}
	}
	if sanitized.Nonce > 0 {
		next, err := m.EscrowNextNonce()
		if err != nil {
			return 0, err
		}
		if sanitized.Nonce >= next {
			if err := putEncoded(batch, kvKey(escrowNonceKeyBytes), sanitized.Nonce); err != nil {
				return 0, err
			}
		}
	}
	record := evt.Clone()
	record.Sequence = seq
	if err := putEncoded(batch, escrowEventKey(seq), newStoredEvent(record)); err != nil {
		return 0, err
	}
	if err := putEncoded(batch, kvKey(escrowHeadKeyBytes), seq); err != nil {
		return 0, err
	}
	if err := batch.Write(); err != nil {
		return 0, fmt.Errorf("escrow: commit batch: %w", err)
	}
	evt.Sequence = seq
	return seq, nil
}

// EscrowEvents returns journal entries starting at sequence from (inclusive)
// in ascending order. A from value of zero starts at the first entry. At most
// limit entries are returned; non-positive limits and limits above
// MaxEventPage are clamped to MaxEventPage.
func (m *Manager) EscrowEvents(from uint64, limit int) ([]*types.Event, error) {
	if limit <= 0 || limit > MaxEventPage {
		limit = MaxEventPage
	}
	if from == 0 {
		from = 1
	}
	head, err := m.EscrowEventHead()
	if err != nil {
		return nil, err
	}
	out := make([]*types.Event, 0)
	for seq := from; seq <= head && len(out) < limit; seq++ {
		var stored storedEvent
		ok, err := m.getHashed(escrowEventKey(seq), &stored)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("escrow: journal entry %d missing", seq)
		}
		out = append(out, stored.toEvent())
	}
	return out, nil
}
