package state

import (
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"nhbescrow/core/types"
	"nhbescrow/native/escrow"
	"nhbescrow/storage"
)

type failingBatchDB struct {
	*storage.MemDB
	fail bool
}

type failingBatch struct {
	storage.Batch
	fail *bool
}

func (db *failingBatchDB) NewBatch() storage.Batch {
	return &failingBatch{Batch: db.MemDB.NewBatch(), fail: &db.fail}
}

func (b *failingBatch) Write() error {
	if *b.fail {
		return errors.New("write failed")
	}
	return b.Batch.Write()
}

func sampleDeal(fill byte) *escrow.Deal {
	deal := &escrow.Deal{
		Amount:    big.NewInt(1_000),
		Deadline:  60,
		CreatedAt: 1_700_000_000,
		Status:    escrow.StatusCreated,
	}
	deal.ID[0] = fill
	deal.Payer[0] = 0x01
	deal.Payee[0] = 0x02
	return deal
}

func sampleEvent(kind string) *types.Event {
	return &types.Event{Type: kind, Attributes: map[string]string{"b": "2", "a": "1"}}
}

func TestEscrowDealRoundTrip(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	deal := sampleDeal(0xaa)

	_, ok, err := mgr.EscrowDealGet(deal.ID)
	require.NoError(t, err)
	require.False(t, ok)

	seq, err := mgr.EscrowCommit(deal, nil, sampleEvent(escrow.EventTypeEscrowCreated))
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq)

	got, ok, err := mgr.EscrowDealGet(deal.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, deal.ID, got.ID)
	require.Equal(t, deal.Payer, got.Payer)
	require.Equal(t, deal.Payee, got.Payee)
	require.Zero(t, deal.Amount.Cmp(got.Amount))
	require.Equal(t, deal.Deadline, got.Deadline)
	require.Equal(t, deal.CreatedAt, got.CreatedAt)
	require.Equal(t, escrow.StatusCreated, got.Status)
}

func TestEscrowCommitRejectsInvalidDeal(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	deal := sampleDeal(0x01)
	deal.Payer = [20]byte{}
	_, err := mgr.EscrowCommit(deal, nil, sampleEvent("x"))
	require.Error(t, err)

	head, err := mgr.EscrowEventHead()
	require.NoError(t, err)
	require.Zero(t, head)
}

func TestEscrowCustodyAccumulates(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	custody, err := mgr.EscrowCustody()
	require.NoError(t, err)
	require.Zero(t, custody.Sign())

	first := sampleDeal(0x01)
	first.Status = escrow.StatusFunded
	_, err = mgr.EscrowCommit(first, big.NewInt(1_000), sampleEvent(escrow.EventTypeFundsDeposited))
	require.NoError(t, err)

	second := sampleDeal(0x02)
	second.Status = escrow.StatusFunded
	_, err = mgr.EscrowCommit(second, big.NewInt(1_000), sampleEvent(escrow.EventTypeFundsDeposited))
	require.NoError(t, err)

	custody, err = mgr.EscrowCustody()
	require.NoError(t, err)
	require.Equal(t, "2000", custody.String())

	_, err = mgr.EscrowCommit(sampleDeal(0x03), big.NewInt(-1), sampleEvent("x"))
	require.Error(t, err)
}

func TestEscrowJournalOrdering(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	for i := byte(1); i <= 5; i++ {
		evt := sampleEvent(escrow.EventTypeEscrowCreated)
		seq, err := mgr.EscrowCommit(sampleDeal(i), nil, evt)
		require.NoError(t, err)
		require.Equal(t, uint64(i), seq)
		require.Equal(t, uint64(i), evt.Sequence)
	}

	head, err := mgr.EscrowEventHead()
	require.NoError(t, err)
	require.Equal(t, uint64(5), head)

	all, err := mgr.EscrowEvents(0, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, evt := range all {
		require.Equal(t, uint64(i+1), evt.Sequence)
		require.Equal(t, map[string]string{"a": "1", "b": "2"}, evt.Attributes)
	}

	page, err := mgr.EscrowEvents(3, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, uint64(3), page[0].Sequence)
	require.Equal(t, uint64(4), page[1].Sequence)

	empty, err := mgr.EscrowEvents(6, 10)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestEscrowNonceAdvancesOnCommit(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	next, err := mgr.EscrowNextNonce()
	require.NoError(t, err)
	require.Equal(t, uint64(1), next)

	deal := sampleDeal(0x01)
	deal.Nonce = next
	_, err = mgr.EscrowCommit(deal, nil, sampleEvent("x"))
	require.NoError(t, err)

	next, err = mgr.EscrowNextNonce()
	require.NoError(t, err)
	require.Equal(t, uint64(2), next)

	// Updating an older deal must not move the counter backwards.
	deal.Status = escrow.StatusFunded
	_, err = mgr.EscrowCommit(deal, big.NewInt(1_000), sampleEvent("y"))
	require.NoError(t, err)
	next, err = mgr.EscrowNextNonce()
	require.NoError(t, err)
	require.Equal(t, uint64(2), next)
}

func TestEscrowCommitFailureLeavesNoTrace(t *testing.T) {
	db := &failingBatchDB{MemDB: storage.NewMemDB()}
	mgr := NewManager(db)

	deal := sampleDeal(0x01)
	_, err := mgr.EscrowCommit(deal, nil, sampleEvent("x"))
	require.NoError(t, err)

	db.fail = true
	funded := deal.Clone()
	funded.Status = escrow.StatusFunded
	evt := sampleEvent("y")
	_, err = mgr.EscrowCommit(funded, big.NewInt(1_000), evt)
	require.Error(t, err)
	require.Zero(t, evt.Sequence)

	got, ok, err := mgr.EscrowDealGet(deal.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, escrow.StatusCreated, got.Status)

	custody, err := mgr.EscrowCustody()
	require.NoError(t, err)
	require.Zero(t, custody.Sign())

	head, err := mgr.EscrowEventHead()
	require.NoError(t, err)
	require.Equal(t, uint64(1), head)
}

func TestKVHelpers(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	_, err := mgr.KVGet(nil, nil)
	require.Error(t, err)
	require.Error(t, mgr.KVPut(nil, uint64(1)))

	require.NoError(t, mgr.KVPut([]byte("counter"), uint64(42)))
	var out uint64
	ok, err := mgr.KVGet([]byte("counter"), &out)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(42), out)

	ok, err = mgr.KVGet([]byte("missing"), &out)
	require.NoError(t, err)
	require.False(t, ok)
}
