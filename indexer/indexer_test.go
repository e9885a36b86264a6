package indexer

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"nhbescrow/core/events"
	"nhbescrow/core/state"
	"nhbescrow/native/escrow"
	"nhbescrow/storage"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	return db
}

type fixture struct {
	engine  *escrow.Engine
	manager *state.Manager
	bus     *events.Bus
	index   *Indexer
	now     int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		manager: state.NewManager(storage.NewMemDB()),
		bus:     events.NewBus(),
		now:     1_700_000_000,
	}
	f.engine = escrow.NewEngine()
	f.engine.SetState(f.manager)
	f.engine.SetEmitter(f.bus)
	f.engine.SetNowFunc(func() int64 { return f.now })
	ix, err := New(setupTestDB(t), nil)
	require.NoError(t, err)
	f.index = ix
	return f
}

func addr(b byte) [20]byte {
	var out [20]byte
	out[19] = b
	return out
}

func TestSyncProjectsJournal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.engine.Create(addr(1), addr(2), big.NewInt(100), 60)
	require.NoError(t, err)
	second, err := f.engine.Create(addr(3), addr(1), big.NewInt(200), 0)
	require.NoError(t, err)
	require.NoError(t, f.engine.Fund(first, big.NewInt(100), addr(1)))

	applied, err := f.index.Sync(ctx, f.manager)
	require.NoError(t, err)
	require.Equal(t, 3, applied)

	cur, err := f.index.Cursor(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(3), cur)

	rows, err := f.index.ListByParty(ctx, addr(1))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, escrow.FormatID(first), rows[0].ID)
	require.Equal(t, StatusFunded, rows[0].Status)
	require.Equal(t, uint64(3), rows[0].FundedSeq)
	require.Equal(t, "100", rows[0].Amount)
	require.Equal(t, "60", rows[0].Deadline)
	require.Equal(t, uint64(60), rows[0].DeadlineUnix())
	require.Equal(t, escrow.FormatID(second), rows[1].ID)
	require.Equal(t, StatusCreated, rows[1].Status)

	rows, err = f.index.ListByParty(ctx, addr(9))
	require.NoError(t, err)
	require.Empty(t, rows)

	// A second sync is a no-op.
	applied, err = f.index.Sync(ctx, f.manager)
	require.NoError(t, err)
	require.Zero(t, applied)
}

func TestSyncProjectsUnboundedAmountAndDeadline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	amount, ok := new(big.Int).SetString("1"+strings.Repeat("0", 99), 10)
	require.True(t, ok)
	id, err := f.engine.Create(addr(1), addr(2), amount, math.MaxUint64)
	require.NoError(t, err)
	require.NoError(t, f.engine.Fund(id, amount, addr(1)))

	applied, err := f.index.Sync(ctx, f.manager)
	require.NoError(t, err)
	require.Equal(t, 2, applied)

	row, ok, err := f.index.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, amount.String(), row.Amount)
	require.Len(t, row.Amount, 100)
	require.Equal(t, "18446744073709551615", row.Deadline)
	require.Equal(t, uint64(math.MaxUint64), row.DeadlineUnix())
	require.Equal(t, StatusFunded, row.Status)
}

func TestDealRowColumnsAreUnbounded(t *testing.T) {
	sch, err := schema.Parse(&DealRow{}, &sync.Map{}, schema.NamingStrategy{})
	require.NoError(t, err)
	for _, name := range []string{"amount", "deadline"} {
		field := sch.LookUpField(name)
		require.NotNil(t, field, name)
		require.Equal(t, schema.DataType("text"), field.DataType, name)
		require.Zero(t, field.Size, name)
	}
}

func TestApplyIsIdempotentAndRejectsGaps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.engine.Create(addr(1), addr(2), big.NewInt(5), 0)
	require.NoError(t, err)
	require.NoError(t, f.engine.Fund(id, big.NewInt(5), addr(1)))

	journal, err := f.manager.EscrowEvents(0, 0)
	require.NoError(t, err)
	require.Len(t, journal, 2)

	require.Error(t, f.index.Apply(ctx, journal[1]))
	require.NoError(t, f.index.Apply(ctx, journal[0]))
	require.NoError(t, f.index.Apply(ctx, journal[0]))
	require.NoError(t, f.index.Apply(ctx, journal[1]))

	row, ok, err := f.index.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StatusFunded, row.Status)

	_, ok, err = f.index.Get(ctx, [32]byte{0xff})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRunFollowsLiveEvents(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backlog, err := f.engine.Create(addr(1), addr(2), big.NewInt(1), 0)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- f.index.Run(ctx, f.bus, f.manager) }()

	require.Eventually(t, func() bool {
		_, ok, err := f.index.Get(ctx, backlog)
		return err == nil && ok
	}, 5*time.Second, 10*time.Millisecond)

	live, err := f.engine.Create(addr(4), addr(5), big.NewInt(2), 0)
	require.NoError(t, err)
	require.NoError(t, f.engine.Fund(live, big.NewInt(2), addr(4)))

	require.Eventually(t, func() bool {
		row, ok, err := f.index.Get(ctx, live)
		return err == nil && ok && row.Status == StatusFunded
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("indexer did not stop")
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "dsn")
	require.Error(t, err)
	_, err = Open("postgres", "")
	require.Error(t, err)
	_, err = Open("sqlite", "")
	require.Error(t, err)
}
