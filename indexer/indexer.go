package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"nhbescrow/core/events"
	"nhbescrow/core/types"
	"nhbescrow/crypto"
	"nhbescrow/native/escrow"
)

const (
	cursorName = "escrow"
	syncPage   = 500
)

// JournalSource exposes the ordered escrow event journal.
type JournalSource interface {
	EscrowEvents(from uint64, limit int) ([]*types.Event, error)
}

// Indexer projects the escrow event journal into relational rows so deals can
// be queried by party. Events are applied in sequence order exactly once.
type Indexer struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open connects to the projection database. Supported drivers are sqlite and
// postgres.
func Open(driver, dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		if strings.TrimSpace(dsn) == "" {
			return nil, fmt.Errorf("indexer: sqlite dsn required")
		}
		return gorm.Open(sqlite.Open(dsn), cfg)
	case "postgres":
		if strings.TrimSpace(dsn) == "" {
			return nil, fmt.Errorf("indexer: postgres dsn required")
		}
		return gorm.Open(postgres.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("indexer: unsupported driver %q", driver)
	}
}

// AutoMigrate creates or updates the projection tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&DealRow{}, &Cursor{})
}

// New migrates the schema and returns an indexer over db.
func New(db *gorm.DB, log *slog.Logger) (*Indexer, error) {
	if db == nil {
		return nil, fmt.Errorf("indexer: database required")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("indexer: migrate: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Indexer{db: db, logger: log.With("component", "indexer")}, nil
}

// Cursor returns the sequence of the last applied journal entry.
func (ix *Indexer) Cursor(ctx context.Context) (uint64, error) {
	return cursorOf(ix.db.WithContext(ctx))
}

func cursorOf(tx *gorm.DB) (uint64, error) {
	var cur Cursor
	err := tx.First(&cur, "name = ?", cursorName).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return cur.Sequence, nil
}

// Apply projects a single journal entry. Entries at or below the cursor are
// ignored; an entry that skips ahead of the cursor is rejected so the caller
// can resynchronise from the journal.
func (ix *Indexer) Apply(ctx context.Context, evt *types.Event) error {
	if evt == nil {
		return nil
	}
	return ix.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cur, err := cursorOf(tx)
		if err != nil {
			return err
		}
		if evt.Sequence <= cur {
			return nil
		}
		if evt.Sequence != cur+1 {
			return fmt.Errorf("indexer: gap in journal: have %d, got %d", cur, evt.Sequence)
		}
		if err := applyEvent(tx, evt); err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"sequence", "updated_at"}),
		}).Create(&Cursor{Name: cursorName, Sequence: evt.Sequence}).Error
	})
}

func applyEvent(tx *gorm.DB, evt *types.Event) error {
	id := evt.Attributes["id"]
	if id == "" {
		return fmt.Errorf("indexer: event %d missing id", evt.Sequence)
	}
	switch evt.Type {
	case escrow.EventTypeEscrowCreated:
		deadline, err := strconv.ParseUint(evt.Attributes["deadline"], 10, 64)
		if err != nil {
			return fmt.Errorf("indexer: event %d deadline: %w", evt.Sequence, err)
		}
		row := DealRow{
			ID:         id,
			Payer:      evt.Attributes["payer"],
			Payee:      evt.Attributes["payee"],
			Amount:     evt.Attributes["amount"],
			Deadline:   strconv.FormatUint(deadline, 10),
			Status:     StatusCreated,
			CreatedSeq: evt.Sequence,
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	case escrow.EventTypeFundsDeposited:
		res := tx.Model(&DealRow{}).Where("id = ?", id).Updates(map[string]interface{}{
			"status":     StatusFunded,
			"funded_seq": evt.Sequence,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("indexer: funds deposited for unknown deal %s", id)
		}
		return nil
	default:
		return nil
	}
}

// Sync replays journal entries after the cursor until the projection has
// caught up, returning the number of entries applied.
func (ix *Indexer) Sync(ctx context.Context, source JournalSource) (int, error) {
	applied := 0
	for {
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		cur, err := ix.Cursor(ctx)
		if err != nil {
			return applied, err
		}
		batch, err := source.EscrowEvents(cur+1, syncPage)
		if err != nil {
			return applied, err
		}
		if len(batch) == 0 {
			return applied, nil
		}
		for _, evt := range batch {
			if err := ix.Apply(ctx, evt); err != nil {
				return applied, err
			}
			applied++
		}
	}
}

// Run keeps the projection current. It subscribes to bus before replaying the
// journal so no entry committed in between is missed, then applies live
// events. When the bus drops the subscription the indexer resubscribes and
// replays again. Run returns when ctx is cancelled.
func (ix *Indexer) Run(ctx context.Context, bus *events.Bus, source JournalSource) error {
	for {
		ch, cancel := bus.Subscribe(0)
		if _, err := ix.Sync(ctx, source); err != nil {
			cancel()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		dropped, err := ix.consume(ctx, ch)
		cancel()
		if err != nil {
			return err
		}
		if !dropped || bus.Closed() {
			return nil
		}
		ix.logger.Warn("event subscription dropped, resynchronising")
	}
}

func (ix *Indexer) consume(ctx context.Context, ch <-chan *types.Event) (bool, error) {
	for {
		select {
		case <-ctx.Done():
			return false, nil
		case evt, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return false, nil
				}
				return true, nil
			}
			if err := ix.Apply(ctx, evt); err != nil {
				ix.logger.Warn("apply event failed, resynchronising", "sequence", evt.Sequence, "error", err)
				return true, nil
			}
		}
	}
}

// ListByParty returns every deal in which party is the payer or the payee,
// ordered by creation.
func (ix *Indexer) ListByParty(ctx context.Context, party [20]byte) ([]DealRow, error) {
	addr := crypto.FormatIdentity(party)
	var rows []DealRow
	err := ix.db.WithContext(ctx).
		Where("payer = ? OR payee = ?", addr, addr).
		Order("created_seq ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Get returns the projected row for id.
func (ix *Indexer) Get(ctx context.Context, id [32]byte) (*DealRow, bool, error) {
	var row DealRow
	err := ix.db.WithContext(ctx).First(&row, "id = ?", escrow.FormatID(id)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &row, true, nil
}
