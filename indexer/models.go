package indexer

import (
	"strconv"
	"time"
)

// Deal statuses as projected from the event journal.
const (
	StatusCreated = "created"
	StatusFunded  = "funded"
)

// DealRow is the read-side projection of a single escrow deal.
type DealRow struct {
	ID         string `gorm:"primaryKey;size:64"`
	Payer      string `gorm:"size:64;index;not null"`
	Payee      string `gorm:"size:64;index;not null"`
	Amount     string `gorm:"type:text;not null"`
	Deadline   string `gorm:"type:text;not null"`
	Status     string `gorm:"size:16;index;not null"`
	CreatedSeq uint64 `gorm:"not null"`
	FundedSeq  uint64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TableName pins the table name regardless of gorm naming strategy.
func (DealRow) TableName() string { return "escrow_deals" }

// DeadlineUnix returns the stored deadline. It is kept as decimal text since
// the full uint64 range does not fit a signed SQL integer.
func (r DealRow) DeadlineUnix() uint64 {
	v, _ := strconv.ParseUint(r.Deadline, 10, 64)
	return v
}

// Cursor records the last journal sequence applied to the projection.
type Cursor struct {
	Name      string `gorm:"primaryKey;size:32"`
	Sequence  uint64 `gorm:"not null"`
	UpdatedAt time.Time
}

func (Cursor) TableName() string { return "escrow_indexer_cursor" }
