package exports

import (
	"fmt"
	"os"
	"strconv"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"nhbescrow/core/types"
)

type parquetEvent struct {
	Sequence int64  `parquet:"name=sequence, type=INT64"`
	Type     string `parquet:"name=type, type=UTF8, encoding=PLAIN_DICTIONARY"`
	ID       string `parquet:"name=id, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Payer    string `parquet:"name=payer, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Payee    string `parquet:"name=payee, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Amount   string `parquet:"name=amount, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Deadline uint64 `parquet:"name=deadline, type=UINT_64"`
}

// WriteEventsParquet writes the journal entries to a snappy-compressed parquet
// file at path. Amounts are kept as decimal strings since they are unbounded.
func WriteEventsParquet(path string, entries []*types.Event) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("exports: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetEvent), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("exports: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, entry := range entries {
		if entry == nil {
			continue
		}
		row := &parquetEvent{
			Sequence: int64(entry.Sequence),
			Type:     entry.Type,
			ID:       entry.Attributes["id"],
			Payer:    entry.Attributes["payer"],
			Payee:    entry.Attributes["payee"],
			Amount:   entry.Attributes["amount"],
		}
		if raw := entry.Attributes["deadline"]; raw != "" {
			deadline, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				pw.WriteStop()
				file.Close()
				return fmt.Errorf("exports: event %d deadline: %w", entry.Sequence, err)
			}
			row.Deadline = deadline
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("exports: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("exports: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("exports: close parquet file: %w", err)
	}
	return nil
}
