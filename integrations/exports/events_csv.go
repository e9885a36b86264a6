package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"strconv"

	"nhbescrow/core/types"
)

var eventColumns = []string{"sequence", "type", "id", "payer", "payee", "amount", "deadline"}

// EventsCSV builds a CSV export for the supplied journal entries and returns the
// serialised data alongside a SHA-256 checksum of the payload. Attributes an
// event type does not carry are left empty.
func EventsCSV(entries []*types.Event) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	writer := csv.NewWriter(buffer)
	if err := writer.Write(eventColumns); err != nil {
		return nil, "", err
	}
	for _, entry := range entries {
		if entry == nil {
			continue
		}
		record := []string{
			strconv.FormatUint(entry.Sequence, 10),
			entry.Type,
			entry.Attributes["id"],
			entry.Attributes["payer"],
			entry.Attributes["payee"],
			entry.Attributes["amount"],
			entry.Attributes["deadline"],
		}
		if err := writer.Write(record); err != nil {
			return nil, "", err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, "", err
	}
	data := buffer.Bytes()
	return data, checksum(data), nil
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
