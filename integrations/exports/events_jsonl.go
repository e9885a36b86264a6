package exports

import (
	"bytes"
	"encoding/json"

	"nhbescrow/core/types"
)

// EventsJSONL builds a JSON Lines export for the supplied journal entries and
// returns the serialised payload alongside a checksum.
func EventsJSONL(entries []*types.Event) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	for _, entry := range entries {
		if entry == nil {
			continue
		}
		attrs := entry.Attributes
		if attrs == nil {
			attrs = map[string]string{}
		}
		payload := map[string]interface{}{
			"sequence":   entry.Sequence,
			"type":       entry.Type,
			"attributes": attrs,
		}
		if err := encoder.Encode(payload); err != nil {
			return nil, "", err
		}
	}
	data := buffer.Bytes()
	return data, checksum(data), nil
}
