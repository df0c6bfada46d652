// Package exports renders recorded ledger events for offline reconciliation.
package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"

	"moneymarket/core/types"
)

// EventsJSONL writes one JSON object per event and returns the payload with
// its SHA-256 checksum.
func EventsJSONL(evts []*types.Event) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	for _, evt := range evts {
		if evt == nil {
			continue
		}
		if err := encoder.Encode(evt); err != nil {
			return nil, "", err
		}
	}
	return checksum(buffer.Bytes())
}

// EventsCSV writes a header of type, tick and the sorted union of attribute
// keys, then one row per event. Missing attributes are empty cells.
func EventsCSV(evts []*types.Event) ([]byte, string, error) {
	keySet := make(map[string]struct{})
	for _, evt := range evts {
		if evt == nil {
			continue
		}
		for key := range evt.Attributes {
			keySet[key] = struct{}{}
		}
	}
	keys := make([]string, 0, len(keySet))
	for key := range keySet {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	buffer := &bytes.Buffer{}
	writer := csv.NewWriter(buffer)
	if err := writer.Write(append([]string{"type", "tick"}, keys...)); err != nil {
		return nil, "", err
	}
	for _, evt := range evts {
		if evt == nil {
			continue
		}
		record := make([]string, 0, len(keys)+2)
		record = append(record, evt.Type, strconv.FormatUint(evt.Tick, 10))
		for _, key := range keys {
			record = append(record, evt.Attr(key))
		}
		if err := writer.Write(record); err != nil {
			return nil, "", err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, "", err
	}
	return checksum(buffer.Bytes())
}

func checksum(data []byte) ([]byte, string, error) {
	sum := sha256.Sum256(data)
	return data, hex.EncodeToString(sum[:]), nil
}
