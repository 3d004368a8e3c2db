package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Structured maps a listings API response, either a bare JSON array or an
// object with a "data" array, field by field.
type Structured struct {
	opts Options
}

// NewStructured builds the structured-API normalizer.
func NewStructured(opts Options) *Structured {
	return &Structured{opts: opts}
}

func (s *Structured) Normalize(in Input) (Batch, error) {
	records, err := decodeRecords(in.Body)
	if err != nil {
		return Batch{}, err
	}
	return mapRecords(records, s.opts, in.ObservedAt), nil
}

func decodeRecords(body []byte) ([]record, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var raw []json.RawMessage
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, fmt.Errorf("decode listing array: %w", err)
		}
	} else {
		var envelope struct {
			Data []json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(trimmed, &envelope); err != nil {
			return nil, fmt.Errorf("decode listing envelope: %w", err)
		}
		raw = envelope.Data
	}
	return decodeElements(raw), nil
}

func decodeElements(raw []json.RawMessage) []record {
	records := make([]record, 0, len(raw))
	for _, item := range raw {
		var rec record
		// A malformed element becomes an empty record so mapRecords counts it as skipped.
		if err := json.Unmarshal(item, &rec); err != nil {
			rec = record{}
		}
		records = append(records, rec)
	}
	return records
}

var _ Normalizer = (*Structured)(nil)
