package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
)

var ErrNotObject = errors.New("sink: record is not a JSON object")

// Record is a single result row, the mapping of field name to the (dynamically typed)
// value the remote API returned for one identifier.
type Record map[string]any

// DecodeRecord decodes a JSON object into a Record, numbers are kept as json.Number so
// they are written out exactly as received.
func DecodeRecord(body []byte) (Record, error) {
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	var out Record
	err := decoder.Decode(&out)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, ErrNotObject
	}
	return out, nil
}

// unionKeys returns the sorted union of field names across every record.
func unionKeys(records []Record) []string {
	set := map[string]struct{}{}
	for _, r := range records {
		for k := range r {
			set[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Cell renders a single value as a CSV cell.
func Cell(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(encoded)
	}
}

// Sink durably writes batches of records to a destination.
type Sink interface {
	Append(ctx context.Context, records []Record, destination string) error
}

// MultiSink fans a batch out to several sinks, every sink is always attempted.
type MultiSink []Sink

func (m MultiSink) Append(ctx context.Context, records []Record, destination string) error {
	var errs []error
	for _, s := range m {
		err := s.Append(ctx, records, destination)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
