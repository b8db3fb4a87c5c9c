package sink

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"snapr-harvest/internal/components/telemetry"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func readCSV(t testing.TB, path string) [][]string {
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	return rows
}

func TestCSVSinkCreate(t *testing.T) {
	tel := &telemetry.MemoryAPI{}
	s := NewCSVSink(tel)
	path := filepath.Join(t.TempDir(), "nested", "dir", "out.csv")

	err := s.Append(context.Background(), []Record{
		{"b": "2", "a": "1"},
		{"c": true, "a": nil},
	}, path)
	require.NoError(t, err)

	expected := [][]string{
		{"a", "b", "c"},
		{"1", "2", ""},
		{"", "", "true"},
	}
	if diff := cmp.Diff(expected, readCSV(t, path)); diff != "" {
		t.Fatal(diff)
	}
}

func TestCSVSinkMergeColumns(t *testing.T) {
	s := NewCSVSink(&telemetry.MemoryAPI{})
	path := filepath.Join(t.TempDir(), "out.csv")
	ctx := context.Background()

	err := s.Append(ctx, []Record{
		{"a": "a1", "b": "b1"},
		{"a": "a2", "b": "b2"},
	}, path)
	require.NoError(t, err)

	err = s.Append(ctx, []Record{
		{"b": "b3", "c": "c3"},
	}, path)
	require.NoError(t, err)

	err = s.Append(ctx, []Record{
		{"a": "a4"},
	}, path)
	require.NoError(t, err)

	expected := [][]string{
		{"a", "b", "c"},
		{"a1", "b1", ""},
		{"a2", "b2", ""},
		{"", "b3", "c3"},
		{"a4", "", ""},
	}
	if diff := cmp.Diff(expected, readCSV(t, path)); diff != "" {
		t.Fatal(diff)
	}
}

func TestCSVSinkKeepsExistingColumnOrder(t *testing.T) {
	s := NewCSVSink(&telemetry.MemoryAPI{})
	path := filepath.Join(t.TempDir(), "out.csv")

	err := os.WriteFile(path, []byte("zeta,alpha\nz1,a1\n"), 0600)
	require.NoError(t, err)

	err = s.Append(context.Background(), []Record{
		{"alpha": "a2", "mid": "m2", "beta": "b2"},
	}, path)
	require.NoError(t, err)

	expected := [][]string{
		{"zeta", "alpha", "beta", "mid"},
		{"z1", "a1", "", ""},
		{"", "a2", "b2", "m2"},
	}
	if diff := cmp.Diff(expected, readCSV(t, path)); diff != "" {
		t.Fatal(diff)
	}
}

func TestCSVSinkTrailingNewline(t *testing.T) {
	s := NewCSVSink(&telemetry.MemoryAPI{})
	path := filepath.Join(t.TempDir(), "out.csv")

	// last row was written without its line terminator
	err := os.WriteFile(path, []byte("acn,title\r\nZ10,first"), 0600)
	require.NoError(t, err)

	err = s.Append(context.Background(), []Record{
		{"acn": "Z9", "title": "second"},
	}, path)
	require.NoError(t, err)

	expected := [][]string{
		{"acn", "title"},
		{"Z10", "first"},
		{"Z9", "second"},
	}
	if diff := cmp.Diff(expected, readCSV(t, path)); diff != "" {
		t.Fatal(diff)
	}
}

func TestCSVSinkEmptyBatch(t *testing.T) {
	tel := &telemetry.MemoryAPI{}
	s := NewCSVSink(tel)
	path := filepath.Join(t.TempDir(), "out.csv")

	err := s.Append(context.Background(), nil, path)
	require.NoError(t, err)

	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
	require.Len(t, tel.Reports("warning"), 1)
}

func TestCSVSinkFallbackOverwrite(t *testing.T) {
	tel := &telemetry.MemoryAPI{}
	s := NewCSVSink(tel)
	path := filepath.Join(t.TempDir(), "out.csv")

	// unterminated quote makes the existing header unreadable
	err := os.WriteFile(path, []byte("\"broken,header\nrow\n"), 0600)
	require.NoError(t, err)

	err = s.Append(context.Background(), []Record{
		{"acn": "Z1", "error": "status 500"},
	}, path)
	require.NoError(t, err)

	expected := [][]string{
		{"acn", "error"},
		{"Z1", "status 500"},
	}
	if diff := cmp.Diff(expected, readCSV(t, path)); diff != "" {
		t.Fatal(diff)
	}
	require.NotEmpty(t, tel.Reports("warning"))
}

func TestCell(t *testing.T) {
	record, err := DecodeRecord([]byte(`{"n": 12345678901234567890, "f": 1.50, "o": {"x": [1, 2]}, "s": "text", "z": null}`))
	require.NoError(t, err)

	require.Equal(t, "12345678901234567890", Cell(record["n"]))
	require.Equal(t, "1.50", Cell(record["f"]))
	require.Equal(t, `{"x":[1,2]}`, Cell(record["o"]))
	require.Equal(t, "text", Cell(record["s"]))
	require.Equal(t, "", Cell(record["z"]))

	_, err = DecodeRecord([]byte(`[1, 2]`))
	require.Error(t, err)
	_, err = DecodeRecord([]byte(`null`))
	require.ErrorIs(t, err, ErrNotObject)
}
