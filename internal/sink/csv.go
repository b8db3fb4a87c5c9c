package sink

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"snapr-harvest/internal/components/telemetry"
)

const (
	report_csv_append    = "csv.append"
	report_csv_overwrite = "csv.overwrite"
)

// CSVSink appends records to a CSV file whose header is the union of every field
// ever written to it.
//
// Existing columns are never dropped or reordered, new columns are added after them in
// alphabetical order. If the existing file cannot be merged for any reason, the file is
// overwritten with only the current batch, losing its previous contents.
type CSVSink struct {
	tel telemetry.API
}

func NewCSVSink(tel telemetry.API) CSVSink {
	return CSVSink{tel: telemetry.NewScopedAPI("csv_sink", tel)}
}

func (s CSVSink) Append(ctx context.Context, records []Record, destination string) error {
	if len(records) == 0 {
		s.tel.ReportWarning(report_csv_append, "no results to save", destination)
		return nil
	}

	keys := unionKeys(records)

	info, err := os.Stat(destination)
	switch {
	case err == nil && info.Size() > 0:
		err = s.appendExisting(records, keys, destination)
		if err == nil {
			s.tel.ReportInfo("appended results", "count", len(records), "path", destination)
			return nil
		}
		s.tel.ReportWarning(
			report_csv_append,
			fmt.Errorf("append to existing file, falling back to overwrite: %w", err),
			destination,
		)
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		s.tel.ReportWarning(report_csv_append, fmt.Errorf("stat: %w", err), destination)
	}

	err = os.MkdirAll(filepath.Dir(destination), 0777)
	if err != nil {
		s.tel.ReportBroken(report_csv_overwrite, fmt.Errorf("create parent dirs: %w", err), destination)
		return err
	}
	err = s.overwrite(records, keys, destination)
	if err != nil {
		s.tel.ReportBroken(report_csv_overwrite, err, destination)
		return err
	}
	s.tel.ReportInfo("created new file", "count", len(records), "path", destination)
	return nil
}

func readHeader(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	return header, nil
}

func endsWithNewline(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() == 0 {
		return true, nil
	}
	last := make([]byte, 1)
	_, err = f.ReadAt(last, info.Size()-1)
	if err != nil {
		return false, err
	}
	return last[0] == '\n', nil
}

func (s CSVSink) appendExisting(records []Record, keys []string, destination string) error {
	header, err := readHeader(destination)
	if err != nil {
		return err
	}

	var added []string
	for _, k := range keys {
		if !slices.Contains(header, k) {
			added = append(added, k)
		}
	}
	if len(added) > 0 {
		s.tel.ReportDebug("merging new columns into existing header", destination, added)
		return s.rewriteWithHeader(records, append(slices.Clone(header), added...), destination)
	}

	needsNewline, err := endsWithNewline(destination)
	if err != nil {
		return err
	}
	needsNewline = !needsNewline

	f, err := os.OpenFile(destination, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	if needsNewline {
		// a previous partial write left the last row unterminated
		_, err = f.WriteString("\n")
		if err != nil {
			return err
		}
	}

	writer := csv.NewWriter(f)
	err = writeRows(writer, header, records)
	if err != nil {
		return err
	}
	return f.Close()
}

// rewriteWithHeader rewrites the destination with a wider header, padding every
// existing row with blanks for the new columns, then appends the batch.
func (s CSVSink) rewriteWithHeader(records []Record, header []string, destination string) error {
	src, err := os.Open(destination)
	if err != nil {
		return err
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(destination), filepath.Base(destination)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	reader := csv.NewReader(src)
	reader.FieldsPerRecord = -1
	writer := csv.NewWriter(tmp)

	err = writer.Write(header)
	if err != nil {
		return err
	}
	// skip the old header
	_, err = reader.Read()
	if err != nil {
		return err
	}
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read existing rows: %w", err)
		}
		if len(row) > len(header) {
			return fmt.Errorf("existing row has %d fields, header has %d", len(row), len(header))
		}
		padded := make([]string, len(header))
		copy(padded, row)
		err = writer.Write(padded)
		if err != nil {
			return err
		}
	}

	err = writeRows(writer, header, records)
	if err != nil {
		return err
	}
	err = tmp.Close()
	if err != nil {
		return err
	}
	src.Close()
	return os.Rename(tmp.Name(), destination)
}

func (s CSVSink) overwrite(records []Record, keys []string, destination string) error {
	f, err := os.Create(destination)
	if err != nil {
		return err
	}
	defer f.Close()

	writer := csv.NewWriter(f)
	err = writer.Write(keys)
	if err != nil {
		return err
	}
	err = writeRows(writer, keys, records)
	if err != nil {
		return err
	}
	return f.Close()
}

func writeRows(writer *csv.Writer, header []string, records []Record) error {
	row := make([]string, len(header))
	for _, r := range records {
		for i, k := range header {
			row[i] = Cell(r[k])
		}
		err := writer.Write(row)
		if err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
