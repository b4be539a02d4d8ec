package history

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-access/internal/domain"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// Format is an export encoding.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

const exportBatch = 500

// ParseFormat validates an export format name; empty means CSV.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatCSV:
		return FormatCSV, nil
	case FormatJSON:
		return FormatJSON, nil
	}
	return "", fmt.Errorf("%w: unsupported export format %q", shared.ErrInvalidInput, s)
}

// ContentType returns the MIME type of the format.
func (f Format) ContentType() string {
	if f == FormatJSON {
		return "application/json"
	}
	return "text/csv; charset=utf-8"
}

var csvHeader = []string{
	"id", "created_at", "entity_type", "entity_id", "operation",
	"performed_by", "previous_state", "new_state", "metadata",
}

// Export streams every entry matching filter to w, fetching in batches. filter's
// Limit and Offset are ignored.
func (l *Ledger) Export(ctx context.Context, filter domain.ChangeFilter, format Format, w io.Writer) error {
	if err := validateFilter(filter); err != nil {
		return err
	}
	var enc entryEncoder
	switch format {
	case FormatCSV:
		enc = newCSVEncoder(w)
	case FormatJSON:
		enc = newJSONEncoder(w)
	default:
		return fmt.Errorf("%w: unsupported export format %q", shared.ErrInvalidInput, format)
	}
	if err := enc.begin(); err != nil {
		return err
	}
	filter.Limit = exportBatch
	for offset := 0; ; offset += exportBatch {
		filter.Offset = offset
		entries, err := l.Query(ctx, filter)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := enc.write(e); err != nil {
				return err
			}
		}
		if len(entries) < exportBatch {
			break
		}
	}
	return enc.end()
}

// WriteCSV encodes entries as CSV with a header row.
func WriteCSV(w io.Writer, entries []domain.ChangeEntry) error {
	return writeAll(newCSVEncoder(w), entries)
}

// WriteJSON encodes entries as a JSON array.
func WriteJSON(w io.Writer, entries []domain.ChangeEntry) error {
	return writeAll(newJSONEncoder(w), entries)
}

func writeAll(enc entryEncoder, entries []domain.ChangeEntry) error {
	if err := enc.begin(); err != nil {
		return err
	}
	for _, e := range entries {
		if err := enc.write(e); err != nil {
			return err
		}
	}
	return enc.end()
}

type entryEncoder interface {
	begin() error
	write(domain.ChangeEntry) error
	end() error
}

type csvEncoder struct {
	csv *csv.Writer
}

func newCSVEncoder(w io.Writer) *csvEncoder {
	return &csvEncoder{csv: csv.NewWriter(w)}
}

func (e *csvEncoder) begin() error {
	if err := e.csv.Write(csvHeader); err != nil {
		return fmt.Errorf("history: write csv header: %w", err)
	}
	return nil
}

func (e *csvEncoder) write(entry domain.ChangeEntry) error {
	metadata := ""
	if len(entry.Metadata) > 0 {
		raw, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("history: encode metadata of change %d: %w", entry.ID, err)
		}
		metadata = string(raw)
	}
	row := []string{
		strconv.FormatInt(entry.ID, 10),
		entry.CreatedAt.UTC().Format(time.RFC3339),
		string(entry.EntityType),
		entry.EntityID,
		string(entry.Operation),
		strconv.FormatInt(entry.PerformedBy, 10),
		stateText(entry.PreviousState),
		stateText(entry.NewState),
		metadata,
	}
	if err := e.csv.Write(row); err != nil {
		return fmt.Errorf("history: write csv row %d: %w", entry.ID, err)
	}
	return nil
}

func (e *csvEncoder) end() error {
	e.csv.Flush()
	if err := e.csv.Error(); err != nil {
		return fmt.Errorf("history: flush csv: %w", err)
	}
	return nil
}

func stateText(state json.RawMessage) string {
	if isAbsent(state) {
		return ""
	}
	return string(state)
}

type jsonEncoder struct {
	buf   *bufio.Writer
	count int
}

func newJSONEncoder(w io.Writer) *jsonEncoder {
	return &jsonEncoder{buf: bufio.NewWriter(w)}
}

func (e *jsonEncoder) begin() error {
	_, err := e.buf.WriteString("[")
	return err
}

func (e *jsonEncoder) write(entry domain.ChangeEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("history: encode change %d: %w", entry.ID, err)
	}
	if e.count > 0 {
		if err := e.buf.WriteByte(','); err != nil {
			return err
		}
	}
	e.count++
	_, err = e.buf.Write(raw)
	return err
}

func (e *jsonEncoder) end() error {
	if _, err := e.buf.WriteString("]\n"); err != nil {
		return err
	}
	return e.buf.Flush()
}
