// Package mapping loads the desired key mapping from CSV, JSON, JSON lines or YAML sources.
package mapping

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/satishbabariya/rekey/internal/debug"
	"github.com/satishbabariya/rekey/rekey/rekeyerr"
)

// Record is one desired key change. CurrentKey is optional in the source;
// the store's value is authoritative.
type Record struct {
	ID         string `json:"id" yaml:"id"`
	CurrentKey string `json:"currentKey,omitempty" yaml:"currentKey,omitempty"`
	TargetKey  string `json:"targetKey" yaml:"targetKey"`
}

// Format is a mapping source encoding
type Format string

const (
	FormatAuto  Format = ""
	FormatCSV   Format = "csv"
	FormatJSON  Format = "json"
	FormatJSONL Format = "jsonl"
	FormatYAML  Format = "yaml"
)

// ParseFormat validates a user-supplied format name
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatAuto, FormatCSV, FormatJSON, FormatJSONL, FormatYAML:
		return f, nil
	case "ndjson":
		return FormatJSONL, nil
	case "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unknown mapping format %q (want csv, json, jsonl or yaml)", s)
	}
}

// DetectFormat infers the format from a file extension
func DetectFormat(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FormatCSV, nil
	case ".json":
		return FormatJSON, nil
	case ".jsonl", ".ndjson":
		return FormatJSONL, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", rekeyerr.New(rekeyerr.MalformedMapping, "cannot infer mapping format from %q; pass --format", path)
	}
}

// entry is a decoded source row before validation. Pos is 1-based.
type entry struct {
	Pos        int
	ID         *string
	CurrentKey *string
	TargetKey  *string
}

// Load reads and normalizes a mapping file
func Load(fs afero.Fs, path string, format Format) ([]Record, error) {
	if format == FormatAuto {
		f, err := DetectFormat(path)
		if err != nil {
			return nil, err
		}
		format = f
	}

	file, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open mapping source: %w", err)
	}
	defer file.Close()

	return Read(file, path, format)
}

// Read decodes a mapping from r; name is only used in messages
func Read(r io.Reader, name string, format Format) ([]Record, error) {
	var (
		entries []entry
		err     error
	)
	switch format {
	case FormatCSV:
		entries, err = decodeCSV(r)
	case FormatJSON:
		entries, err = decodeJSON(r)
	case FormatJSONL:
		entries, err = decodeJSONLines(r)
	case FormatYAML:
		entries, err = decodeYAML(r)
	default:
		return nil, fmt.Errorf("unsupported mapping format %q", format)
	}
	if err != nil {
		return nil, rekeyerr.Wrap(rekeyerr.MalformedMapping, err, "failed to decode %s", name)
	}

	records, err := normalize(entries)
	if err != nil {
		return nil, err
	}
	debug.Debug("mapping loaded", "source", name, "format", format, "entries", len(entries), "records", len(records))
	return records, nil
}

// normalize validates entries and deduplicates by id; the last entry for an id wins
// but keeps the position of the first.
func normalize(entries []entry) ([]Record, error) {
	records := make([]Record, 0, len(entries))
	index := make(map[string]int, len(entries))

	for _, e := range entries {
		id := trimmed(e.ID)
		target := trimmed(e.TargetKey)
		if id == "" {
			return nil, rekeyerr.New(rekeyerr.MalformedMapping, "entry %d has no id", e.Pos)
		}
		if target == "" {
			return nil, rekeyerr.New(rekeyerr.MalformedMapping, "entry %d has no target key", e.Pos).WithIDs(id)
		}

		rec := Record{ID: id, CurrentKey: trimmed(e.CurrentKey), TargetKey: target}
		if i, ok := index[id]; ok {
			debug.Warn("duplicate mapping entry, last one wins",
				"id", id, "entry", e.Pos, "previous_target", records[i].TargetKey, "target", target)
			records[i] = rec
			continue
		}
		index[id] = len(records)
		records = append(records, rec)
	}
	return records, nil
}

func trimmed(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}
