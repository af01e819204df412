package mapping

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type field int

const (
	fieldUnknown field = iota
	fieldID
	fieldCurrent
	fieldTarget
)

// fieldFor maps a header or object key onto a record field. Matching ignores
// case, underscores and dashes, so current_key, currentKey and Current-Key agree.
func fieldFor(name string) field {
	norm := strings.ToLower(strings.NewReplacer("_", "", "-", "", " ", "").Replace(name))
	switch norm {
	case "id", "recordid":
		return fieldID
	case "currentkey", "current", "oldkey", "from":
		return fieldCurrent
	case "targetkey", "target", "newkey", "to":
		return fieldTarget
	default:
		return fieldUnknown
	}
}

func (e *entry) set(f field, v string) {
	switch f {
	case fieldID:
		e.ID = &v
	case fieldCurrent:
		e.CurrentKey = &v
	case fieldTarget:
		e.TargetKey = &v
	}
}

func decodeCSV(r io.Reader) ([]entry, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	columns := make([]field, len(header))
	var hasID, hasTarget bool
	for i, h := range header {
		columns[i] = fieldFor(strings.TrimPrefix(h, "\ufeff"))
		hasID = hasID || columns[i] == fieldID
		hasTarget = hasTarget || columns[i] == fieldTarget
	}
	if !hasID || !hasTarget {
		return nil, fmt.Errorf("header %v must name an id column and a target key column", header)
	}

	var entries []entry
	for pos := 1; ; pos++ {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", pos, err)
		}
		if len(row) == 1 && strings.TrimSpace(row[0]) == "" {
			continue
		}
		e := entry{Pos: pos}
		for i, v := range row {
			if i < len(columns) && strings.TrimSpace(v) != "" {
				e.set(columns[i], v)
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func decodeJSON(r io.Reader) ([]entry, error) {
	var objects []map[string]any
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(&objects); err != nil {
		return nil, err
	}
	entries := make([]entry, 0, len(objects))
	for i, obj := range objects {
		e, err := entryFromObject(i+1, obj)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func decodeJSONLines(r io.Reader) ([]entry, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var entries []entry
	for line := 1; scanner.Scan(); line++ {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var obj map[string]any
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&obj); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		e, err := entryFromObject(line, obj)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

func decodeYAML(r io.Reader) ([]entry, error) {
	var objects []map[string]any
	if err := yaml.NewDecoder(r).Decode(&objects); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}
	entries := make([]entry, 0, len(objects))
	for i, obj := range objects {
		e, err := entryFromObject(i+1, obj)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func entryFromObject(pos int, obj map[string]any) (entry, error) {
	e := entry{Pos: pos}
	for k, v := range obj {
		f := fieldFor(k)
		if f == fieldUnknown || v == nil {
			continue
		}
		s, err := scalarString(v)
		if err != nil {
			return entry{}, fmt.Errorf("entry %d field %q: %w", pos, k, err)
		}
		e.set(f, s)
	}
	return e, nil
}

// scalarString renders ids given as numbers the way they were written
func scalarString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case json.Number:
		return t.String(), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case uint64:
		return strconv.FormatUint(t, 10), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(t), nil
	default:
		return "", fmt.Errorf("expected a scalar, got %T", v)
	}
}
