// Package source reads text snapshots from files: JSONL snapshot logs for
// replay, and plain text files watched as they grow.
package source

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/theirongolddev/tokmon/internal/model"
)

// ParseResult holds the output of parsing a JSONL snapshot log.
type ParseResult struct {
	Events      []Event
	Skipped     int
	ParseErrors int
	Err         error
}

// ParseFile reads a JSONL snapshot log.
func ParseFile(path string) ParseResult {
	f, err := os.Open(path) //nolint:gosec // path is chosen by the local user
	if err != nil {
		return ParseResult{Err: fmt.Errorf("opening snapshot log: %w", err)}
	}
	defer func() { _ = f.Close() }()
	return Parse(f)
}

// Parse reads JSONL events from r. Blank lines and lines starting with '#'
// are ignored. Lines whose top-level type is not a known event are counted
// as skipped without being decoded. Undecodable lines are counted as parse
// errors and do not stop parsing.
func Parse(r io.Reader) ParseResult {
	var res ParseResult

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 256*1024), 8*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		if typ, found := extractTopLevelType(line); found && typ != "" && !knownTypes[typ] {
			res.Skipped++
			continue
		}

		var raw RawEvent
		if err := json.Unmarshal(line, &raw); err != nil {
			res.ParseErrors++
			continue
		}
		ev, err := toEvent(raw)
		if err != nil {
			res.ParseErrors++
			continue
		}
		ev.Line = lineNo
		res.Events = append(res.Events, ev)
	}

	if err := scanner.Err(); err != nil {
		res.Err = fmt.Errorf("reading snapshot log: %w", err)
	}
	return res
}

func toEvent(raw RawEvent) (Event, error) {
	kind, stream, err := classifyEvent(raw)
	if err != nil {
		return Event{}, err
	}
	if raw.Session == "" && kind != EventResetAll {
		return Event{}, fmt.Errorf("%s event without session", kind)
	}

	var ts time.Time
	if raw.Timestamp != "" {
		ts, err = time.Parse(time.RFC3339Nano, raw.Timestamp)
		if err != nil {
			return Event{}, fmt.Errorf("parsing timestamp: %w", err)
		}
	}

	ev := Event{
		Kind: kind,
		Snapshot: model.TextSnapshot{
			SessionKey: raw.Session,
			Stream:     stream,
			Provider:   raw.Provider,
			Text:       raw.Text,
			ObservedAt: ts,
		},
		Model: raw.Model,
		Label: raw.Label,
	}
	switch kind {
	case EventSelectModel:
		if ev.Model == "" {
			return Event{}, fmt.Errorf("model event without model")
		}
	case EventDetectModel:
		if ev.Label == "" {
			ev.Label = raw.Model
		}
	}
	return ev, nil
}

// classifyEvent resolves the event kind and, for snapshots, the stream.
func classifyEvent(raw RawEvent) (EventKind, model.StreamKind, error) {
	switch strings.ToLower(raw.Type) {
	case "", "snapshot":
		stream, err := model.ParseStreamKind(raw.Stream)
		if err != nil {
			return "", "", err
		}
		return EventSnapshot, stream, nil
	case "inputupdate":
		return EventSnapshot, model.Input, nil
	case "responseupdate":
		return EventSnapshot, model.Output, nil
	case "model", "switchmodel":
		return EventSelectModel, "", nil
	case "detect", "modeldetected":
		return EventDetectModel, "", nil
	case "close":
		return EventClose, "", nil
	case "reset":
		if raw.Session == "" {
			return EventResetAll, "", nil
		}
		return EventReset, "", nil
	}
	return "", "", fmt.Errorf("unknown event type %q", raw.Type)
}

// knownTypes are the top-level type values worth decoding.
var knownTypes = map[string]bool{
	"":               true,
	"snapshot":       true,
	"inputupdate":    true,
	"responseupdate": true,
	"model":          true,
	"switchmodel":    true,
	"detect":         true,
	"modeldetected":  true,
	"close":          true,
	"reset":          true,
}

// typeKey is the byte sequence for a JSON key named "type" (with quotes).
var typeKey = []byte(`"type"`)

// extractTopLevelType finds the top-level "type" field in a JSONL line.
// Tracks brace depth and string boundaries so nested "type" keys are ignored.
// found reports whether a top-level type key exists; typ is its lowercased
// string value, empty for non-string values.
func extractTopLevelType(line []byte) (typ string, found bool) {
	depth := 0
	for i := 0; i < len(line); {
		switch line[i] {
		case '"':
			if depth == 1 && bytes.HasPrefix(line[i:], typeKey) {
				val, isKey := classifyType(line, i+len(typeKey))
				if isKey {
					return val, true
				}
			}
			i = skipJSONString(line, i)
		case '{':
			depth++
			i++
		case '}':
			depth--
			i++
		default:
			i++
		}
	}
	return "", false
}

// classifyType checks whether pos follows a JSON key (expects : then value).
// isKey=false means "type" appeared as a value, not a key.
func classifyType(line []byte, pos int) (val string, isKey bool) {
	i := skipSpaces(line, pos)
	if i >= len(line) || line[i] != ':' {
		return "", false
	}
	i = skipSpaces(line, i+1)
	if i >= len(line) || line[i] != '"' {
		return "", true
	}
	i++

	end := bytes.IndexByte(line[i:], '"')
	if end < 0 || end > 32 {
		return "", true
	}
	return strings.ToLower(string(line[i : i+end])), true
}

// skipJSONString advances past a JSON string starting at the opening quote.
//
//nolint:gosec // manual bounds checking throughout
func skipJSONString(line []byte, i int) int {
	i++
	for i < len(line) {
		switch line[i] {
		case '\\':
			i += 2
		case '"':
			return i + 1
		default:
			i++
		}
	}
	return i
}

func skipSpaces(line []byte, i int) int {
	for i < len(line) && (line[i] == ' ' || line[i] == '\t') {
		i++
	}
	return i
}
