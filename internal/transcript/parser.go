package transcript

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/lazypower/tether/internal/memory"
)

// Entry is one JSONL line. Two shapes are accepted:
//
//	{"role":"user","message":"...","timestamp":"2026-03-01T12:00:00Z","context":{...}}
//	{"type":"user","message":{"role":"user","content":"..."},"timestamp":"..."}
//
// content may be a string or a list of blocks; only text blocks are kept.
type Entry struct {
	Type      string          `json:"type"`
	Role      string          `json:"role"`
	Message   json.RawMessage `json:"message"`
	Content   json.RawMessage `json:"content"`
	Timestamp string          `json:"timestamp"`
	Context   memory.Context  `json:"context"`
}

// nested is the message object of the second shape.
type nested struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ContentItem represents a single content block (text, tool_use, tool_result).
type ContentItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Result is the outcome of parsing a transcript.
type Result struct {
	Records []memory.NewRecord
	Skipped int // malformed or empty lines
}

const minChars = 5

var systemReminderRe = regexp.MustCompile(`<system-reminder>[\s\S]*?</system-reminder>`)

// ParseFile reads a JSONL transcript file.
func ParseFile(path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, goerr.Wrap(err, "open transcript", goerr.V("path", path))
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads JSONL transcript lines from r. Malformed lines are skipped
// and counted, never fatal.
func Parse(r io.Reader) (*Result, error) {
	res := &Result{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024) // 1MB line buffer

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		rec, ok := parseLine([]byte(line))
		if !ok {
			res.Skipped++
			continue
		}
		res.Records = append(res.Records, rec)
	}

	if err := scanner.Err(); err != nil {
		return nil, goerr.Wrap(err, "scan transcript")
	}
	return res, nil
}

func parseLine(line []byte) (memory.NewRecord, bool) {
	var e Entry
	if err := json.Unmarshal(line, &e); err != nil {
		return memory.NewRecord{}, false
	}

	role := e.Role
	var text string
	switch {
	case e.Message != nil && isString(e.Message):
		text = extractText(e.Message)
	case e.Message != nil:
		var n nested
		if err := json.Unmarshal(e.Message, &n); err != nil {
			return memory.NewRecord{}, false
		}
		if n.Role != "" {
			role = n.Role
		}
		text = extractText(n.Content)
	default:
		text = extractText(e.Content)
	}
	if role == "" {
		role = e.Type
	}

	text = systemReminderRe.ReplaceAllString(text, "")
	text = strings.TrimSpace(text)
	if len(text) < minChars || strings.HasPrefix(text, "{") {
		return memory.NewRecord{}, false
	}

	rec := memory.NewRecord{
		Message: text,
		Role:    memory.Role(strings.ToLower(role)),
		Context: e.Context,
	}
	if !rec.Role.Valid() {
		return memory.NewRecord{}, false
	}
	if e.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, e.Timestamp)
		if err != nil {
			return memory.NewRecord{}, false
		}
		rec.Timestamp = ts.UTC()
	}
	return rec, true
}

func isString(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return strings.HasPrefix(s, `"`)
}

// extractText handles the polymorphic content field.
// It may be a plain string or an array of ContentItem.
func extractText(raw json.RawMessage) string {
	if raw == nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var items []ContentItem
	if err := json.Unmarshal(raw, &items); err == nil {
		var texts []string
		for _, item := range items {
			if item.Type == "text" && item.Text != "" {
				texts = append(texts, item.Text)
			}
		}
		return strings.Join(texts, "\n")
	}

	return ""
}

// CountByRole tallies records per role.
func CountByRole(recs []memory.NewRecord) map[memory.Role]int {
	counts := map[memory.Role]int{}
	for _, r := range recs {
		counts[r.Role]++
	}
	return counts
}
