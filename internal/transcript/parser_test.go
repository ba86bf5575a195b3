package transcript

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/m-mizutani/gt"

	"github.com/lazypower/tether/internal/memory"
)

func TestParseFlatLines(t *testing.T) {
	lines := `{"role":"user","message":"Hello, help me with Go code","timestamp":"2026-03-01T12:00:00Z","context":{"mood":"happy"}}
{"role":"assistant","content":"Sure, I can help with Go."}`

	res, err := Parse(strings.NewReader(lines))
	gt.NoError(t, err)
	gt.A(t, res.Records).Length(2)
	gt.Equal(t, res.Skipped, 0)

	first := res.Records[0]
	gt.Equal(t, first.Role, memory.RoleUser)
	gt.Equal(t, first.Message, "Hello, help me with Go code")
	gt.True(t, first.Timestamp.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
	gt.Equal(t, first.Context["mood"], any("happy"))

	gt.Equal(t, res.Records[1].Role, memory.RoleAssistant)
	gt.True(t, res.Records[1].Timestamp.IsZero())
}

func TestParseNestedLines(t *testing.T) {
	lines := `{"type":"user","message":{"role":"user","content":"Write a function to sort a slice"}}
{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Here is the code:"},{"type":"tool_use","id":"tu_1","name":"Write"}]}}`

	res, err := Parse(strings.NewReader(lines))
	gt.NoError(t, err)
	gt.A(t, res.Records).Length(2)
	gt.Equal(t, res.Records[0].Role, memory.RoleUser)
	gt.Equal(t, res.Records[1].Message, "Here is the code:")
}

func TestParseSkips(t *testing.T) {
	lines := `not json at all
{"role":"user","message":"ok"}
{"role":"user","message":"{\"json\":\"data\"}"}
{"role":"robot","message":"beep boop beep"}
{"role":"user","message":"bad timestamp here","timestamp":"yesterday"}
{"role":"user","message":"Valid message here"}
{broken json`

	res, err := Parse(strings.NewReader(lines))
	gt.NoError(t, err)
	gt.A(t, res.Records).Length(1)
	gt.Equal(t, res.Skipped, 6)
	gt.Equal(t, res.Records[0].Message, "Valid message here")
}

func TestParseStripsSystemReminder(t *testing.T) {
	lines := `{"type":"user","message":{"role":"user","content":"Do something <system-reminder>ignore this</system-reminder> please help"}}`

	res, err := Parse(strings.NewReader(lines))
	gt.NoError(t, err)
	gt.A(t, res.Records).Length(1)
	gt.Equal(t, res.Records[0].Message, "Do something  please help")
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.jsonl")
	gt.NoError(t, os.WriteFile(path, []byte(`{"role":"System","message":"You are terse."}`+"\n"), 0o600))

	res, err := ParseFile(path)
	gt.NoError(t, err)
	gt.A(t, res.Records).Length(1)
	gt.Equal(t, res.Records[0].Role, memory.RoleSystem)

	_, err = ParseFile(filepath.Join(t.TempDir(), "missing.jsonl"))
	gt.Error(t, err)
}

func TestCountByRole(t *testing.T) {
	counts := CountByRole([]memory.NewRecord{
		{Role: memory.RoleUser},
		{Role: memory.RoleAssistant},
		{Role: memory.RoleUser},
	})
	gt.Equal(t, counts[memory.RoleUser], 2)
	gt.Equal(t, counts[memory.RoleAssistant], 1)
}

func TestClip(t *testing.T) {
	recs := []memory.NewRecord{
		{Message: strings.Repeat("x", 20)},
		{Message: "short"},
		{Message: "ééééé"}, // 10 bytes
	}

	n := Clip(recs, 8)
	gt.Equal(t, n, 2)
	gt.Equal(t, recs[0].Message, "xxxxx...")
	gt.Equal(t, recs[1].Message, "short")
	// 5 bytes available; the cut backs off to a rune boundary.
	gt.Equal(t, recs[2].Message, "éé...")

	gt.Equal(t, Clip(recs, 0), 0)
}
