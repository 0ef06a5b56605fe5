package supervisor

import (
	"os"
	"strings"

	"github.com/tidwall/gjson"
)

// CLIStats are the usage figures some agent CLIs print as a JSON block when
// they exit.
type CLIStats struct {
	FilesCreatedCount *int64         `json:"files_created_count,omitempty"`
	LinesAdded        *int64         `json:"lines_added,omitempty"`
	LinesRemoved      *int64         `json:"lines_removed,omitempty"`
	ToolCalls         *int64         `json:"tool_calls,omitempty"`
	Response          string         `json:"response,omitempty"`
	Stats             map[string]any `json:"stats"`
}

// ParseCLIStatsFile reads path and parses its stats block.
func ParseCLIStatsFile(path string) (CLIStats, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return CLIStats{}, false
	}
	return ParseCLIStats(string(data))
}

// ParseCLIStats finds the most recent JSON object in an output log that has a
// "stats" object. Blocks introduced by "json{" are preferred; without any the
// last "{" in the log is tried.
func ParseCLIStats(logText string) (CLIStats, bool) {
	block, ok := latestJSONBlock(logText)
	if !ok {
		return CLIStats{}, false
	}
	stats := gjson.Get(block, "stats")
	if !stats.IsObject() {
		return CLIStats{}, false
	}

	out := CLIStats{
		FilesCreatedCount: intAt(stats, "tools.byName.write_file.count"),
		LinesAdded:        intAt(stats, "files.totalLinesAdded"),
		LinesRemoved:      intAt(stats, "files.totalLinesRemoved"),
		ToolCalls:         intAt(stats, "tools.totalCalls"),
		Response:          strings.TrimSpace(gjson.Get(block, "response").String()),
	}
	if m, ok := stats.Value().(map[string]any); ok {
		out.Stats = m
	}
	return out, true
}

func intAt(obj gjson.Result, path string) *int64 {
	r := obj.Get(path)
	if r.Type != gjson.Number {
		return nil
	}
	n := r.Int()
	return &n
}

// latestJSONBlock returns the last parseable JSON object of text.
func latestJSONBlock(text string) (string, bool) {
	lowered := asciiLower(text)
	var starts []int
	for idx := strings.LastIndex(lowered, "json{"); idx >= 0; idx = strings.LastIndex(lowered[:idx], "json{") {
		starts = append(starts, idx+len("json"))
	}
	if len(starts) == 0 {
		if idx := strings.LastIndex(text, "{"); idx >= 0 {
			starts = append(starts, idx)
		}
	}
	for _, start := range starts {
		block, ok := balancedBlock(text, start)
		if ok && gjson.Valid(block) {
			return block, true
		}
	}
	return "", false
}

// asciiLower lowercases ASCII letters only, keeping byte offsets intact.
func asciiLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// balancedBlock returns text[start:] up to the brace closing text[start],
// honoring JSON string escapes.
func balancedBlock(text string, start int) (string, bool) {
	depth := 0
	inString, escape := false, false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escape:
				escape = false
			case c == '\\':
				escape = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}
