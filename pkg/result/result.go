// Package result parses benchmark output printed by the runner containers.
package result

import (
	"bufio"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// timingPrefix marks the line carrying a Zeek timing measurement.
// Format: BENCHMARK_TIMING={elapsed};{max_rss_kb};{user};{system}
const timingPrefix = "BENCHMARK_TIMING="

// ErrResultNotFound is returned when the output carries no result at all.
var ErrResultNotFound = errors.New("result not found in output")

// MalformedError is returned when a result line is present but unparsable.
type MalformedError struct {
	Line   string
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed result line %q: %s", e.Line, e.Reason)
}

// Timing is the resource usage of one Zeek run.
type Timing struct {
	ElapsedTime float64 `json:"elapsed_time"`
	UserTime    float64 `json:"user_time"`
	SystemTime  float64 `json:"system_time"`
	// MaxRSS is in bytes.
	MaxRSS int64 `json:"max_rss"`
}

// ParseTiming extracts the first BENCHMARK_TIMING line from stdout.
func ParseTiming(stdout []byte) (*Timing, error) {
	sc := bufio.NewScanner(strings.NewReader(string(stdout)))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, timingPrefix) {
			continue
		}

		return parseTimingLine(line)
	}

	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scanning output: %w", err)
	}

	return nil, ErrResultNotFound
}

func parseTimingLine(line string) (*Timing, error) {
	values := strings.Split(strings.TrimSpace(strings.TrimPrefix(line, timingPrefix)), ";")
	if len(values) != 4 {
		return nil, &MalformedError{
			Line:   line,
			Reason: fmt.Sprintf("expected 4 values, got %d", len(values)),
		}
	}

	floats := make([]float64, 0, 3)

	for _, idx := range []int{0, 2, 3} {
		v, err := strconv.ParseFloat(values[idx], 64)
		if err != nil {
			return nil, &MalformedError{Line: line, Reason: fmt.Sprintf("value %d: %v", idx+1, err)}
		}

		floats = append(floats, v)
	}

	maxRSSKB, err := strconv.ParseInt(values[1], 10, 64)
	if err != nil {
		return nil, &MalformedError{Line: line, Reason: fmt.Sprintf("max rss: %v", err)}
	}

	return &Timing{
		ElapsedTime: floats[0],
		UserTime:    floats[1],
		SystemTime:  floats[2],
		MaxRSS:      maxRSSKB * 1024,
	}, nil
}

// Tail returns at most the last n bytes of output as text, prefixed with an
// ellipsis when truncated. The cut never splits a character and the result
// is cleaned with CleanText.
func Tail(output []byte, n int) string {
	if n <= 0 || len(output) <= n {
		return CleanText(string(output))
	}

	start := len(output) - n
	for i := 0; i < utf8.UTFMax-1 && start < len(output) && !utf8.RuneStart(output[start]); i++ {
		start++
	}

	return "..." + CleanText(string(output[start:]))
}

// CleanText drops NUL bytes and replaces invalid UTF-8 with U+FFFD so that
// container output can be stored in text columns.
func CleanText(s string) string {
	return strings.ToValidUTF8(strings.ReplaceAll(s, "\x00", ""), "\uFFFD")
}
