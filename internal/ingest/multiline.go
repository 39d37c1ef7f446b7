package ingest

import "strings"

// DefaultMaxAccumulatedLines bounds a multi-line JSON object before it is
// flushed as-is.
const DefaultMaxAccumulatedLines = 500

// Accumulator joins pretty-printed JSON objects spread over several lines of
// a stream into a single line. Non-JSON lines pass straight through.
// An Accumulator is not safe for concurrent use; keep one per stream.
type Accumulator struct {
	buf      strings.Builder
	depth    int
	lines    int
	active   bool
	maxLines int
}

// NewAccumulator creates an accumulator. maxLines <= 0 uses the default.
func NewAccumulator(maxLines int) *Accumulator {
	if maxLines <= 0 {
		maxLines = DefaultMaxAccumulatedLines
	}
	return &Accumulator{maxLines: maxLines}
}

// Push feeds one line. It returns a complete logical line and true, or
// false while an object is still open.
func (a *Accumulator) Push(line string) (string, bool) {
	if isBlank(line) && !a.active {
		return "", false
	}
	if !a.active {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "{") {
			return line, true
		}
		depth := CountJSONDepth(line)
		if depth <= 0 {
			return line, true
		}
		a.active = true
		a.depth = depth
		a.lines = 1
		a.buf.Reset()
		a.buf.WriteString(trimmed)
		return "", false
	}

	a.buf.WriteString(strings.TrimSpace(line))
	a.depth += CountJSONDepth(line)
	a.lines++
	if a.depth <= 0 || a.lines >= a.maxLines {
		return a.reset(), true
	}
	return "", false
}

// Flush returns any partially accumulated object.
func (a *Accumulator) Flush() (string, bool) {
	if !a.active {
		return "", false
	}
	return a.reset(), true
}

func (a *Accumulator) reset() string {
	out := a.buf.String()
	a.buf.Reset()
	a.active = false
	a.depth = 0
	a.lines = 0
	return out
}

// CountJSONDepth counts the net change in JSON nesting depth for a line.
func CountJSONDepth(line string) int {
	depth := 0
	inString := false
	escaped := false

	for _, char := range line {
		if escaped {
			escaped = false
			continue
		}

		switch char {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{', '[':
			if !inString {
				depth++
			}
		case '}', ']':
			if !inString {
				depth--
			}
		}
	}

	return depth
}
