// Package outbox parses the on-disk message format agents drop into their
// outbox directories. A file is a run of "KEY: value" header lines, a blank
// line, then the body:
//
//	TO: reviewer
//	TYPE: send
//
//	please look at the diff in src/router.go
//
// Header keys are uppercase. A file whose first line is not a header line is
// treated as body-only with no headers.
package outbox

import (
	"os"
	"strings"
)

// Well-known header keys.
const (
	HeaderTo      = "TO"
	HeaderType    = "TYPE"
	HeaderFrom    = "FROM"
	HeaderTopic   = "TOPIC"
	HeaderChannel = "CHANNEL"
	HeaderThread  = "THREAD"
)

// Message is a parsed outbox file.
type Message struct {
	Headers map[string]string
	Body    string
}

// To returns the TO header, empty if absent.
func (m *Message) To() string { return m.Headers[HeaderTo] }

// Type returns the TYPE header, defaulting to "send".
func (m *Message) Type() string {
	if t, ok := m.Headers[HeaderType]; ok && t != "" {
		return t
	}
	return "send"
}

// Topic returns the TOPIC header, empty if absent.
func (m *Message) Topic() string { return m.Headers[HeaderTopic] }

// Channel returns the CHANNEL header, empty if absent.
func (m *Message) Channel() string { return m.Headers[HeaderChannel] }

// Thread returns the THREAD header, empty if absent.
func (m *Message) Thread() string { return m.Headers[HeaderThread] }

// Parse splits content into headers and body. Headers end at the first blank
// line; everything after it is the body, verbatim. If the first line is not a
// header line the whole content is the body.
func Parse(content string) *Message {
	m := &Message{Headers: map[string]string{}}

	// Normalize CRLF so editors on any platform produce the same parse.
	content = strings.ReplaceAll(content, "\r\n", "\n")

	lines := strings.Split(content, "\n")
	if len(lines) == 0 || !isHeaderLine(lines[0]) {
		m.Body = content
		return m
	}

	i := 0
	for ; i < len(lines); i++ {
		line := lines[i]
		if line == "" {
			i++ // skip the separator itself
			break
		}
		if !isHeaderLine(line) {
			// A malformed line inside the header block ends it; the
			// line belongs to the body.
			break
		}
		key, value, _ := strings.Cut(line, ":")
		m.Headers[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	m.Body = strings.Join(lines[i:], "\n")
	return m
}

// ParseFile reads and parses path.
func ParseFile(path string) (*Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(string(data)), nil
}

// isHeaderLine reports whether line is "KEY: value" with an uppercase key.
func isHeaderLine(line string) bool {
	key, _, found := strings.Cut(line, ":")
	if !found || key == "" {
		return false
	}
	for _, r := range key {
		switch {
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}
