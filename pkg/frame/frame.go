package frame

import (
	"errors"
	"sort"
	"strings"
)

// ErrEmptyFrame is returned by Parse for a frame with no command line.
var ErrEmptyFrame = errors.New("empty frame")

// Command is the closed set of frame verbs the broker understands.
type Command int

const (
	Unknown Command = iota
	Connect
	Connected
	Subscribe
	Unsubscribe
	Send
	Message
	Receipt
	Error
	Disconnect
)

var commandNames = [...]string{
	Unknown:     "UNKNOWN",
	Connect:     "CONNECT",
	Connected:   "CONNECTED",
	Subscribe:   "SUBSCRIBE",
	Unsubscribe: "UNSUBSCRIBE",
	Send:        "SEND",
	Message:     "MESSAGE",
	Receipt:     "RECEIPT",
	Error:       "ERROR",
	Disconnect:  "DISCONNECT",
}

func (c Command) String() string {
	if c < 0 || int(c) >= len(commandNames) {
		return commandNames[Unknown]
	}
	return commandNames[c]
}

// ParseCommand maps a command token to its Command. Unrecognized tokens,
// including the literal "UNKNOWN", map to Unknown.
func ParseCommand(token string) Command {
	for c := Connect; int(c) < len(commandNames); c++ {
		if commandNames[c] == token {
			return c
		}
	}
	return Unknown
}

// Frame is one protocol message. Frames are values: helpers that change a
// header return a copy and never touch the receiver's map.
type Frame struct {
	Command Command
	Headers map[string]string
	Body    string
}

// New builds a frame from alternating key/value header pairs.
func New(cmd Command, body string, kv ...string) Frame {
	f := Frame{Command: cmd, Headers: make(map[string]string, len(kv)/2), Body: body}
	for i := 0; i+1 < len(kv); i += 2 {
		f.Headers[kv[i]] = kv[i+1]
	}
	return f
}

// Header returns the value of key and whether it was present.
func (f Frame) Header(key string) (string, bool) {
	v, ok := f.Headers[key]
	return v, ok
}

// WithHeader returns a copy of f with key set to value.
func (f Frame) WithHeader(key, value string) Frame {
	headers := make(map[string]string, len(f.Headers)+1)
	for k, v := range f.Headers {
		headers[k] = v
	}
	headers[key] = value
	f.Headers = headers
	return f
}

// String renders the frame text without the terminator: command line,
// headers sorted by key, a blank line and the body.
func (f Frame) String() string {
	var b strings.Builder
	b.WriteString(f.Command.String())
	b.WriteByte('\n')

	keys := make([]string, 0, len(f.Headers))
	for k := range f.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(f.Headers[k])
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	b.WriteString(f.Body)
	return b.String()
}

// Parse splits decoded frame text into command, headers and body.
//
// Header lines are split on the first colon; lines without a colon are
// skipped and a repeated key keeps its last value. The body is everything
// after the first blank line, untouched.
func Parse(text string) (Frame, error) {
	cmdLine, rest, _ := strings.Cut(text, "\n")
	token := strings.TrimSpace(cmdLine)
	if token == "" {
		return Frame{}, ErrEmptyFrame
	}

	var headerBlock, body string
	if strings.HasPrefix(rest, "\n") {
		body = rest[1:]
	} else {
		headerBlock, body, _ = strings.Cut(rest, "\n\n")
	}

	f := Frame{Command: ParseCommand(token), Headers: make(map[string]string), Body: body}
	for _, line := range strings.Split(headerBlock, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		f.Headers[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return f, nil
}
