package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

var (
	ErrMalformedCommand = errors.New("command line could not be parsed")
	ErrEmptyCommand     = errors.New("command line is empty")
	ErrTruncatedPayload = errors.New("declared payload length exceeds available bytes")
	ErrLineTooLong      = errors.New("command line exceeds the maximum length")
)

// MaxLineLength bounds a single command line. Payloads are bounded
// separately by MaxPayloadLength.
const (
	MaxLineLength    = 2048
	MaxPayloadLength = 64 * 1024
)

// ReadCommand reads one command line from r and, for verbs that declare a
// payload length, the payload bytes that follow it.
//
// The reader is shared with subsequent calls, so buffered remainder bytes
// are preserved between commands. Parsing here is purely syntactic: an
// unknown verb parses fine and is rejected later by the engine.
func ReadCommand(r *bufio.Reader) (*Command, error) {
	fields, err := readFields(r)
	if err != nil {
		return nil, err
	}

	if !isVerb(fields[0]) {
		return nil, fmt.Errorf("%q: %w", fields[0], ErrMalformedCommand)
	}

	cmd := &Command{Verb: Verb(fields[0])}

	rest := fields[1:]
	if len(rest) > 0 && isTransactionID(rest[0]) {
		cmd.TRID = rest[0]
		rest = rest[1:]
	}
	cmd.Args = rest

	if cmd.Verb == MSG {
		if err := readPayload(r, cmd); err != nil {
			return nil, err
		}
	}

	return cmd, nil
}

// ErrorReply is a numeric failure line, `<code> <trid>`.
type ErrorReply struct {
	Code Code
	TRID string
}

// ReadReply reads one server line, which is either a command or a
// numeric error reply. Clients use this; the server itself only ever
// receives commands.
func ReadReply(r *bufio.Reader) (*Command, *ErrorReply, error) {
	fields, err := readFields(r)
	if err != nil {
		return nil, nil, err
	}

	if isTransactionID(fields[0]) {
		code, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, nil, fmt.Errorf("%q: %w", fields[0], ErrMalformedCommand)
		}

		reply := &ErrorReply{Code: Code(code)}
		if len(fields) > 1 {
			reply.TRID = fields[1]
		}
		return nil, reply, nil
	}

	if !isVerb(fields[0]) {
		return nil, nil, fmt.Errorf("%q: %w", fields[0], ErrMalformedCommand)
	}

	cmd := &Command{Verb: Verb(fields[0])}

	rest := fields[1:]
	if len(rest) > 0 && isTransactionID(rest[0]) {
		cmd.TRID = rest[0]
		rest = rest[1:]
	}
	cmd.Args = rest

	if cmd.Verb == MSG {
		if err := readPayload(r, cmd); err != nil {
			return nil, nil, err
		}
	}

	return cmd, nil, nil
}

func readFields(r *bufio.Reader) ([]string, error) {
	rawLine, err := readBoundedLine(r)
	if err != nil {
		return nil, err
	}

	line := strings.TrimSuffix(rawLine, "\n")
	line = strings.TrimSuffix(line, "\r")

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, ErrEmptyCommand
	}

	return fields, nil
}

// readBoundedLine accumulates bytes up to the next newline, failing with
// ErrLineTooLong as soon as MaxLineLength is crossed rather than buffering
// an arbitrarily long line first.
func readBoundedLine(r *bufio.Reader) (string, error) {
	var line []byte

	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)

		if len(line) > MaxLineLength {
			return "", ErrLineTooLong
		}

		switch err {
		case nil:
			return string(line), nil
		case bufio.ErrBufferFull:
			continue
		default:
			return "", err
		}
	}
}

func readPayload(r *bufio.Reader, cmd *Command) error {
	if len(cmd.Args) == 0 {
		return fmt.Errorf("%s is missing a payload length: %w", cmd.Verb, ErrMalformedCommand)
	}

	length, err := strconv.Atoi(cmd.Args[len(cmd.Args)-1])
	if err != nil || length < 0 {
		return fmt.Errorf("%s declares a bad payload length: %w", cmd.Verb, ErrMalformedCommand)
	}

	if length > MaxPayloadLength {
		return fmt.Errorf("%s payload of %d bytes: %w", cmd.Verb, length, ErrLineTooLong)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("%s declared %d bytes: %w", cmd.Verb, length, ErrTruncatedPayload)
	}

	cmd.Payload = payload
	return nil
}

// isVerb reports whether s looks like a command name: three uppercase
// ASCII letters.
func isVerb(s string) bool {
	if len(s) != 3 {
		return false
	}

	for i := 0; i < len(s); i++ {
		if s[i] < 'A' || s[i] > 'Z' {
			return false
		}
	}

	return true
}

// isTransactionID reports whether s is a decimal TRID.
func isTransactionID(s string) bool {
	if s == "" {
		return false
	}

	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}

	return true
}
