package protocol

import (
	"io"
	"strconv"
	"strings"
)

var terminal = []byte("\r\n")

// WriteCommand serialises `VERB [TRID] args...\r\n` into w.
//
// An empty trid is omitted, which is how asynchronous server events
// (NLN, FLN, RNG, relayed MSG headers) are written.
func WriteCommand(w io.Writer, verb Verb, trid string, args ...string) error {
	_, err := w.Write(appendHeader(nil, verb, trid, args))
	return err
}

// WritePayload serialises a header line followed by the payload bytes.
// The payload length is appended to the header as the final argument.
func WritePayload(w io.Writer, verb Verb, trid string, args []string, payload []byte) error {
	args = append(append([]string{}, args...), strconv.Itoa(len(payload)))

	b := appendHeader(nil, verb, trid, args)
	b = append(b, payload...)

	_, err := w.Write(b)
	return err
}

// WriteError serialises a numeric error reply: `<code> <trid>\r\n`.
func WriteError(w io.Writer, code Code, trid string) error {
	b := []byte(strconv.Itoa(int(code)))
	if trid != "" {
		b = append(b, ' ')
		b = append(b, trid...)
	}
	b = append(b, terminal...)

	_, err := w.Write(b)
	return err
}

func appendHeader(b []byte, verb Verb, trid string, args []string) []byte {
	parts := make([]string, 0, 2+len(args))
	parts = append(parts, string(verb))

	if trid != "" {
		parts = append(parts, trid)
	}
	parts = append(parts, args...)

	b = append(b, strings.Join(parts, " ")...)
	return append(b, terminal...)
}
