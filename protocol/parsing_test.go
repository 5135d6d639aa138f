package protocol_test

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/frostbite2000/MSN-Messenger-Server/protocol"
)

func newReader(s string) *bufio.Reader {
	return bufio.NewReader(bytes.NewReader([]byte(s)))
}

var _ = Describe("Parsing", func() {
	Describe("ReadCommand()", func() {
		It("returns an error if the reader cannot find a newline", func() {
			_, err := protocol.ReadCommand(newReader("VER 1 MSNP8"))
			Expect(err).To(MatchError(io.EOF))
		})

		It("refuses a line above the maximum length", func() {
			_, err := protocol.ReadCommand(newReader("MSG " + strings.Repeat("a", protocol.MaxLineLength) + "\r\n"))
			Expect(err).To(MatchError(protocol.ErrLineTooLong))
		})

		It("refuses an overlong line before a newline ever arrives", func() {
			_, err := protocol.ReadCommand(newReader(strings.Repeat("a", 3*protocol.MaxLineLength)))
			Expect(err).To(MatchError(protocol.ErrLineTooLong))
		})

		It("returns an error for an empty line", func() {
			_, err := protocol.ReadCommand(newReader("\r\n"))
			Expect(err).To(MatchError(protocol.ErrEmptyCommand))
		})

		It("returns an error if the verb is not three uppercase letters", func() {
			_, err := protocol.ReadCommand(newReader("hello 1\r\n"))
			Expect(errors.Is(err, protocol.ErrMalformedCommand)).To(BeTrue())

			_, err = protocol.ReadCommand(newReader("VERSION 1\r\n"))
			Expect(errors.Is(err, protocol.ErrMalformedCommand)).To(BeTrue())
		})

		It("parses a verb with no TRID and no arguments", func() {
			cmd, err := protocol.ReadCommand(newReader("PNG\r\n"))
			Expect(err).To(Succeed())
			Expect(cmd.Verb).To(Equal(protocol.PNG))
			Expect(cmd.TRID).To(BeEmpty())
			Expect(cmd.Args).To(BeEmpty())
		})

		It("parses the TRID when the first argument is decimal", func() {
			cmd, err := protocol.ReadCommand(newReader("VER 42 MSNP12 MSNP8\r\n"))
			Expect(err).To(Succeed())
			Expect(cmd.Verb).To(Equal(protocol.VER))
			Expect(cmd.TRID).To(Equal("42"))
			Expect(cmd.Args).To(Equal([]string{"MSNP12", "MSNP8"}))
		})

		It("does not treat a non-decimal first argument as a TRID", func() {
			cmd, err := protocol.ReadCommand(newReader("OUT OTH\r\n"))
			Expect(err).To(Succeed())
			Expect(cmd.TRID).To(BeEmpty())
			Expect(cmd.Args).To(Equal([]string{"OTH"}))
		})

		It("accepts a bare newline terminator without CR", func() {
			cmd, err := protocol.ReadCommand(newReader("CHG 7 NLN\n"))
			Expect(err).To(Succeed())
			Expect(cmd.Verb).To(Equal(protocol.CHG))
			Expect(cmd.Args).To(Equal([]string{"NLN"}))
		})

		It("parses an unknown verb without error", func() {
			cmd, err := protocol.ReadCommand(newReader("XFR 9 SB\r\n"))
			Expect(err).To(Succeed())
			Expect(cmd.Verb).To(Equal(protocol.Verb("XFR")))
		})

		Describe("MSG payloads", func() {
			It("reads exactly the declared number of payload bytes", func() {
				r := newReader("MSG 6 bob@example.com 5\r\nhelloPNG\r\n")

				cmd, err := protocol.ReadCommand(r)
				Expect(err).To(Succeed())
				Expect(cmd.Verb).To(Equal(protocol.MSG))
				Expect(cmd.TRID).To(Equal("6"))
				Expect(cmd.Args).To(Equal([]string{"bob@example.com", "5"}))
				Expect(cmd.Payload).To(Equal([]byte("hello")))

				// The next command must still be readable from the
				// same buffered reader.
				next, err := protocol.ReadCommand(r)
				Expect(err).To(Succeed())
				Expect(next.Verb).To(Equal(protocol.PNG))
			})

			It("preserves CRLF bytes inside the payload", func() {
				r := newReader("MSG 6 bob@example.com 12\r\nline1\r\nline2")

				cmd, err := protocol.ReadCommand(r)
				Expect(err).To(Succeed())
				Expect(cmd.Payload).To(Equal([]byte("line1\r\nline2")))
			})

			It("returns an error if the payload length is not a number", func() {
				_, err := protocol.ReadCommand(newReader("MSG 6 bob@example.com nope\r\n"))
				Expect(errors.Is(err, protocol.ErrMalformedCommand)).To(BeTrue())
			})

			It("returns an error if the header has no length argument", func() {
				_, err := protocol.ReadCommand(newReader("MSG 6\r\n"))
				Expect(errors.Is(err, protocol.ErrMalformedCommand)).To(BeTrue())
			})

			It("returns an error if fewer bytes than declared are available", func() {
				_, err := protocol.ReadCommand(newReader("MSG 6 bob@example.com 50\r\nshort"))
				Expect(errors.Is(err, protocol.ErrTruncatedPayload)).To(BeTrue())
			})

			It("refuses payloads above the maximum length", func() {
				_, err := protocol.ReadCommand(newReader("MSG 6 bob@example.com 9999999\r\n"))
				Expect(errors.Is(err, protocol.ErrLineTooLong)).To(BeTrue())
			})
		})
	})

	Describe("ReadReply()", func() {
		It("parses a numeric line as an error reply", func() {
			cmd, failure, err := protocol.ReadReply(newReader("217 5\r\n"))
			Expect(err).To(Succeed())
			Expect(cmd).To(BeNil())
			Expect(failure.Code).To(Equal(protocol.CodeNotOnline))
			Expect(failure.TRID).To(Equal("5"))
		})

		It("parses a command line the same way ReadCommand does", func() {
			cmd, failure, err := protocol.ReadReply(newReader("USR 3 OK alice@hotmail.com Alice\r\n"))
			Expect(err).To(Succeed())
			Expect(failure).To(BeNil())
			Expect(cmd.Verb).To(Equal(protocol.USR))
			Expect(cmd.TRID).To(Equal("3"))
			Expect(cmd.Args).To(Equal([]string{"OK", "alice@hotmail.com", "Alice"}))
		})

		It("reads the payload of a relayed message", func() {
			cmd, failure, err := protocol.ReadReply(newReader("MSG bob@hotmail.com Bob 5\r\nhello"))
			Expect(err).To(Succeed())
			Expect(failure).To(BeNil())
			Expect(cmd.TRID).To(BeEmpty())
			Expect(cmd.Payload).To(Equal([]byte("hello")))
		})
	})

	Describe("Arg()", func() {
		It("returns an empty string out of range", func() {
			cmd := &protocol.Command{Args: []string{"FL"}}
			Expect(cmd.Arg(0)).To(Equal("FL"))
			Expect(cmd.Arg(1)).To(Equal(""))
			Expect(cmd.Arg(-1)).To(Equal(""))
		})
	})
})
