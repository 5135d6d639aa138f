package protocol_test

import (
	"bytes"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/frostbite2000/MSN-Messenger-Server/protocol"
)

var _ = Describe("Parsing / Writer", func() {
	Describe("WriteCommand", func() {
		It("ends in \r\n", func() {
			w := bytes.NewBuffer([]byte{})

			Expect(protocol.WriteCommand(w, protocol.QNG, "", "50")).To(Succeed())
			Expect(w.String()).To(HaveSuffix("\r\n"))
		})

		It("echoes the TRID after the verb", func() {
			w := bytes.NewBuffer([]byte{})

			Expect(protocol.WriteCommand(w, protocol.VER, "12", "MSNP8")).To(Succeed())
			Expect(w.String()).To(Equal("VER 12 MSNP8\r\n"))
		})

		It("omits the TRID when empty", func() {
			w := bytes.NewBuffer([]byte{})

			Expect(protocol.WriteCommand(w, protocol.NLN, "", "BSY", "alice@example.com", "Alice")).To(Succeed())
			Expect(w.String()).To(Equal("NLN BSY alice@example.com Alice\r\n"))
		})
	})

	Describe("WritePayload", func() {
		It("appends the payload length to the header line", func() {
			w := bytes.NewBuffer([]byte{})

			err := protocol.WritePayload(w, protocol.MSG, "",
				[]string{"alice@example.com", "Alice"}, []byte("hello"))
			Expect(err).To(Succeed())
			Expect(w.String()).To(Equal("MSG alice@example.com Alice 5\r\nhello"))
		})

		It("does not mutate the caller's argument slice", func() {
			w := bytes.NewBuffer([]byte{})
			args := []string{"alice@example.com"}

			Expect(protocol.WritePayload(w, protocol.MSG, "", args, []byte("x"))).To(Succeed())
			Expect(args).To(Equal([]string{"alice@example.com"}))
		})

		It("writes payload bytes verbatim", func() {
			w := bytes.NewBuffer([]byte{})
			payload := []byte("line1\r\nline2\x00\xff")

			Expect(protocol.WritePayload(w, protocol.MSG, "9", nil, payload)).To(Succeed())
			Expect(w.Bytes()).To(Equal(append([]byte("MSG 9 14\r\n"), payload...)))
		})
	})

	Describe("WriteError", func() {
		It("writes the numeric code and the TRID", func() {
			w := bytes.NewBuffer([]byte{})

			Expect(protocol.WriteError(w, protocol.CodeAuthFailed, "4")).To(Succeed())
			Expect(w.String()).To(Equal("911 4\r\n"))
		})

		It("writes the code alone when there is no TRID", func() {
			w := bytes.NewBuffer([]byte{})

			Expect(protocol.WriteError(w, protocol.CodeSyntaxError, "")).To(Succeed())
			Expect(w.String()).To(Equal("200\r\n"))
		})
	})
})
