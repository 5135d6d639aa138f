package session_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/frostbite2000/MSN-Messenger-Server/session"
)

var _ = Describe("Session", func() {
	Describe("SetIdentity()", func() {
		It("pins the handle on first call", func() {
			s := session.New("10.0.0.1:5000")

			Expect(s.SetIdentity("alice@example.com", "Alice")).To(BeTrue())
			Expect(s.Handle()).To(Equal("alice@example.com"))
		})

		It("refuses to change the handle once set", func() {
			s := session.New("10.0.0.1:5000")

			Expect(s.SetIdentity("alice@example.com", "Alice")).To(BeTrue())
			Expect(s.SetIdentity("mallory@example.com", "Mallory")).To(BeFalse())
			Expect(s.Handle()).To(Equal("alice@example.com"))
		})

		It("allows updating the display name for the same handle", func() {
			s := session.New("10.0.0.1:5000")

			Expect(s.SetIdentity("alice@example.com", "Alice")).To(BeTrue())
			Expect(s.SetIdentity("alice@example.com", "Alice A")).To(BeTrue())

			_, _, display := s.Snapshot()
			Expect(display).To(Equal("Alice A"))
		})
	})

	Describe("TakeChallenge()", func() {
		It("returns the pending token exactly once", func() {
			s := session.New("10.0.0.1:5000")
			s.SetChallenge("abc123")

			challenge, ok := s.TakeChallenge()
			Expect(ok).To(BeTrue())
			Expect(challenge).To(Equal("abc123"))

			_, ok = s.TakeChallenge()
			Expect(ok).To(BeFalse())
		})
	})

	Describe("ParseStatus()", func() {
		It("accepts the settable status codes", func() {
			for _, code := range []string{"NLN", "BSY", "AWY", "IDL", "BRB", "PHN", "LUN", "HDN"} {
				_, ok := session.ParseStatus(code)
				Expect(ok).To(BeTrue(), "expected %s to parse", code)
			}
		})

		It("rejects FLN and arbitrary strings", func() {
			_, ok := session.ParseStatus("FLN")
			Expect(ok).To(BeFalse())

			_, ok = session.ParseStatus("SLEEPING")
			Expect(ok).To(BeFalse())
		})
	})

	Describe("Write() / Close()", func() {
		It("queues writes for the write loop", func() {
			s := session.New("10.0.0.1:5000")

			n, err := s.Write([]byte("QNG 50\r\n"))
			Expect(err).To(Succeed())
			Expect(n).To(Equal(8))

			Expect(<-s.Queue()).To(Equal([]byte("QNG 50\r\n")))
		})

		It("fails writes after Close", func() {
			s := session.New("10.0.0.1:5000")
			s.Close()

			_, err := s.Write([]byte("NLN NLN a@b A\r\n"))
			Expect(err).To(MatchError(session.ErrClosed))
		})

		It("does not panic when closed twice", func() {
			s := session.New("10.0.0.1:5000")

			Expect(func() { s.Close() }).NotTo(Panic())
			Expect(func() { s.Close() }).NotTo(Panic())
		})

		It("transitions to Disconnected on Close", func() {
			s := session.New("10.0.0.1:5000")
			s.SetState(session.Active)

			s.Close()
			Expect(s.State()).To(Equal(session.Disconnected))
		})
	})

	Describe("exchanges", func() {
		It("tracks and forgets switchboard ids", func() {
			s := session.New("10.0.0.1:5000")
			s.TrackExchange("sid-1", "bob@example.com")

			peer, ok := s.Exchange("sid-1")
			Expect(ok).To(BeTrue())
			Expect(peer).To(Equal("bob@example.com"))

			s.ForgetExchange("sid-1")
			_, ok = s.Exchange("sid-1")
			Expect(ok).To(BeFalse())
		})
	})
})
