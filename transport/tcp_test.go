package transport_test

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/frostbite2000/MSN-Messenger-Server/directory"
	"github.com/frostbite2000/MSN-Messenger-Server/engine"
	"github.com/frostbite2000/MSN-Messenger-Server/session"
	"github.com/frostbite2000/MSN-Messenger-Server/transport"
)

const testAddr = "0.0.0.0:16863"

var _ = Describe("transport", func() {
	Describe("TCP", func() {
		It("listens on the desired port", func() {
			tcp, _, _, cleanup := makeTCPServer(0)
			defer cleanup()
			defer func() {
				Expect(tcp.Close()).To(Succeed())
			}()

			conn, err := net.Dial("tcp", testAddr)
			Expect(err).To(Succeed())
			conn.Close()
		})

		It("negotiates a dialect and authenticates a client", func() {
			tcp, dir, _, cleanup := makeTCPServer(0)
			defer cleanup()
			defer func() {
				Expect(tcp.Close()).To(Succeed())
			}()

			Expect(dir.CreateAccount("alice@hotmail.com", "abc123", "Alice")).To(Succeed())

			c := dialClient()
			defer c.conn.Close()

			Expect(c.send("VER 1 MSNP8 CVR0")).To(Succeed())
			Expect(c.readLine()).To(Equal("VER 1 MSNP8"))

			Expect(c.send("CVR 2 0x0409 winnt 5.1 i386 MSNMSGR 8.5.1302 msmsgs")).To(Succeed())
			Expect(c.readLine()).To(HavePrefix("CVR 2 "))

			Expect(c.send("USR 3 MD5 I alice@hotmail.com")).To(Succeed())
			challengeLine, err := c.readLine()
			Expect(err).To(Succeed())
			fields := strings.Fields(challengeLine)
			Expect(fields).To(HaveLen(5))
			Expect(fields[:4]).To(Equal([]string{"USR", "3", "MD5", "S"}))

			response := directory.ChallengeDigest(fields[4], directory.ChallengeDigest("", "abc123"))
			Expect(c.send("USR 4 MD5 S " + response)).To(Succeed())
			Expect(c.readLine()).To(Equal("USR 4 OK alice@hotmail.com Alice"))
		})

		It("answers a malformed line with an error and keeps the connection", func() {
			tcp, _, _, cleanup := makeTCPServer(0)
			defer cleanup()
			defer func() {
				Expect(tcp.Close()).To(Succeed())
			}()

			c := dialClient()
			defer c.conn.Close()

			Expect(c.send("not a command")).To(Succeed())
			Expect(c.readLine()).To(Equal("200"))

			Expect(c.send("VER 1 MSNP8")).To(Succeed())
			Expect(c.readLine()).To(Equal("VER 1 MSNP8"))
		})

		It("closes the connection after OUT", func() {
			tcp, _, _, cleanup := makeTCPServer(0)
			defer cleanup()
			defer func() {
				Expect(tcp.Close()).To(Succeed())
			}()

			c := dialClient()
			defer c.conn.Close()

			Expect(c.send("VER 1 MSNP8")).To(Succeed())
			Expect(c.readLine()).To(Equal("VER 1 MSNP8"))

			Expect(c.send("OUT")).To(Succeed())
			Expect(c.readLine()).To(Equal("OUT"))

			waitForClose(c.conn)
		})

		It("relays a message between two live connections", func() {
			tcp, dir, _, cleanup := makeTCPServer(0)
			defer cleanup()
			defer func() {
				Expect(tcp.Close()).To(Succeed())
			}()

			Expect(dir.CreateAccount("alice@hotmail.com", "abc123", "Alice")).To(Succeed())
			Expect(dir.CreateAccount("bob@hotmail.com", "hunter2", "Bob")).To(Succeed())

			alice := dialClient()
			defer alice.conn.Close()
			bob := dialClient()
			defer bob.conn.Close()

			alice.login("alice@hotmail.com", "abc123")
			bob.login("bob@hotmail.com", "hunter2")

			payload := "MIME-Version: 1.0\r\n\r\nhello bob"
			Expect(alice.send(fmt.Sprintf("MSG 10 bob@hotmail.com %d\r\n%s", len(payload), payload))).To(Succeed())
			Expect(alice.readLine()).To(Equal("ACK 10"))

			Expect(bob.readLine()).To(Equal(fmt.Sprintf("MSG alice@hotmail.com Alice %d", len(payload))))
			Expect(bob.readExactly(len(payload))).To(Equal(payload))
		})

		It("disconnects a silent client at the idle deadline and announces it once", func() {
			tcp, dir, registry, cleanup := makeTCPServer(300 * time.Millisecond)
			defer cleanup()
			defer func() {
				Expect(tcp.Close()).To(Succeed())
			}()

			Expect(dir.CreateAccount("alice@hotmail.com", "abc123", "Alice")).To(Succeed())
			Expect(dir.CreateAccount("bob@hotmail.com", "hunter2", "Bob")).To(Succeed())

			bob := dialClient()
			defer bob.conn.Close()
			bob.login("bob@hotmail.com", "hunter2")

			alice := dialClient()
			defer alice.conn.Close()
			alice.login("alice@hotmail.com", "abc123")

			Expect(alice.send("ADD 6 FL bob@hotmail.com Bob")).To(Succeed())
			Expect(alice.readLine()).To(Equal("ADD 6 FL 1 bob@hotmail.com Bob"))
			Expect(bob.readLine()).To(Equal("NLN NLN alice@hotmail.com Alice"))

			// Alice now goes silent. Bob pings to stay online and waits
			// for her departure.
			seen := bob.awaitDeparture("alice@hotmail.com")
			Expect(countDepartures(seen, "alice@hotmail.com")).To(Equal(1))

			// The departure is broadcast only after deregistration, so by
			// now the registry holds bob alone.
			Expect(registry.Len()).To(Equal(1))
			waitForClose(alice.conn)

			// Nothing further may arrive for alice once she is gone.
			Expect(countDepartures(bob.drainLines(400*time.Millisecond), "alice@hotmail.com")).To(BeZero())
		})

		It("tears down once when a logout races the idle deadline", func() {
			tcp, dir, registry, cleanup := makeTCPServer(300 * time.Millisecond)
			defer cleanup()
			defer func() {
				Expect(tcp.Close()).To(Succeed())
			}()

			Expect(dir.CreateAccount("alice@hotmail.com", "abc123", "Alice")).To(Succeed())
			Expect(dir.CreateAccount("bob@hotmail.com", "hunter2", "Bob")).To(Succeed())

			bob := dialClient()
			defer bob.conn.Close()
			bob.login("bob@hotmail.com", "hunter2")

			alice := dialClient()
			defer alice.conn.Close()
			alice.login("alice@hotmail.com", "abc123")

			Expect(alice.send("ADD 6 FL bob@hotmail.com Bob")).To(Succeed())
			Expect(alice.readLine()).To(Equal("ADD 6 FL 1 bob@hotmail.com Bob"))
			Expect(bob.readLine()).To(Equal("NLN NLN alice@hotmail.com Alice"))

			// Send OUT right as the deadline expires. Either side may win
			// the race; teardown must still happen exactly once.
			time.Sleep(280 * time.Millisecond)
			_ = alice.send("OUT")

			seen := bob.awaitDeparture("alice@hotmail.com")
			Expect(countDepartures(seen, "alice@hotmail.com")).To(Equal(1))

			Expect(registry.Len()).To(Equal(1))
			waitForClose(alice.conn)

			Expect(countDepartures(bob.drainLines(400*time.Millisecond), "alice@hotmail.com")).To(BeZero())
		})

		It("displaces an older login for the same handle", func() {
			tcp, dir, _, cleanup := makeTCPServer(0)
			defer cleanup()
			defer func() {
				Expect(tcp.Close()).To(Succeed())
			}()

			Expect(dir.CreateAccount("alice@hotmail.com", "abc123", "Alice")).To(Succeed())

			first := dialClient()
			defer first.conn.Close()
			first.login("alice@hotmail.com", "abc123")

			second := dialClient()
			defer second.conn.Close()
			second.login("alice@hotmail.com", "abc123")

			Expect(first.readLine()).To(Equal("OUT OTH"))
			waitForClose(first.conn)
		})
	})
})

type testClient struct {
	conn   net.Conn
	reader *bufio.Reader
}

func dialClient() *testClient {
	conn, err := net.Dial("tcp", testAddr)
	Expect(err).To(Succeed())

	return &testClient{conn: conn, reader: bufio.NewReader(conn)}
}

func (c *testClient) send(line string) error {
	Expect(c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))).To(Succeed())
	_, err := c.conn.Write([]byte(line + "\r\n"))
	return err
}

func (c *testClient) readLine() (string, error) {
	Expect(c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))).To(Succeed())
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r"), nil
}

func (c *testClient) readExactly(n int) (string, error) {
	Expect(c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))).To(Succeed())
	buf := make([]byte, n)
	for read := 0; read < n; {
		m, err := c.reader.Read(buf[read:])
		if err != nil {
			return "", err
		}
		read += m
	}
	return string(buf), nil
}

// login performs the full handshake and first status change.
func (c *testClient) login(handle, password string) {
	Expect(c.send("VER 1 MSNP8 CVR0")).To(Succeed())
	Expect(c.readLine()).To(Equal("VER 1 MSNP8"))

	Expect(c.send("CVR 2 0x0409 winnt 5.1 i386 MSNMSGR 8.5.1302 msmsgs")).To(Succeed())
	Expect(c.readLine()).To(HavePrefix("CVR 2 "))

	Expect(c.send("USR 3 MD5 I " + handle)).To(Succeed())
	challengeLine, err := c.readLine()
	Expect(err).To(Succeed())
	fields := strings.Fields(challengeLine)
	Expect(fields).To(HaveLen(5))

	response := directory.ChallengeDigest(fields[4], directory.ChallengeDigest("", password))
	Expect(c.send("USR 4 MD5 S " + response)).To(Succeed())
	Expect(c.readLine()).To(HavePrefix("USR 4 OK " + handle))

	Expect(c.send("CHG 5 NLN")).To(Succeed())
	Expect(c.readLine()).To(Equal("CHG 5 NLN"))
}

// awaitDeparture pings to keep this client inside its own idle window
// while waiting for the contact's offline notification, and returns every
// line read along the way.
func (c *testClient) awaitDeparture(handle string) []string {
	var seen []string
	deadline := time.Now().Add(10 * time.Second)

	for time.Now().Before(deadline) {
		Expect(c.send("PNG")).To(Succeed())

		line, err := c.readLine()
		Expect(err).To(Succeed())
		seen = append(seen, line)

		if line == "FLN "+handle {
			return seen
		}
		time.Sleep(20 * time.Millisecond)
	}

	Fail("Never saw the departure of " + handle)
	return seen
}

// drainLines collects whatever the server still sends within d. The
// connection timing out or closing simply ends the collection.
func (c *testClient) drainLines(d time.Duration) []string {
	var lines []string
	deadline := time.Now().Add(d)

	for {
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return lines
		}
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return lines
		}
		lines = append(lines, strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r"))
	}
}

func countDepartures(lines []string, handle string) int {
	n := 0
	for _, line := range lines {
		if line == "FLN "+handle {
			n++
		}
	}
	return n
}

func waitForClose(conn net.Conn) {
	// Wait for our client to be disconnected by the server
	timeout := time.After(30 * time.Second)

waitForClose:
	for {
		select {
		case <-timeout:
			Fail("The client was never closed by the server")
			break waitForClose

		case <-time.After(10 * time.Millisecond):
			// This '1' business is because zero-width reads return
			// immediately and do nothing, our test needs to actually
			// attempt a read. The deadline must be in the future: an
			// already-expired deadline short-circuits the read before
			// it can observe EOF.
			one := make([]byte, 1)
			Expect(conn.SetReadDeadline(time.Now().Add(10 * time.Millisecond))).To(Succeed())
			_, err := conn.Read(one)

			if err == nil {
				// Leftover data from the server, keep draining.
				continue
			}

			timeoutErr, ok := err.(net.Error)
			if !ok || !timeoutErr.Timeout() {
				break waitForClose
			}
		}
	}
}

func makeTCPServer(idleTimeout time.Duration) (*transport.TCP, *directory.SQLite, *session.Registry, func()) {
	tmpfile, err := os.CreateTemp("", "transport-*.db")
	Expect(err).To(Succeed())
	tmpfile.Close()
	os.Remove(tmpfile.Name())

	dir, err := directory.NewSQLite(tmpfile.Name())
	Expect(err).To(Succeed())

	log := zap.NewNop()
	registry := session.NewRegistry(log)

	tcp := transport.NewTCP(transport.Options{
		Log:          log,
		NumListeners: 1,
		Port:         16863,
		Reuseport:    true,
		IdleTimeout:  idleTimeout,
		Engine: engine.New(engine.Options{
			Gateway:  dir,
			Contacts: dir,
			Registry: registry,
			Log:      log,
		}),
	})

	Expect(tcp.Start(context.Background())).To(Succeed())

	// Wait for the TCP server to be listening.
	time.Sleep(100 * time.Millisecond)

	return tcp, dir, registry, func() {
		dir.Close()
		os.Remove(tmpfile.Name())
	}
}
