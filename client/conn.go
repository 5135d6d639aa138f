// Package client is a minimal notification server client, useful for
// smoke testing a running server and for driving it from other tools.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/frostbite2000/MSN-Messenger-Server/directory"
	"github.com/frostbite2000/MSN-Messenger-Server/protocol"
)

var ErrNotConnected = errors.New("client: not connected")

// reply is either a command addressed to one of our transactions or a
// numeric error for it.
type reply struct {
	cmd     *protocol.Command
	failure *protocol.ErrorReply
}

func (r *reply) errorOrNil() error {
	if r.failure == nil {
		return nil
	}
	return fmt.Errorf("server error %d", int(r.failure.Code))
}

type Conn struct {
	ctx context.Context

	conn   net.Conn
	reader *bufio.Reader

	// events carries asynchronous server traffic: relayed messages,
	// presence changes, ring invitations and list replays.
	events chan *protocol.Command

	respMu    sync.RWMutex
	respChans map[string]chan *reply

	idMu sync.Mutex
	trid int

	log *zap.Logger
}

func New(log *zap.Logger) *Conn {
	return &Conn{
		log:       log,
		events:    make(chan *protocol.Command, 255),
		respChans: make(map[string]chan *reply),
	}
}

func (c *Conn) Connect(ctx context.Context, addr string) error {
	c.ctx = ctx

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}

	c.conn = conn
	c.reader = bufio.NewReader(conn)

	go c.readLoop()

	return nil
}

func (c *Conn) Disconnect() error {
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.conn.Close()
}

// Events exposes asynchronous server traffic. The channel is never
// closed; stop reading it after Disconnect.
func (c *Conn) Events() <-chan *protocol.Command {
	return c.events
}

// Login runs the whole handshake: dialect negotiation, client info,
// challenge and response. The server assigned display name is
// returned.
func (c *Conn) Login(ctx context.Context, handle, password string) (string, error) {
	resp, err := c.roundTrip(ctx, protocol.VER, "MSNP12", "MSNP11", "MSNP10", "MSNP9", "MSNP8")
	if err != nil {
		return "", err
	}
	if resp.Arg(0) == "0" {
		return "", errors.New("client: no mutual protocol dialect")
	}

	if _, err := c.roundTrip(ctx, protocol.CVR,
		"0x0409", "winnt", "5.1", "i386", "MSNMSGR", "8.5.1302", "msmsgs", handle); err != nil {
		return "", err
	}

	resp, err = c.roundTrip(ctx, protocol.USR, "MD5", "I", handle)
	if err != nil {
		return "", err
	}
	challenge := resp.Arg(2)
	response := directory.ChallengeDigest(challenge, directory.ChallengeDigest("", password))

	resp, err = c.roundTrip(ctx, protocol.USR, "MD5", "S", response)
	if err != nil {
		return "", err
	}

	return resp.Arg(2), nil
}

// SetStatus publishes a presence status, NLN to come online.
func (c *Conn) SetStatus(ctx context.Context, status string) error {
	_, err := c.roundTrip(ctx, protocol.CHG, status)
	return err
}

// Sync requests the contact list. The LST entries arrive on Events;
// the returned values are the list serial and the entry count.
func (c *Conn) Sync(ctx context.Context) (serial int64, count int, err error) {
	resp, err := c.roundTrip(ctx, protocol.SYN)
	if err != nil {
		return 0, 0, err
	}

	serial, err = strconv.ParseInt(resp.Arg(0), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("client: bad list serial %q", resp.Arg(0))
	}
	count, err = strconv.Atoi(resp.Arg(1))
	if err != nil {
		return 0, 0, fmt.Errorf("client: bad entry count %q", resp.Arg(1))
	}
	return serial, count, nil
}

func (c *Conn) AddContact(ctx context.Context, category, handle, display string) error {
	_, err := c.roundTrip(ctx, protocol.ADD, category, handle, display)
	return err
}

func (c *Conn) RemoveContact(ctx context.Context, category, handle string) error {
	_, err := c.roundTrip(ctx, protocol.REM, category, handle)
	return err
}

// Send relays a message payload to another user.
func (c *Conn) Send(ctx context.Context, recipient string, payload []byte) error {
	trid, respChan := c.createResponseChan()
	defer c.destroyResponseChan(trid)

	if err := protocol.WritePayload(c.conn, protocol.MSG, trid,
		[]string{recipient}, payload); err != nil {
		return err
	}

	return c.await(ctx, respChan)
}

// Call invites a contact into an exchange and returns the exchange id.
func (c *Conn) Call(ctx context.Context, handle string) (string, error) {
	resp, err := c.roundTrip(ctx, protocol.CAL, handle)
	if err != nil {
		return "", err
	}
	return resp.Arg(1), nil
}

// Answer accepts a ring invitation by its exchange id.
func (c *Conn) Answer(ctx context.Context, sid string) error {
	_, err := c.roundTrip(ctx, protocol.ANS, sid)
	return err
}

func (c *Conn) Ping() error {
	if c.conn == nil {
		return ErrNotConnected
	}
	return protocol.WriteCommand(c.conn, protocol.PNG, "")
}

func (c *Conn) Logout() error {
	if c.conn == nil {
		return ErrNotConnected
	}
	return protocol.WriteCommand(c.conn, protocol.OUT, "")
}

func (c *Conn) roundTrip(ctx context.Context, verb protocol.Verb, args ...string) (*protocol.Command, error) {
	trid, respChan := c.createResponseChan()
	defer c.destroyResponseChan(trid)

	if err := protocol.WriteCommand(c.conn, verb, trid, args...); err != nil {
		return nil, err
	}

	select {
	case resp := <-respChan:
		if err := resp.errorOrNil(); err != nil {
			return nil, err
		}
		return resp.cmd, nil

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) await(ctx context.Context, respChan <-chan *reply) error {
	select {
	case resp := <-respChan:
		return resp.errorOrNil()

	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) readLoop() {
	log := c.log.Named("readLoop")

	for {
		select {
		case <-c.ctx.Done():
			log.Info("Context cancelled, exiting...")
			return

		default:
			cmd, failure, err := protocol.ReadReply(c.reader)
			if err != nil {
				if errors.Is(err, protocol.ErrEmptyCommand) {
					continue
				}
				log.Debug("Read loop exiting", zap.Error(err))
				return
			}

			if failure != nil {
				c.sendToResponseChan(failure.TRID, &reply{failure: failure})
				continue
			}

			// QNG carries an interval where a transaction id would sit.
			if cmd.TRID == "" || cmd.Verb == protocol.LST ||
				cmd.Verb == protocol.ILN || cmd.Verb == protocol.QNG {
				// Asynchronous traffic: relayed messages, presence,
				// invitations and list entries.
				c.events <- cmd
				continue
			}

			c.sendToResponseChan(cmd.TRID, &reply{cmd: cmd})
		}
	}
}

func (c *Conn) createResponseChan() (string, <-chan *reply) {
	trid := c.getNextTRID()
	respChan := make(chan *reply, 1)

	c.respMu.Lock()
	c.respChans[trid] = respChan
	c.respMu.Unlock()

	return trid, respChan
}

// sendToResponseChan claims the channel by removing it from the map while
// holding the lock, so a concurrent destroyResponseChan can never close it
// between lookup and send.
func (c *Conn) sendToResponseChan(trid string, resp *reply) {
	c.respMu.Lock()
	respChan, ok := c.respChans[trid]
	if ok {
		delete(c.respChans, trid)
	}
	c.respMu.Unlock()

	if !ok {
		return
	}

	respChan <- resp
	close(respChan)
}

func (c *Conn) destroyResponseChan(trid string) {
	c.respMu.Lock()
	respChan, ok := c.respChans[trid]
	if ok {
		close(respChan)
		delete(c.respChans, trid)
	}
	c.respMu.Unlock()
}

func (c *Conn) getNextTRID() string {
	c.idMu.Lock()
	c.trid++
	trid := c.trid
	c.idMu.Unlock()

	return strconv.Itoa(trid)
}
