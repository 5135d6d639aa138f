package session

import (
	"errors"
	"sync"
)

// State tracks how far a connection has progressed through the
// notification handshake.
type State int

const (
	// Connected is the initial state, awaiting VER.
	Connected State = iota

	// VersionNegotiated means VER was accepted, awaiting CVR.
	VersionNegotiated

	// ClientInfoReceived means CVR was accepted, awaiting USR phase I.
	ClientInfoReceived

	// ChallengeIssued means a challenge token has been sent, awaiting
	// USR phase II.
	ChallengeIssued

	// Authenticated means the challenge response verified and the
	// display name is loaded, awaiting the first CHG.
	Authenticated

	// Active means the session is registered and fully participating
	// in presence and messaging.
	Active

	// Disconnected is terminal.
	Disconnected
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case VersionNegotiated:
		return "version-negotiated"
	case ClientInfoReceived:
		return "client-info-received"
	case ChallengeIssued:
		return "challenge-issued"
	case Authenticated:
		return "authenticated"
	case Active:
		return "active"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Status is a presence status code as it appears on the wire.
type Status string

const (
	StatusOnline  Status = "NLN"
	StatusBusy    Status = "BSY"
	StatusAway    Status = "AWY"
	StatusIdle    Status = "IDL"
	StatusBRB     Status = "BRB"
	StatusPhone   Status = "PHN"
	StatusLunch   Status = "LUN"
	StatusHidden  Status = "HDN"
	StatusOffline Status = "FLN"
)

// ParseStatus validates a client-supplied status code. FLN is not
// settable by clients, a session goes offline by disconnecting.
func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusOnline, StatusBusy, StatusAway, StatusIdle,
		StatusBRB, StatusPhone, StatusLunch, StatusHidden:
		return Status(s), true
	default:
		return "", false
	}
}

// ErrClosed is returned by Write once the session has been torn down.
var ErrClosed = errors.New("session is closed")

// queueSize bounds the outbound event queue per session.
const queueSize = 127

// Session is the per-connection protocol state. It is owned by the
// connection's read loop; other goroutines interact with it only through
// the registry and the outbound queue, so every field is guarded.
type Session struct {
	remoteAddr string

	mu         sync.Mutex
	state      State
	version    string
	handle     string
	pending    string
	display    string
	status     Status
	challenge  string
	violations int
	authFails  int
	exchanges  map[string]string

	out    chan []byte
	closed bool
}

func New(remoteAddr string) *Session {
	return &Session{
		remoteAddr: remoteAddr,
		state:      Connected,
		status:     StatusOffline,
		exchanges:  make(map[string]string),
		out:        make(chan []byte, queueSize),
	}
}

func (s *Session) RemoteAddr() string {
	return s.remoteAddr
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) SetState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

func (s *Session) Version() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

func (s *Session) SetVersion(v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = v
}

// SetIdentity pins the authenticated user handle and display name. The
// handle is immutable: a second call with a different handle is refused.
func (s *Session) SetIdentity(handle, display string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle != "" && s.handle != handle {
		return false
	}

	s.handle = handle
	s.display = display
	return true
}

func (s *Session) Handle() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// SetPendingHandle records the handle claimed during the initial
// authentication phase, before the challenge response proves it.
func (s *Session) SetPendingHandle(handle string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = handle
}

func (s *Session) PendingHandle() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Snapshot returns the presence tuple broadcast to interested contacts.
func (s *Session) Snapshot() (handle string, status Status, display string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle, s.status, s.display
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) SetStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// SetChallenge stores a freshly issued challenge token.
func (s *Session) SetChallenge(challenge string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challenge = challenge
}

// TakeChallenge returns the pending challenge token and clears it.
// Tokens are single use: one verification attempt consumes the token
// regardless of the outcome.
func (s *Session) TakeChallenge() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	challenge := s.challenge
	s.challenge = ""
	return challenge, challenge != ""
}

// RecordViolation counts a protocol sequence error and returns the
// running total for this connection.
func (s *Session) RecordViolation() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.violations++
	return s.violations
}

// RecordAuthFailure counts a failed challenge verification and returns
// the running total.
func (s *Session) RecordAuthFailure() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authFails++
	return s.authFails
}

// TrackExchange records a switchboard negotiation keyed by its session
// id. The peer handle is remembered for ANS and teardown.
func (s *Session) TrackExchange(sid, peer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exchanges[sid] = peer
}

// Exchange returns the peer handle of a tracked switchboard id.
func (s *Session) Exchange(sid string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	peer, ok := s.exchanges[sid]
	return peer, ok
}

func (s *Session) ForgetExchange(sid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.exchanges, sid)
}

// Write queues data for the connection's write loop, implementing
// io.Writer so protocol writers can serialise straight into the session.
// It never blocks the caller forever: a full queue drops the event, which
// a slow consumer has earned.
func (s *Session) Write(data []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	select {
	case s.out <- data:
		return len(data), nil
	default:
		return 0, ErrClosed
	}
}

// Queue exposes the outbound events for the owning write loop. The
// channel is closed by Close.
func (s *Session) Queue() <-chan []byte {
	return s.out
}

// Close transitions the session to Disconnected and closes the outbound
// queue. It is idempotent and safe against concurrent Write calls.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.closed = true
	s.state = Disconnected
	close(s.out)
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
