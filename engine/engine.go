// Package engine drives the notification protocol state machine. It
// consumes parsed commands from a transport, advances the per-client
// session state and writes replies and notifications back through the
// session queues.
package engine

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/frostbite2000/MSN-Messenger-Server/directory"
	"github.com/frostbite2000/MSN-Messenger-Server/protocol"
	"github.com/frostbite2000/MSN-Messenger-Server/session"
)

// ErrDisconnect tells the transport to tear the connection down after
// the current command has been handled.
var ErrDisconnect = errors.New("engine: session must be disconnected")

const (
	defaultClientVersion = "8.5.1302"
	defaultDownloadURL   = "http://messenger.msn.com"
	defaultPingInterval  = 50 * time.Second
	defaultMaxViolations = 5
)

// defaultVersions is ordered by preference, newest first.
var defaultVersions = []string{"MSNP12", "MSNP11", "MSNP10", "MSNP9", "MSNP8"}

type Options struct {
	Gateway  directory.CredentialGateway
	Contacts directory.ContactDirectory
	Registry *session.Registry
	Log      *zap.Logger

	// SupportedVersions is ordered by preference. Empty means the
	// built-in dialect list.
	SupportedVersions []string
	ClientVersion     string
	DownloadURL       string
	PingInterval      time.Duration
	MaxViolations     int
}

type handlerFunc func(*session.Session, *protocol.Command) error

// Engine dispatches client commands to per-verb handlers. A single
// Engine serves every connection; all per-client state lives in the
// Session.
type Engine struct {
	gateway  directory.CredentialGateway
	contacts directory.ContactDirectory
	registry *session.Registry
	router   *Router
	log      *zap.Logger

	versions      []string
	clientVersion string
	downloadURL   string
	pingInterval  time.Duration
	maxViolations int

	handlers map[protocol.Verb]handlerFunc
}

func New(opts Options) *Engine {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}

	e := &Engine{
		gateway:       opts.Gateway,
		contacts:      opts.Contacts,
		registry:      opts.Registry,
		router:        NewRouter(opts.Registry, log.Named("router")),
		log:           log,
		versions:      opts.SupportedVersions,
		clientVersion: opts.ClientVersion,
		downloadURL:   opts.DownloadURL,
		pingInterval:  opts.PingInterval,
		maxViolations: opts.MaxViolations,
	}

	if len(e.versions) == 0 {
		e.versions = defaultVersions
	}
	if e.clientVersion == "" {
		e.clientVersion = defaultClientVersion
	}
	if e.downloadURL == "" {
		e.downloadURL = defaultDownloadURL
	}
	if e.pingInterval <= 0 {
		e.pingInterval = defaultPingInterval
	}
	if e.maxViolations <= 0 {
		e.maxViolations = defaultMaxViolations
	}

	e.handlers = map[protocol.Verb]handlerFunc{
		protocol.VER: e.handleVER,
		protocol.CVR: e.handleCVR,
		protocol.USR: e.handleUSR,
		protocol.SYN: e.handleSYN,
		protocol.CHG: e.handleCHG,
		protocol.LST: e.handleLST,
		protocol.ADD: e.handleADD,
		protocol.REM: e.handleREM,
		protocol.MSG: e.handleMSG,
		protocol.CAL: e.handleCAL,
		protocol.ANS: e.handleANS,
		protocol.PNG: e.handlePNG,
		protocol.QNG: e.handleQNG,
		protocol.OUT: e.handleOUT,
	}

	return e
}

// Router exposes the delivery side of the engine for transports and
// diagnostics.
func (e *Engine) Router() *Router {
	return e.router
}

// PingInterval is the interval advertised in QNG replies.
func (e *Engine) PingInterval() time.Duration {
	return e.pingInterval
}

// Dispatch routes a parsed command to its handler. A nil return keeps
// the connection alive; ErrDisconnect asks the transport to close it.
func (e *Engine) Dispatch(s *session.Session, cmd *protocol.Command) error {
	handler, ok := e.handlers[cmd.Verb]
	if !ok {
		e.log.Debug("unknown verb",
			zap.String("verb", string(cmd.Verb)),
			zap.String("remote", s.RemoteAddr()))
		return e.reject(s, cmd, protocol.CodeSyntaxError)
	}
	return handler(s, cmd)
}

// Disconnect finalizes a departing session: it releases the registry
// slot if this session still owns it and tells the user's contacts the
// user went offline. Safe to call more than once.
func (e *Engine) Disconnect(s *session.Session) {
	handle := s.Handle()
	s.Close()

	if handle == "" {
		return
	}
	if !e.registry.Deregister(handle, s) {
		// A newer login owns the handle now; it keeps the presence.
		return
	}

	contacts, err := e.contacts.ListContacts(handle, directory.Forward)
	if err != nil {
		e.log.Warn("offline broadcast skipped",
			zap.String("handle", handle), zap.Error(err))
		return
	}
	if err := e.router.BroadcastDeparture(handle, contacts); err != nil {
		e.log.Debug("offline broadcast incomplete",
			zap.String("handle", handle), zap.Error(err))
	}
}

func (e *Engine) handleVER(s *session.Session, cmd *protocol.Command) error {
	if s.State() != session.Connected {
		return e.sequenceError(s, cmd)
	}
	if len(cmd.Args) == 0 {
		return e.reject(s, cmd, protocol.CodeSyntaxError)
	}

	offered := make(map[string]bool, len(cmd.Args))
	for _, v := range cmd.Args {
		offered[v] = true
	}
	for _, v := range e.versions {
		if offered[v] {
			s.SetVersion(v)
			s.SetState(session.VersionNegotiated)
			return protocol.WriteCommand(s, protocol.VER, cmd.TRID, v)
		}
	}

	// No mutual dialect. Answer with 0 and drop the connection.
	if err := protocol.WriteCommand(s, protocol.VER, cmd.TRID, "0"); err != nil {
		return err
	}
	return ErrDisconnect
}

func (e *Engine) handleCVR(s *session.Session, cmd *protocol.Command) error {
	if s.State() != session.VersionNegotiated {
		return e.sequenceError(s, cmd)
	}
	if len(cmd.Args) < 5 {
		return e.reject(s, cmd, protocol.CodeSyntaxError)
	}

	s.SetState(session.ClientInfoReceived)
	return protocol.WriteCommand(s, protocol.CVR, cmd.TRID,
		e.clientVersion, e.clientVersion, e.clientVersion,
		e.downloadURL, e.downloadURL)
}

func (e *Engine) handleUSR(s *session.Session, cmd *protocol.Command) error {
	if len(cmd.Args) < 3 {
		return e.reject(s, cmd, protocol.CodeSyntaxError)
	}
	if cmd.Arg(0) != "MD5" {
		return e.reject(s, cmd, protocol.CodeInvalidParameter)
	}

	switch cmd.Arg(1) {
	case "I":
		return e.issueChallenge(s, cmd)
	case "S":
		return e.verifyChallenge(s, cmd)
	default:
		return e.reject(s, cmd, protocol.CodeInvalidParameter)
	}
}

// issueChallenge handles the initial authentication phase. The claimed
// handle is not checked against the account store yet; a bogus handle
// fails at the response phase without revealing whether it exists.
func (e *Engine) issueChallenge(s *session.Session, cmd *protocol.Command) error {
	switch s.State() {
	case session.ClientInfoReceived, session.ChallengeIssued:
	default:
		return e.sequenceError(s, cmd)
	}

	challenge := uuid.NewString()
	s.SetPendingHandle(cmd.Arg(2))
	s.SetChallenge(challenge)
	s.SetState(session.ChallengeIssued)

	return protocol.WriteCommand(s, protocol.USR, cmd.TRID, "MD5", "S", challenge)
}

func (e *Engine) verifyChallenge(s *session.Session, cmd *protocol.Command) error {
	if s.State() != session.ChallengeIssued {
		return e.sequenceError(s, cmd)
	}

	handle := s.PendingHandle()
	challenge, ok := s.TakeChallenge()
	if !ok {
		return e.authFailure(s, cmd)
	}

	valid, err := e.gateway.VerifyResponse(handle, challenge, cmd.Arg(2))
	if err != nil {
		e.log.Error("credential check failed",
			zap.String("handle", handle), zap.Error(err))
		s.SetState(session.ClientInfoReceived)
		return e.reject(s, cmd, protocol.CodeInternalError)
	}
	if !valid {
		return e.authFailure(s, cmd)
	}

	account, err := e.gateway.LookupAccount(handle)
	if err != nil {
		e.log.Error("account lookup failed",
			zap.String("handle", handle), zap.Error(err))
		s.SetState(session.ClientInfoReceived)
		return e.reject(s, cmd, protocol.CodeInternalError)
	}

	s.SetIdentity(account.Handle, account.DisplayName)
	s.SetState(session.Authenticated)
	e.log.Info("authenticated",
		zap.String("handle", account.Handle),
		zap.String("remote", s.RemoteAddr()))

	return protocol.WriteCommand(s, protocol.USR, cmd.TRID,
		"OK", account.Handle, account.DisplayName)
}

// authFailure answers 911 and allows exactly one retry from the
// challenge phase. A second failure closes the connection.
func (e *Engine) authFailure(s *session.Session, cmd *protocol.Command) error {
	if err := protocol.WriteError(s, protocol.CodeAuthFailed, cmd.TRID); err != nil {
		return err
	}
	if s.RecordAuthFailure() >= 2 {
		e.log.Info("authentication abandoned",
			zap.String("remote", s.RemoteAddr()))
		return ErrDisconnect
	}
	s.SetState(session.ClientInfoReceived)
	return nil
}

func (e *Engine) handleSYN(s *session.Session, cmd *protocol.Command) error {
	if !e.authenticated(s) {
		return e.sequenceError(s, cmd)
	}

	handle := s.Handle()
	count := 0
	for _, cat := range directory.Categories {
		contacts, err := e.contacts.ListContacts(handle, cat)
		if err != nil {
			e.log.Error("list read failed",
				zap.String("handle", handle),
				zap.String("category", string(cat)),
				zap.Error(err))
			return e.reject(s, cmd, protocol.CodeInternalError)
		}
		for _, c := range contacts {
			if err := protocol.WriteCommand(s, protocol.LST, "",
				string(c.Category), c.Handle, c.DisplayName); err != nil {
				return err
			}
			count++
		}
	}

	serial, err := e.contacts.ListSerial(handle)
	if err != nil {
		e.log.Error("serial read failed",
			zap.String("handle", handle), zap.Error(err))
		return e.reject(s, cmd, protocol.CodeInternalError)
	}

	return protocol.WriteCommand(s, protocol.SYN, cmd.TRID,
		itoa64(serial), itoa(count))
}

// handleLST replays a single list category outside a full SYN.
func (e *Engine) handleLST(s *session.Session, cmd *protocol.Command) error {
	if !e.authenticated(s) {
		return e.sequenceError(s, cmd)
	}

	cats := directory.Categories
	if len(cmd.Args) > 0 {
		cat, ok := directory.ParseCategory(cmd.Arg(0))
		if !ok {
			return e.reject(s, cmd, protocol.CodeInvalidParameter)
		}
		cats = []directory.Category{cat}
	}

	handle := s.Handle()
	for _, cat := range cats {
		contacts, err := e.contacts.ListContacts(handle, cat)
		if err != nil {
			return e.reject(s, cmd, protocol.CodeInternalError)
		}
		for _, c := range contacts {
			if err := protocol.WriteCommand(s, protocol.LST, cmd.TRID,
				string(c.Category), c.Handle, c.DisplayName); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) handleCHG(s *session.Session, cmd *protocol.Command) error {
	if !e.authenticated(s) {
		return e.sequenceError(s, cmd)
	}

	status, ok := session.ParseStatus(cmd.Arg(0))
	if !ok {
		return e.reject(s, cmd, protocol.CodeInvalidParameter)
	}

	first := s.State() == session.Authenticated
	s.SetStatus(status)

	if err := protocol.WriteCommand(s, protocol.CHG, cmd.TRID,
		string(status)); err != nil {
		return err
	}

	handle, _, display := s.Snapshot()
	contacts, err := e.contacts.ListContacts(handle, directory.Forward)
	if err != nil {
		e.log.Warn("presence fan-out skipped",
			zap.String("handle", handle), zap.Error(err))
		contacts = nil
	}

	if first {
		e.goOnline(s, cmd.TRID, contacts)
	}

	if err := e.router.BroadcastPresence(handle, status, display, contacts); err != nil {
		e.log.Debug("presence fan-out incomplete",
			zap.String("handle", handle), zap.Error(err))
	}
	return nil
}

// goOnline promotes a session to Active on its first status change:
// it claims the registry slot, evicting any prior login for the same
// handle, and replays the current presence of each online contact.
func (e *Engine) goOnline(s *session.Session, trid string, contacts []directory.Contact) {
	handle := s.Handle()

	if evicted := e.registry.Register(handle, s); evicted != nil {
		e.log.Info("session displaced",
			zap.String("handle", handle),
			zap.String("old", evicted.RemoteAddr()),
			zap.String("new", s.RemoteAddr()))
		_ = protocol.WriteCommand(evicted, protocol.OUT, "", "OTH")
		evicted.Close()
	}
	s.SetState(session.Active)

	for _, c := range contacts {
		peer, ok := e.registry.Lookup(c.Handle)
		if !ok || peer.State() != session.Active {
			continue
		}
		ph, pstatus, pdisplay := peer.Snapshot()
		if pstatus == session.StatusHidden {
			continue
		}
		_ = protocol.WriteCommand(s, protocol.ILN, trid,
			string(pstatus), ph, pdisplay)
	}
}

func (e *Engine) handleADD(s *session.Session, cmd *protocol.Command) error {
	if !e.authenticated(s) {
		return e.sequenceError(s, cmd)
	}
	if len(cmd.Args) < 2 {
		return e.reject(s, cmd, protocol.CodeSyntaxError)
	}

	cat, ok := directory.ParseCategory(cmd.Arg(0))
	if !ok {
		return e.reject(s, cmd, protocol.CodeInvalidParameter)
	}

	target := cmd.Arg(1)
	display := cmd.Arg(2)
	if display == "" {
		display = target
	}

	handle := s.Handle()
	serial, err := e.contacts.AddContact(handle, target, cat, display)
	switch {
	case errors.Is(err, directory.ErrAlreadyExists):
		return e.reject(s, cmd, protocol.CodeAlreadyOnList)
	case err != nil:
		e.log.Error("contact add failed",
			zap.String("handle", handle), zap.Error(err))
		return e.reject(s, cmd, protocol.CodeInternalError)
	}

	if err := protocol.WriteCommand(s, protocol.ADD, cmd.TRID,
		string(cat), itoa64(serial), target, display); err != nil {
		return err
	}

	if cat == directory.Forward {
		_, status, own := s.Snapshot()
		if s.State() == session.Active && status != session.StatusHidden {
			e.router.PresenceTo(target, handle, status, own)
		}
	}
	return nil
}

func (e *Engine) handleREM(s *session.Session, cmd *protocol.Command) error {
	if !e.authenticated(s) {
		return e.sequenceError(s, cmd)
	}
	if len(cmd.Args) < 2 {
		return e.reject(s, cmd, protocol.CodeSyntaxError)
	}

	cat, ok := directory.ParseCategory(cmd.Arg(0))
	if !ok {
		return e.reject(s, cmd, protocol.CodeInvalidParameter)
	}

	target := cmd.Arg(1)
	handle := s.Handle()
	serial, err := e.contacts.RemoveContact(handle, target, cat)
	switch {
	case errors.Is(err, directory.ErrNotFound):
		return e.reject(s, cmd, protocol.CodeNotOnList)
	case err != nil:
		e.log.Error("contact remove failed",
			zap.String("handle", handle), zap.Error(err))
		return e.reject(s, cmd, protocol.CodeInternalError)
	}

	if err := protocol.WriteCommand(s, protocol.REM, cmd.TRID,
		string(cat), itoa64(serial), target); err != nil {
		return err
	}

	if cat == directory.Forward {
		e.router.DepartureTo(target, handle)
	}
	return nil
}

func (e *Engine) handleMSG(s *session.Session, cmd *protocol.Command) error {
	if s.State() != session.Active {
		return e.sequenceError(s, cmd)
	}
	if len(cmd.Args) < 2 {
		return e.reject(s, cmd, protocol.CodeSyntaxError)
	}

	handle, _, display := s.Snapshot()
	err := e.router.Deliver(handle, display, cmd.Arg(0), cmd.Payload)
	if errors.Is(err, ErrUnreachable) {
		return e.reject(s, cmd, protocol.CodeNotOnline)
	}
	if err != nil {
		return e.reject(s, cmd, protocol.CodeInternalError)
	}
	return protocol.WriteCommand(s, protocol.ACK, cmd.TRID)
}

func (e *Engine) handleCAL(s *session.Session, cmd *protocol.Command) error {
	if s.State() != session.Active {
		return e.sequenceError(s, cmd)
	}
	if len(cmd.Args) < 1 {
		return e.reject(s, cmd, protocol.CodeSyntaxError)
	}

	handle, _, display := s.Snapshot()
	sid := uuid.NewString()
	if err := e.router.Ring(cmd.Arg(0), sid, handle, display); err != nil {
		return e.reject(s, cmd, protocol.CodeNotOnline)
	}

	s.TrackExchange(sid, cmd.Arg(0))
	return protocol.WriteCommand(s, protocol.CAL, cmd.TRID, "RINGING", sid)
}

func (e *Engine) handleANS(s *session.Session, cmd *protocol.Command) error {
	if s.State() != session.Active {
		return e.sequenceError(s, cmd)
	}
	if len(cmd.Args) < 1 {
		return e.reject(s, cmd, protocol.CodeSyntaxError)
	}

	sid := cmd.Arg(0)
	caller, ok := s.Exchange(sid)
	if !ok {
		return e.reject(s, cmd, protocol.CodeInvalidParameter)
	}
	s.ForgetExchange(sid)

	if err := protocol.WriteCommand(s, protocol.ANS, cmd.TRID, "OK"); err != nil {
		return err
	}

	handle, _, display := s.Snapshot()
	if err := e.router.Join(caller, handle, display); err != nil {
		e.log.Debug("caller gone before answer",
			zap.String("caller", caller), zap.String("sid", sid))
	}
	return nil
}

func (e *Engine) handlePNG(s *session.Session, cmd *protocol.Command) error {
	if s.State() == session.Connected {
		return e.sequenceError(s, cmd)
	}
	seconds := int(e.pingInterval / time.Second)
	return protocol.WriteCommand(s, protocol.QNG, "", itoa(seconds))
}

// handleQNG ignores client-side pong echoes.
func (e *Engine) handleQNG(*session.Session, *protocol.Command) error {
	return nil
}

func (e *Engine) handleOUT(s *session.Session, cmd *protocol.Command) error {
	_ = protocol.WriteCommand(s, protocol.OUT, "")
	return ErrDisconnect
}

func (e *Engine) authenticated(s *session.Session) bool {
	switch s.State() {
	case session.Authenticated, session.Active:
		return true
	}
	return false
}

// sequenceError answers 715 for a verb sent in the wrong state.
// Persistent offenders are disconnected.
func (e *Engine) sequenceError(s *session.Session, cmd *protocol.Command) error {
	if err := protocol.WriteError(s, protocol.CodeNotExpected, cmd.TRID); err != nil {
		return err
	}
	if s.RecordViolation() > e.maxViolations {
		e.log.Info("too many sequence violations",
			zap.String("remote", s.RemoteAddr()))
		return ErrDisconnect
	}
	return nil
}

func (e *Engine) reject(s *session.Session, cmd *protocol.Command, code protocol.Code) error {
	return protocol.WriteError(s, code, cmd.TRID)
}
