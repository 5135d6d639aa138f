package engine

import (
	"errors"
	"strconv"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/frostbite2000/MSN-Messenger-Server/directory"
	"github.com/frostbite2000/MSN-Messenger-Server/protocol"
	"github.com/frostbite2000/MSN-Messenger-Server/session"
)

// ErrUnreachable is returned when the recipient has no active session.
var ErrUnreachable = errors.New("engine: recipient not online")

// Router resolves recipient handles against the session registry and
// forwards messages, invitations and presence notifications. Delivery
// is best effort: a full or closed receive queue counts as
// unreachable.
type Router struct {
	registry *session.Registry
	log      *zap.Logger
}

func NewRouter(registry *session.Registry, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{registry: registry, log: log}
}

func (r *Router) active(handle string) (*session.Session, bool) {
	s, ok := r.registry.Lookup(handle)
	if !ok || s.State() != session.Active {
		return nil, false
	}
	return s, true
}

// Deliver relays a chat message to the recipient's session. The
// payload is forwarded byte for byte.
func (r *Router) Deliver(sender, display, recipient string, payload []byte) error {
	target, ok := r.active(recipient)
	if !ok {
		return ErrUnreachable
	}
	if err := protocol.WritePayload(target, protocol.MSG, "",
		[]string{sender, display}, payload); err != nil {
		return ErrUnreachable
	}
	r.log.Debug("message relayed",
		zap.String("from", sender),
		zap.String("to", recipient),
		zap.Int("bytes", len(payload)))
	return nil
}

// Ring invites a contact into an exchange. The exchange id is tracked
// on the callee so a later ANS can find its way back to the caller.
func (r *Router) Ring(recipient, sid, caller, display string) error {
	target, ok := r.active(recipient)
	if !ok {
		return ErrUnreachable
	}
	if err := protocol.WriteCommand(target, protocol.RNG,
		"", sid, caller, display); err != nil {
		return ErrUnreachable
	}
	target.TrackExchange(sid, caller)
	return nil
}

// Join tells the caller that the invited contact accepted.
func (r *Router) Join(caller, answerer, display string) error {
	target, ok := r.active(caller)
	if !ok {
		return ErrUnreachable
	}
	return protocol.WriteCommand(target, protocol.JOI, "", answerer, display)
}

// PresenceTo sends a single online notification, used when a contact
// is added while its owner is already online.
func (r *Router) PresenceTo(recipient, handle string, status session.Status, display string) {
	target, ok := r.active(recipient)
	if !ok {
		return
	}
	_ = protocol.WriteCommand(target, protocol.NLN,
		"", string(status), handle, display)
}

// DepartureTo sends a single offline notification, used when a contact
// is removed from the forward list.
func (r *Router) DepartureTo(recipient, handle string) {
	target, ok := r.active(recipient)
	if !ok {
		return
	}
	_ = protocol.WriteCommand(target, protocol.FLN, "", handle)
}

// BroadcastPresence notifies every online forward-list contact of a
// status change. Individual delivery failures are aggregated, never
// fatal for the sender.
func (r *Router) BroadcastPresence(handle string, status session.Status, display string, contacts []directory.Contact) error {
	if status == session.StatusHidden {
		return r.BroadcastDeparture(handle, contacts)
	}

	var errs error
	for _, c := range contacts {
		target, ok := r.active(c.Handle)
		if !ok {
			continue
		}
		if err := protocol.WriteCommand(target, protocol.NLN,
			"", string(status), handle, display); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// BroadcastDeparture notifies every online forward-list contact that
// the user went offline.
func (r *Router) BroadcastDeparture(handle string, contacts []directory.Contact) error {
	var errs error
	for _, c := range contacts {
		target, ok := r.active(c.Handle)
		if !ok {
			continue
		}
		if err := protocol.WriteCommand(target, protocol.FLN,
			"", handle); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

func itoa64(n int64) string {
	return strconv.FormatInt(n, 10)
}
