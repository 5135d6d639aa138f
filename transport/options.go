package transport

import (
	"time"

	"go.uber.org/zap"

	"github.com/frostbite2000/MSN-Messenger-Server/engine"
)

type Options struct {
	// Host to listen on
	Host string

	// Port to listen on
	Port int

	// Reuseport controls setting SO_REUSEPORT, which lets several
	// listener goroutines share the same address.
	Reuseport bool

	// Trace will dump commands to the log. This is only useful in local
	// debugging.
	Trace bool

	NumListeners int

	// IdleTimeout disconnects clients that stay silent for longer than
	// this. Zero disables the deadline.
	IdleTimeout time.Duration

	Engine *engine.Engine

	Log *zap.Logger
}
