package router

import (
	"time"

	"github.com/agent-relay/relayd/internal/protocol"
)

// Observer receives the router's state-change events. Implementations must
// not block; callbacks run on routing goroutines.
type Observer interface {
	AgentConnected(name string, entity protocol.EntityKind)
	AgentDisconnected(name string)
	ProcessingChanged(name string, processing bool, since time.Time)
	MessageRouted(from, to string, envType protocol.Type)
	MessageDropped(from, to, reason string)
	StorageError(op string, err error)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) AgentConnected(string, protocol.EntityKind)  {}
func (NopObserver) AgentDisconnected(string)                    {}
func (NopObserver) ProcessingChanged(string, bool, time.Time)   {}
func (NopObserver) MessageRouted(string, string, protocol.Type) {}
func (NopObserver) MessageDropped(string, string, string)       {}
func (NopObserver) StorageError(string, error)                  {}
