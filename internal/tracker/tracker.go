// Package tracker keeps the registries of server-initiated, client-facing
// interactions (dialogs and sounds) so they can be authorized, claimed and
// replayed to clients that reconnect.
package tracker

import (
	"errors"

	"github.com/rs/zerolog"

	"github.com/dungeon-net/dungeond/internal/protocol"
	"github.com/dungeon-net/dungeond/internal/session"
)

var (
	ErrDuplicate       = errors.New("already registered")
	ErrNotFound        = errors.New("not registered")
	ErrUnauthorized    = errors.New("client not authorized")
	ErrAlreadyClaimed  = errors.New("claimed by another client")
	ErrUnknownCallback = errors.New("unknown callback")
	ErrInvalid         = errors.New("invalid resource")
)

// Sender delivers messages to connected clients.
type Sender interface {
	SendTo(clientID uint16, msg protocol.Message, reliable bool) *session.Result
	Broadcast(msg protocol.Message, reliable bool) *session.Result
}

// Resolver maps a simulation entity to the client controlling it.
type Resolver interface {
	ClientForEntity(entity protocol.EntityID) (uint16, bool)
}

// audience is the fixed set of clients a resource targets. An unrestricted
// audience is open to every client.
type audience struct {
	restricted bool
	clients    map[uint16]struct{}
}

// resolveAudience maps targets to clients once. Targets that no client
// controls are dropped; an empty result is open to everyone.
func resolveAudience(resolver Resolver, targets []protocol.EntityID, logger zerolog.Logger) audience {
	a := audience{clients: make(map[uint16]struct{})}
	for _, entity := range targets {
		if resolver == nil {
			break
		}
		if id, ok := resolver.ClientForEntity(entity); ok {
			a.clients[id] = struct{}{}
		} else {
			logger.Debug().Int32("entity", int32(entity)).Msg("target entity has no client")
		}
	}
	a.restricted = len(a.clients) > 0
	return a
}

func (a audience) allows(clientID uint16) bool {
	if !a.restricted {
		return true
	}
	_, ok := a.clients[clientID]
	return ok
}

func (a audience) list() []uint16 {
	ids := make([]uint16, 0, len(a.clients))
	for id := range a.clients {
		ids = append(ids, id)
	}
	return ids
}

// deliver sends msg reliably to the audience, or to everyone when it is
// unrestricted.
func (a audience) deliver(sender Sender, msg protocol.Message) *session.Result {
	if sender == nil {
		return session.Resolved(errors.New("no sender configured"))
	}
	if !a.restricted {
		return sender.Broadcast(msg, true)
	}
	results := make([]*session.Result, 0, len(a.clients))
	for id := range a.clients {
		results = append(results, sender.SendTo(id, msg, true))
	}
	return session.All(results...)
}
