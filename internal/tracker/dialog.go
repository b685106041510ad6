package tracker

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sasha-s/go-deadlock"

	"github.com/dungeon-net/dungeond/internal/events"
	"github.com/dungeon-net/dungeond/internal/protocol"
	"github.com/dungeon-net/dungeond/internal/session"
)

// CallbackOnClose is the callback key clients send when they close a
// dialog. Running it also closes the dialog for every target.
const CallbackOnClose = "onClose"

// DialogCallback handles a client's response to a dialog.
type DialogCallback func(clientID uint16, payload string)

// Dialog describes a server dialog shown to one or more clients.
type Dialog struct {
	ID        string
	Type      string
	Title     string
	Text      string
	Buttons   []string
	Owner     protocol.EntityID
	Targets   []protocol.EntityID
	Callbacks map[string]DialogCallback
}

type dialogEntry struct {
	dialog    Dialog
	audience  audience
	claimedBy uint16
	claimed   bool
}

// DialogInfo is a read-only view for status reporting.
type DialogInfo struct {
	ID         string   `json:"id"`
	Type       string   `json:"type"`
	Owner      int32    `json:"owner_entity"`
	Open       bool     `json:"open_to_all"`
	Authorized []uint16 `json:"authorized_clients"`
	ClaimedBy  *uint16  `json:"claimed_by,omitempty"`
}

// DialogTracker is the registry of open dialogs. A single registry-wide
// lock serializes every operation, which makes claims first-responder-wins.
type DialogTracker struct {
	mu       deadlock.Mutex
	dialogs  map[string]*dialogEntry
	byClient map[uint16]map[string]struct{}

	sender   Sender
	resolver Resolver
	bus      *events.Bus
	logger   zerolog.Logger
}

// NewDialogTracker creates an empty registry. bus may be nil.
func NewDialogTracker(sender Sender, resolver Resolver, bus *events.Bus) *DialogTracker {
	return &DialogTracker{
		dialogs:  make(map[string]*dialogEntry),
		byClient: make(map[uint16]map[string]struct{}),
		sender:   sender,
		resolver: resolver,
		bus:      bus,
		logger:   log.With().Str("component", "dialog_tracker").Logger(),
	}
}

// Register tracks d. The authorized client set is computed from d.Targets
// now and never changes afterwards.
func (t *DialogTracker) Register(d Dialog) error {
	if d.ID == "" {
		return fmt.Errorf("%w: dialog id must not be empty", ErrInvalid)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.dialogs[d.ID]; exists {
		return fmt.Errorf("dialog %q: %w", d.ID, ErrDuplicate)
	}

	entry := &dialogEntry{dialog: d, audience: resolveAudience(t.resolver, d.Targets, t.logger)}
	t.dialogs[d.ID] = entry
	for id := range entry.audience.clients {
		set, ok := t.byClient[id]
		if !ok {
			set = make(map[string]struct{})
			t.byClient[id] = set
		}
		set[d.ID] = struct{}{}
	}

	t.logger.Debug().
		Str("dialog", d.ID).
		Int("clients", len(entry.audience.clients)).
		Bool("open", !entry.audience.restricted).
		Int32("owner", int32(d.Owner)).
		Msg("registered dialog")
	return nil
}

// Show registers d and sends it reliably to its audience.
func (t *DialogTracker) Show(d Dialog) (*session.Result, error) {
	if err := t.Register(d); err != nil {
		return nil, err
	}

	t.mu.Lock()
	entry := t.dialogs[d.ID]
	aud := entry.audience
	t.mu.Unlock()

	t.emit(events.DialogOpened, events.ResourcePayload{ID: d.ID, Clients: aud.list(), Name: d.Type})
	return aud.deliver(t.sender, showMessage(d, false)), nil
}

func showMessage(d Dialog, resync bool) protocol.DialogShow {
	return protocol.DialogShow{
		DialogID: d.ID,
		Type:     d.Type,
		Title:    d.Title,
		Text:     d.Text,
		Buttons:  d.Buttons,
		EntityID: d.Owner,
		Resync:   resync,
	}
}

// CanRespond reports whether clientID may answer dialog id.
func (t *DialogTracker) CanRespond(id string, clientID uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.dialogs[id]
	return ok && entry.audience.allows(clientID)
}

// TryClaim gives clientID exclusive ownership of dialog id. The first
// authorized caller wins; the winner may claim again, everyone else fails.
func (t *DialogTracker) TryClaim(id string, clientID uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.dialogs[id]
	if !ok || !entry.audience.allows(clientID) {
		return false
	}
	if entry.claimed {
		return entry.claimedBy == clientID
	}
	entry.claimed, entry.claimedBy = true, clientID
	t.emit(events.DialogClaimed, events.ResourcePayload{ID: id, ClientID: clientID})
	return true
}

// Callback looks up a response callback. The CallbackOnClose callback is
// always available and closes the dialog after running the registered one.
func (t *DialogTracker) Callback(id, key string) (DialogCallback, bool) {
	t.mu.Lock()
	entry, ok := t.dialogs[id]
	var cb DialogCallback
	if ok {
		cb = entry.dialog.Callbacks[key]
	}
	t.mu.Unlock()

	if !ok {
		return nil, false
	}
	if key == CallbackOnClose {
		return func(clientID uint16, payload string) {
			defer t.Close(id, true)
			if cb != nil {
				cb(clientID, payload)
			}
		}, true
	}
	return cb, cb != nil
}

// EntityID returns the owner entity of dialog id, or protocol.NoEntity.
func (t *DialogTracker) EntityID(id string) protocol.EntityID {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.dialogs[id]; ok {
		return entry.dialog.Owner
	}
	return protocol.NoEntity
}

// Close stops tracking dialog id and, if notify is set, tells its audience
// to close it. Closing an unknown id is a no-op that returns false.
func (t *DialogTracker) Close(id string, notify bool) bool {
	t.mu.Lock()
	entry, ok := t.dialogs[id]
	if ok {
		t.removeLocked(id, entry)
	}
	t.mu.Unlock()

	if !ok {
		t.logger.Debug().Str("dialog", id).Msg("close of unknown dialog ignored")
		return false
	}

	if notify {
		entry.audience.deliver(t.sender, protocol.DialogClose{DialogID: id})
	}
	t.emit(events.DialogClosed, events.ResourcePayload{ID: id})
	t.logger.Debug().Str("dialog", id).Bool("notify", notify).Msg("closed dialog")
	return true
}

func (t *DialogTracker) removeLocked(id string, entry *dialogEntry) {
	delete(t.dialogs, id)
	for clientID := range entry.audience.clients {
		if set, ok := t.byClient[clientID]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(t.byClient, clientID)
			}
		}
	}
}

// ResyncToClient replays every open dialog that targets clientID, including
// dialogs open to everyone. It returns the number of dialogs sent.
func (t *DialogTracker) ResyncToClient(clientID uint16) int {
	t.mu.Lock()
	var pending []Dialog
	for id := range t.byClient[clientID] {
		if entry, ok := t.dialogs[id]; ok {
			pending = append(pending, entry.dialog)
		}
	}
	for _, entry := range t.dialogs {
		if !entry.audience.restricted {
			pending = append(pending, entry.dialog)
		}
	}
	t.mu.Unlock()

	for _, d := range pending {
		if t.sender != nil {
			t.sender.SendTo(clientID, showMessage(d, true), true)
		}
	}
	if len(pending) > 0 {
		t.logger.Debug().Uint16("client", clientID).Int("dialogs", len(pending)).Msg("resynced dialogs")
	}
	return len(pending)
}

// HandleResponse authorizes, claims and dispatches a client response.
func (t *DialogTracker) HandleResponse(clientID uint16, resp protocol.DialogResponse) error {
	if !t.exists(resp.DialogID) {
		return fmt.Errorf("dialog %q: %w", resp.DialogID, ErrNotFound)
	}
	if !t.CanRespond(resp.DialogID, clientID) {
		return fmt.Errorf("dialog %q client %d: %w", resp.DialogID, clientID, ErrUnauthorized)
	}
	if !t.TryClaim(resp.DialogID, clientID) {
		return fmt.Errorf("dialog %q client %d: %w", resp.DialogID, clientID, ErrAlreadyClaimed)
	}

	cb, ok := t.Callback(resp.DialogID, resp.Callback)
	if !ok {
		return fmt.Errorf("dialog %q callback %q: %w", resp.DialogID, resp.Callback, ErrUnknownCallback)
	}
	cb(clientID, resp.Payload)
	return nil
}

func (t *DialogTracker) exists(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.dialogs[id]
	return ok
}

// Clear drops every dialog without notifying clients.
func (t *DialogTracker) Clear() {
	t.mu.Lock()
	n := len(t.dialogs)
	t.dialogs = make(map[string]*dialogEntry)
	t.byClient = make(map[uint16]map[string]struct{})
	t.mu.Unlock()

	t.logger.Debug().Int("dialogs", n).Msg("cleared dialogs")
}

// List returns a view of every open dialog.
func (t *DialogTracker) List() []DialogInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]DialogInfo, 0, len(t.dialogs))
	for id, entry := range t.dialogs {
		info := DialogInfo{
			ID:         id,
			Type:       entry.dialog.Type,
			Owner:      int32(entry.dialog.Owner),
			Open:       !entry.audience.restricted,
			Authorized: entry.audience.list(),
		}
		if entry.claimed {
			claimedBy := entry.claimedBy
			info.ClaimedBy = &claimedBy
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *DialogTracker) emit(eventType events.Type, payload events.ResourcePayload) {
	if t.bus == nil {
		return
	}
	t.bus.Emit(context.Background(), events.Event{Type: eventType, Source: "dialog_tracker", Payload: payload})
}
