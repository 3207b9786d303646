package realtime

import (
	"github.com/tradeweave/escrowd/internal/escrow"
	"github.com/tradeweave/escrowd/internal/multisig"
)

// Bridge adapts service-side notifier interfaces onto the hub. The
// services stay unaware of WebSockets; they just emit named events.
type Bridge struct {
	hub *Hub
}

// NewBridge wraps a hub for use as a service notifier.
func NewBridge(hub *Hub) *Bridge {
	return &Bridge{hub: hub}
}

// EscrowEvent implements escrow.Notifier.
func (b *Bridge) EscrowEvent(event string, esc *escrow.Escrow) {
	eventType := EventEscrowStatus
	if event == "expiry_warning" {
		eventType = EventExpiryWarning
	}
	b.hub.Publish(eventType, esc.ID, map[string]interface{}{
		"event":     event,
		"status":    esc.Status,
		"amount":    esc.Amount,
		"expiresAt": esc.ExpiresAt,
	})
}

// HandshakeEvent implements multisig.Notifier.
func (b *Bridge) HandshakeEvent(event string, sess *multisig.Session) {
	states := make(map[string]string, len(sess.Participants))
	for role, p := range sess.Participants {
		states[string(role)] = string(p.State)
	}
	b.hub.Publish(EventHandshake, sess.EscrowID, map[string]interface{}{
		"event":        event,
		"state":        sess.State,
		"participants": states,
		"failReason":   sess.FailReason,
	})
}

// DisputeEvent implements airgap.Notifier.
func (b *Bridge) DisputeEvent(event string, escrowID string) {
	eventType := EventDisputeExported
	if event == "decision_imported" {
		eventType = EventDecisionApplied
	}
	b.hub.Publish(eventType, escrowID, map[string]interface{}{"event": event})
}
