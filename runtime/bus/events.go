package bus

import (
	"github.com/google/uuid"

	"github.com/conectahub/conecta/runtime/hub"
)

// Topics for integration message events.
const (
	TopicInboundMessage  = "integration.message.inbound"
	TopicOutboundMessage = "integration.message.outbound"
)

type (
	// InboundMessage is published when the processor picks up an inbound
	// integration message.
	InboundMessage struct {
		MessageID         uuid.UUID
		OrganizationID    uuid.UUID
		Integration       hub.Integration
		EventType         string
		ExternalReference string
		Payload           map[string]any
	}

	// OutboundMessage is published when the processor picks up an
	// outbound integration message.
	OutboundMessage struct {
		MessageID         uuid.UUID
		OrganizationID    uuid.UUID
		Integration       hub.Integration
		EventType         string
		ExternalReference string
		Payload           map[string]any
	}
)

// EventID implements Event.
func (e *InboundMessage) EventID() string { return e.MessageID.String() }

// Topic implements Event.
func (e *InboundMessage) Topic() string { return TopicInboundMessage }

// EventID implements Event.
func (e *OutboundMessage) EventID() string { return e.MessageID.String() }

// Topic implements Event.
func (e *OutboundMessage) Topic() string { return TopicOutboundMessage }

// FromMessage builds the bus event for a stored message.
func FromMessage(m *hub.Message) Event {
	if m.Direction == hub.DirectionOutbound {
		return &OutboundMessage{
			MessageID:         m.ID,
			OrganizationID:    m.OrganizationID,
			Integration:       m.Integration,
			EventType:         m.EventType,
			ExternalReference: m.ExternalReference,
			Payload:           m.Payload,
		}
	}
	return &InboundMessage{
		MessageID:         m.ID,
		OrganizationID:    m.OrganizationID,
		Integration:       m.Integration,
		EventType:         m.EventType,
		ExternalReference: m.ExternalReference,
		Payload:           m.Payload,
	}
}
