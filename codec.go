package modhost

import (
	"encoding/json"
	"fmt"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/cloudevents/sdk-go/v2/event"
)

// Wire format: every distributed event travels as a CloudEvent. The event
// name maps to the CloudEvent type, the publishing node to the source
// (sourcePrefix + node id), and payload plus metadata to a JSON data
// envelope. Receivers use the source to drop their own messages.

const sourcePrefix = "modhost/"

type wirePayload struct {
	Payload       any            `json:"payload,omitempty"`
	Source        string         `json:"source,omitempty"`
	Target        string         `json:"target,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
	ReplyTo       string         `json:"replyTo,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// encodeWireEvent converts a bus event into its CloudEvents JSON encoding
// for the given publishing node.
func encodeWireEvent(nodeID string, e Event) ([]byte, error) {
	ce := cloudevents.NewEvent()
	ce.SetID(newID())
	ce.SetType(e.Name)
	ce.SetSource(sourcePrefix + nodeID)
	if e.CreatedAt.IsZero() {
		ce.SetTime(time.Now())
	} else {
		ce.SetTime(e.CreatedAt)
	}
	data := wirePayload{
		Payload:       e.Payload,
		Source:        e.Source,
		Target:        e.Target,
		CorrelationID: e.CorrelationID,
		ReplyTo:       e.ReplyTo,
		Metadata:      e.Metadata,
	}
	if err := ce.SetData(cloudevents.ApplicationJSON, data); err != nil {
		return nil, fmt.Errorf("encoding event data: %w", err)
	}
	raw, err := json.Marshal(ce)
	if err != nil {
		return nil, fmt.Errorf("marshaling cloudevent: %w", err)
	}
	return raw, nil
}

// decodeWireEvent parses a CloudEvents JSON encoding back into a bus
// event, returning the publishing node id alongside it.
func decodeWireEvent(raw []byte) (Event, string, error) {
	var ce event.Event
	if err := json.Unmarshal(raw, &ce); err != nil {
		return Event{}, "", fmt.Errorf("unmarshaling cloudevent: %w", err)
	}
	var data wirePayload
	if len(ce.Data()) > 0 {
		if err := json.Unmarshal(ce.Data(), &data); err != nil {
			return Event{}, "", fmt.Errorf("unmarshaling event data: %w", err)
		}
	}
	nodeID := ce.Source()
	if len(nodeID) > len(sourcePrefix) && nodeID[:len(sourcePrefix)] == sourcePrefix {
		nodeID = nodeID[len(sourcePrefix):]
	}
	e := Event{
		Name:          ce.Type(),
		Payload:       data.Payload,
		Source:        data.Source,
		Target:        data.Target,
		CorrelationID: data.CorrelationID,
		ReplyTo:       data.ReplyTo,
		CreatedAt:     ce.Time(),
		Metadata:      data.Metadata,
		Origin:        OriginRemote,
	}
	return e, nodeID, nil
}
