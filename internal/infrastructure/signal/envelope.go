package signal

import (
	"encoding/json"
	"fmt"
)

// Envelope is the websocket frame shared by client and relay.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func encodeEnvelope(event string, payload any) ([]byte, error) {
	var data json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		data = p
	case []byte:
		data = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", event, err)
		}
		data = b
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}
