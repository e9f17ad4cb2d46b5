package gateway

import (
	"encoding/json"
	"fmt"

	"trading-riskengine/internal/model"
)

// Encode builds the {"type":...,"payload":...} wire envelope. The envelope
// is hand-assembled around the marshalled payload so the type appears
// first on the wire.
func Encode(ev model.Event) ([]byte, error) {
	payload := []byte("{}")
	if ev.Payload != nil {
		var err error
		payload, err = json.Marshal(ev.Payload)
		if err != nil {
			return nil, fmt.Errorf("gateway: encode %s payload: %w", ev.Type, err)
		}
	}
	typ, err := json.Marshal(string(ev.Type))
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, len(typ)+len(payload)+24)
	buf = append(buf, `{"type":`...)
	buf = append(buf, typ...)
	buf = append(buf, `,"payload":`...)
	buf = append(buf, payload...)
	buf = append(buf, '}')
	return buf, nil
}

// inbound is a client-to-server message.
type inbound struct {
	Type    model.EventType `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// PeekType reads the envelope type of an encoded event. Undecodable data
// yields "".
func PeekType(data []byte) model.EventType {
	var msg struct {
		Type model.EventType `json:"type"`
	}
	if json.Unmarshal(data, &msg) != nil {
		return ""
	}
	return msg.Type
}
