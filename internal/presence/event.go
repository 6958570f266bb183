package presence

import (
	"encoding/json"
	"time"
)

// The live transport speaks a closed set of events. Anything outside this
// enumeration is dropped by the read pump.
const (
	// inbound
	EventJoin           = "join"
	EventStartAnonymous = "startAnonymous"
	EventStopAnonymous  = "stopAnonymous"
	EventRelayAnonymous = "relayAnonymous"

	// outbound
	EventMessageReceived  = "messageReceived"
	EventAnonymousMatched = "anonymousMatched"
	EventAnonymousMessage = "anonymousMessageReceived"
	EventPartnerLeft      = "anonymousPartnerLeft"
)

// Envelope frames every event in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type JoinPayload struct {
	UserID int `json:"userId"`
}

type RelayPayload struct {
	RoomID  string `json:"roomId"`
	Content string `json:"content"`
}

type MatchedPayload struct {
	RoomID      string `json:"roomId"`
	IsInitiator bool   `json:"isInitiator"`
}

type AnonymousMessagePayload struct {
	Content     string    `json:"content"`
	SenderLabel string    `json:"senderLabel"`
	CreatedAt   time.Time `json:"createdAt"`
}

type PartnerLeftPayload struct {
	RoomID string `json:"roomId"`
}

func encodeEvent(event string, payload interface{}) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		data = raw
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}
