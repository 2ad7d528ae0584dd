package connection

import (
	"encoding/json"
	"fmt"
	"time"
)

// messageBody is the end-to-end encrypted message content: the
// application payload plus sender metadata the relay never sees.
type messageBody struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	PushName  string `json:"push_name,omitempty"`
	Body      []byte `json:"body"`
}

func (m *messageBody) encode() ([]byte, error) {
	return json.Marshal(m)
}

func decodeMessageBody(data []byte) (*messageBody, error) {
	var m messageBody
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("malformed message body: %w", err)
	}
	return &m, nil
}

func (m *messageBody) time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// ackBody acknowledges receipt of a message. It travels channel-
// encrypted but outside the end-to-end envelope.
type ackBody struct {
	ID     string `json:"id"`
	From   string `json:"from"`
	Status string `json:"status"`
}

func (a *ackBody) encode() ([]byte, error) {
	return json.Marshal(a)
}

func decodeAckBody(data []byte) (*ackBody, error) {
	var a ackBody
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("malformed ack body: %w", err)
	}
	return &a, nil
}

// loginBody authenticates a paired device to the relay at the start of
// a connection.
type loginBody struct {
	Identity       string `json:"identity"`
	RegistrationID uint32 `json:"registration_id"`
}

func (l *loginBody) encode() ([]byte, error) {
	return json.Marshal(l)
}

func decodeLoginBody(data []byte) (*loginBody, error) {
	var l loginBody
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("malformed login body: %w", err)
	}
	return &l, nil
}
