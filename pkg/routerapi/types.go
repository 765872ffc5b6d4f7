package routerapi

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind identifies the type of a framed message exchanged between the relay and a node.
type Kind string

const (
	KindRegister        Kind = "register"
	KindAck             Kind = "ack"
	KindForwardRequest  Kind = "forward-request"
	KindForwardResponse Kind = "forward-response"
	KindPing            Kind = "ping"
	KindPingAck         Kind = "ping-ack"
)

// ErrInvalidMessage is returned by Validate for messages that break the wire contract.
var ErrInvalidMessage = errors.New("invalid message")

// Message is the unit carried by one frame on a node connection.
type Message struct {
	Kind       Kind            `json:"kind"`
	ID         string          `json:"id,omitempty"`
	ExchangeID uint64          `json:"exchangeId,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// ForwardRequest is the payload of a forward-request message.
type ForwardRequest struct {
	Method   string              `json:"method"`
	Path     string              `json:"path"`
	RawQuery string              `json:"rawQuery,omitempty"`
	Header   map[string][]string `json:"header,omitempty"`
	Body     []byte              `json:"body,omitempty"`
}

// ForwardResponse is the payload of a forward-response message.
type ForwardResponse struct {
	Status int                 `json:"status"`
	Header map[string][]string `json:"header,omitempty"`
	Body   []byte              `json:"body,omitempty"`
}

// Validate checks the fields required by the message kind.
func (m *Message) Validate() error {
	switch m.Kind {
	case KindRegister:
		if m.ID == "" {
			return fmt.Errorf("%w: register without node id", ErrInvalidMessage)
		}
	case KindForwardRequest, KindForwardResponse:
		if m.ExchangeID == 0 {
			return fmt.Errorf("%w: %s without exchange id", ErrInvalidMessage, m.Kind)
		}
		if len(m.Payload) == 0 {
			return fmt.Errorf("%w: %s without payload", ErrInvalidMessage, m.Kind)
		}
	case KindAck, KindPing, KindPingAck:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, m.Kind)
	}
	return nil
}

// NewRegister builds the first message a node sends on a fresh connection.
func NewRegister(nodeID string) *Message {
	return &Message{Kind: KindRegister, ID: nodeID}
}

// NewForwardRequest wraps req into a forward-request message for the given exchange.
func NewForwardRequest(exchangeID uint64, req *ForwardRequest) (*Message, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal forward request: %w", err)
	}
	return &Message{Kind: KindForwardRequest, ExchangeID: exchangeID, Payload: payload}, nil
}

// NewForwardResponse wraps resp into a forward-response message for the given exchange.
func NewForwardResponse(exchangeID uint64, resp *ForwardResponse) (*Message, error) {
	payload, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal forward response: %w", err)
	}
	return &Message{Kind: KindForwardResponse, ExchangeID: exchangeID, Payload: payload}, nil
}

// ForwardRequest decodes the payload of a forward-request message.
func (m *Message) ForwardRequest() (*ForwardRequest, error) {
	if m.Kind != KindForwardRequest {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrInvalidMessage, KindForwardRequest, m.Kind)
	}
	var req ForwardRequest
	if err := json.Unmarshal(m.Payload, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return &req, nil
}

// ForwardResponse decodes the payload of a forward-response message.
func (m *Message) ForwardResponse() (*ForwardResponse, error) {
	if m.Kind != KindForwardResponse {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrInvalidMessage, KindForwardResponse, m.Kind)
	}
	var resp ForwardResponse
	if err := json.Unmarshal(m.Payload, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	// Informational statuses cannot carry a final reply.
	if resp.Status < 200 || resp.Status > 999 {
		return nil, fmt.Errorf("%w: status %d out of range", ErrInvalidMessage, resp.Status)
	}
	return &resp, nil
}
