package message

import (
	"encoding/json"
	"fmt"
)

// wireMessage is the flat JSON shape shared by live messages and history
// entries. Which fields are meaningful depends on the type tag; Encode and
// decodeWire enforce the mapping to tagged payload variants.
type wireMessage struct {
	Type         string `json:"type"`
	Sender       string `json:"sender"`
	Receiver     string `json:"receiver"`
	Message      string `json:"message,omitempty"`
	FileName     string `json:"file_name,omitempty"`
	FileType     string `json:"file_type,omitempty"`
	FileSize     int64  `json:"file_size,omitempty"`
	FileURL      string `json:"file_url,omitempty"`
	Nonce        string `json:"nonce"`
	EphemeralKey string `json:"ephemeral_key"`
	CipherMode   string `json:"cipher_mode,omitempty"`
	Timestamp    int64  `json:"timestamp"`
	MessageID    string `json:"message_id"`
}

// controlFrame covers the non-message frames that share the transport.
type controlFrame struct {
	Type           string          `json:"type,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	RequestHistory bool            `json:"request_history,omitempty"`
	Messages       json.RawMessage `json:"messages,omitempty"`
}

// Control frame type tags.
const (
	ControlPing  = "ping"
	ControlPong  = "pong"
	ControlError = "error"
)

// Inbound is the tagged result of decoding one transport frame.
type Inbound interface {
	inbound()
}

// InboundEnvelope is a single live encrypted message.
type InboundEnvelope struct {
	Envelope Envelope
}

// InboundHistory is a batch of history messages.
type InboundHistory struct {
	Envelopes []Envelope
}

// InboundControl is a ping, pong, or error frame.
type InboundControl struct {
	Type   string
	Reason string
}

func (InboundEnvelope) inbound() {}
func (InboundHistory) inbound()  {}
func (InboundControl) inbound()  {}

// Encode serializes a validated envelope to its wire JSON form.
func Encode(e *Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	w := wireMessage{
		Type:         string(e.Payload.Kind()),
		Sender:       e.Sender,
		Receiver:     e.Receiver,
		Nonce:        e.Nonce,
		EphemeralKey: e.EphemeralKey,
		Timestamp:    e.Timestamp,
		MessageID:    e.MessageID,
	}
	if e.Mode == ModeGCM {
		w.CipherMode = string(ModeGCM)
	}

	switch p := e.Payload.(type) {
	case TextPayload:
		w.Message = p.Ciphertext
	case FilePayload:
		w.FileName = p.Name
		w.FileType = p.MIMEType
		w.FileSize = p.Size
		w.FileURL = p.URL
	default:
		return nil, fmt.Errorf("%w: unsupported payload %T", ErrInvalidEnvelope, e.Payload)
	}

	return json.Marshal(w)
}

// DecodeFrame classifies and decodes one inbound transport frame: a history
// batch, a single live message, or a control frame. Unparseable frames and
// envelopes failing validation are rejected, never partially delivered.
func DecodeFrame(data []byte) (Inbound, error) {
	var ctrl controlFrame
	if err := json.Unmarshal(data, &ctrl); err != nil {
		return nil, fmt.Errorf("%w: not a JSON frame: %v", ErrInvalidEnvelope, err)
	}

	if len(ctrl.Messages) > 0 {
		var wires []wireMessage
		if err := json.Unmarshal(ctrl.Messages, &wires); err != nil {
			return nil, fmt.Errorf("%w: malformed history batch: %v", ErrInvalidEnvelope, err)
		}
		batch := InboundHistory{Envelopes: make([]Envelope, 0, len(wires))}
		for _, w := range wires {
			env, err := decodeWire(w)
			if err != nil {
				return nil, err
			}
			batch.Envelopes = append(batch.Envelopes, *env)
		}
		return batch, nil
	}

	switch ctrl.Type {
	case ControlPing, ControlPong, ControlError:
		return InboundControl{Type: ctrl.Type, Reason: ctrl.Reason}, nil
	}

	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	env, err := decodeWire(w)
	if err != nil {
		return nil, err
	}
	return InboundEnvelope{Envelope: *env}, nil
}

// decodeWire converts the flat wire shape into a tagged envelope, running
// full validation.
func decodeWire(w wireMessage) (*Envelope, error) {
	kind := Kind(w.Type)
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, w.Type)
	}

	env := &Envelope{
		Sender:       w.Sender,
		Receiver:     w.Receiver,
		MessageID:    w.MessageID,
		Timestamp:    w.Timestamp,
		Nonce:        w.Nonce,
		EphemeralKey: w.EphemeralKey,
		Mode:         ModeCBC,
	}
	if w.CipherMode == string(ModeGCM) {
		env.Mode = ModeGCM
	}

	if kind == KindText {
		env.Payload = TextPayload{Ciphertext: w.Message}
	} else {
		env.Payload = FilePayload{
			FileKind: kind,
			Name:     w.FileName,
			MIMEType: w.FileType,
			Size:     w.FileSize,
			URL:      w.FileURL,
		}
	}

	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

// PingFrame returns the keepalive ping frame.
func PingFrame() []byte {
	return []byte(`{"type":"ping"}`)
}

// PongFrame returns the keepalive pong frame.
func PongFrame() []byte {
	return []byte(`{"type":"pong"}`)
}

// HistoryRequestFrame returns the backlog request frame.
func HistoryRequestFrame() []byte {
	return []byte(`{"request_history":true}`)
}
