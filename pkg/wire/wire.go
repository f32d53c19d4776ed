// Package wire defines the message protocol spoken between the host and a
// tool worker process over the worker's stdio pipes. Pipes are byte
// streams, so messages are self-framing: one JSON document per line.
package wire

import (
	"encoding/json"

	"github.com/spindleworks/spindle/pkg/toolspec"
)

// ProtocolVersion is bumped on incompatible changes to the message
// format. A worker announcing a different version is rejected during the
// ready handshake.
const ProtocolVersion = 1

// Handshake environment. A worker binary refuses to serve unless the
// cookie is present, so running it by hand prints an explanation instead
// of hanging on stdin waiting for frames.
const (
	CookieKey   = "SPINDLE_WORKER_COOKIE"
	CookieValue = "spindle-worker-protocol-v1"
)

// Kind discriminates wire messages
type Kind string

const (
	// KindReady is the worker's first message: handshake plus descriptor
	KindReady Kind = "ready"

	// KindCall is a host-to-worker invocation request
	KindCall Kind = "call"

	// KindResult is the worker's response to a call, matched by ID
	KindResult Kind = "result"

	// KindShutdown asks the worker to tear down and exit
	KindShutdown Kind = "shutdown"
)

// Message is the envelope for every frame. ID is the correlation id for
// call/result pairs; ready and shutdown leave it empty.
type Message struct {
	ID      string          `json:"id,omitempty"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ReadyPayload announces a live worker to the host. Descriptor lets
// workers registered by command (no shared Go definition on the host
// side) publish their own schema.
type ReadyPayload struct {
	Pid        int                  `json:"pid"`
	Protocol   int                  `json:"protocol"`
	Descriptor *toolspec.Descriptor `json:"descriptor,omitempty"`
}

// CallPayload carries one invocation request
type CallPayload struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`

	// DeadlineMillis is advisory: the host stops waiting on its own
	// deadline regardless, but a cooperative tool may use it to give up
	// early.
	DeadlineMillis int64 `json:"deadline_ms,omitempty"`
}

// CallError is a structured failure inside a ResultPayload
type CallError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ResultPayload carries one invocation outcome. Exactly one of Value and
// Error is meaningful.
type ResultPayload struct {
	Value json.RawMessage `json:"value,omitempty"`
	Error *CallError      `json:"error,omitempty"`
}

// NewMessage marshals a payload into an envelope
func NewMessage(id string, kind Kind, payload any) (Message, error) {
	msg := Message{ID: id, Kind: kind}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Message{}, err
		}
		msg.Payload = raw
	}
	return msg, nil
}
