package device

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"strandcam/internal/store"
)

// maxFrame bounds a single message on the serial link.
const maxFrame = 64 * 1024

// Message kinds exchanged with the device.
const (
	KindTimerRequest  = "timer_request"
	KindTimerResponse = "timer_response"
	KindDeviceState   = "device_state"
)

// Envelope is the framed unit on the wire: a 4 byte big-endian length
// followed by a msgpack map.
type Envelope struct {
	Kind    string             `msgpack:"kind"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// TimerRequest asks the device to reply with its clock.
type TimerRequest struct {
	Seq uint32 `msgpack:"seq"`
}

// TimerResponse is the device clock reply.
type TimerResponse struct {
	Seq   uint32 `msgpack:"seq"`
	Ticks uint64 `msgpack:"ticks"`
}

// WriteMessage frames v as kind and writes it to w.
func WriteMessage(w io.Writer, kind string, v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	body, err := msgpack.Marshal(&Envelope{Kind: kind, Payload: payload})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write %s: %w", kind, err)
	}
	return nil
}

// ReadMessage reads one framed envelope.
func ReadMessage(r io.Reader) (*Envelope, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lengthBuf[:])
	if n > maxFrame {
		return nil, fmt.Errorf("message of %d bytes exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	var env Envelope
	if err := msgpack.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}

// DecodeState decodes a device_state payload.
func (e *Envelope) DecodeState() (store.DeviceState, error) {
	var s store.DeviceState
	err := msgpack.Unmarshal(e.Payload, &s)
	return s, err
}

// DecodeTimer decodes a timer_response payload.
func (e *Envelope) DecodeTimer() (TimerResponse, error) {
	var t TimerResponse
	err := msgpack.Unmarshal(e.Payload, &t)
	return t, err
}
