package ipc

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Encoder writes frames to a queue. It is safe for concurrent use and stamps
// every frame with a monotonically increasing sequence number.
type Encoder struct {
	mu  sync.Mutex
	enc *json.Encoder
	seq uint64
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: json.NewEncoder(w)}
}

// Encode marshals payload and writes one frame of type typ.
func (e *Encoder) Encode(typ string, payload any) error {
	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		raw = p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", typ, err)
		}
		raw = b
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	if err := e.enc.Encode(Frame{Type: typ, Seq: e.seq, Payload: raw}); err != nil {
		return fmt.Errorf("write %s frame: %w", typ, err)
	}
	return nil
}

// Decoder reads frames from a queue. It is not safe for concurrent use.
type Decoder struct {
	dec *json.Decoder
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: json.NewDecoder(r)}
}

// Next returns the next frame, or io.EOF once the writer closed the queue.
func (d *Decoder) Next() (Frame, error) {
	var f Frame
	if err := d.dec.Decode(&f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Unmarshal decodes the payload of f into v.
func Unmarshal(f Frame, v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%s frame has no payload", f.Type)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Type, err)
	}
	return nil
}
