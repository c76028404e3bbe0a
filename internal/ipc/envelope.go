package ipc

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// SignatureAlgorithm is the only algorithm accepted on the wire.
const SignatureAlgorithm = "hmac-sha256"

// Header describes a message. It travels unsigned; the channel key
// binds a signature to its channel.
type Header struct {
	Channel            string `cbor:"channel"`
	CreatedAt          int64  `cbor:"created_at"` // unix milliseconds
	SignatureAlgorithm string `cbor:"sig_alg"`
	ID                 string `cbor:"id"`
	Seq                uint64 `cbor:"seq"`
}

// Envelope is the on-disk form of one message.
type Envelope struct {
	Header    Header `cbor:"header"`
	Payload   []byte `cbor:"payload"`
	Signature []byte `cbor:"signature"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("ipc: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("ipc: CBOR decoder initialization failed: " + err.Error())
	}
}

// MaxMessageSize bounds a single message file. Publish refuses larger
// envelopes and consumers stat the file before reading it.
const MaxMessageSize = 16 << 20

// Encode serializes the envelope.
func (e *Envelope) Encode() ([]byte, error) {
	return encMode.Marshal(e)
}

// DecodeEnvelope parses an envelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := decMode.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &e, nil
}

// CreatedTime returns the creation timestamp.
func (h Header) CreatedTime() time.Time {
	return time.UnixMilli(h.CreatedAt)
}
