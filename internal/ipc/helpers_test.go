package ipc

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeForged(t *testing.T, b *Bus, channel, name string) {
	t.Helper()
	env := Envelope{
		Header:    Header{Channel: channel, SignatureAlgorithm: SignatureAlgorithm, ID: "forged-id"},
		Payload:   []byte(`{"type":"result","chat_id":"c","text":"pwned"}`),
		Signature: make([]byte, 32),
	}
	data, err := env.Encode()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(pendingPath(b, channel, name), data, 0o644))
}
