// ABOUTME: Tests for the length-prefixed CBOR frame protocol.
// ABOUTME: Exercises framing over a pipe, oversize rejection, and error frame mapping.

package wire

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/courier/internal/errcode"
)

func TestFrameOverPipe(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	sent := NewRoute("alpha", "beta", "hello there")

	errCh := make(chan error, 1)
	go func() { errCh <- WriteFrame(client, sent) }()

	got, err := ReadFrame(server)
	require.NoError(t, err)
	require.NoError(t, <-errCh)

	assert.Equal(t, TypeRoute, got.Type)
	assert.Equal(t, "alpha", got.From)
	assert.Equal(t, "beta", got.To)
	assert.Equal(t, "hello there", got.Payload)
	assert.Equal(t, sent.ID, got.ID)
	assert.False(t, got.Timestamp.IsZero())
}

func TestFrameOrdering(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		for i := 0; i < 5; i++ {
			_ = WriteFrame(client, &Frame{Type: TypePing, ID: string(rune('a' + i))})
		}
	}()

	for i := 0; i < 5; i++ {
		got, err := ReadFrame(server)
		require.NoError(t, err)
		assert.Equal(t, string(rune('a'+i)), got.ID)
	}
}

func TestOversizeFrameRejectedOnWrite(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	f := NewRoute("alpha", "beta", strings.Repeat("x", MaxFrameSize+1))
	err := WriteFrame(client, f)
	require.Error(t, err)
	assert.Equal(t, errcode.MessageTooLarge, errcode.CodeOf(err))
}

func TestOversizeFrameRejectedOnRead(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	// Hand-write a header claiming an absurd body size; the reader must
	// bail out before attempting the body.
	go func() {
		_, _ = client.Write([]byte{0xff, 0xff, 0xff, 0xff})
	}()

	_, err := ReadFrame(server)
	require.Error(t, err)
	assert.Equal(t, errcode.MessageTooLarge, errcode.CodeOf(err))
}

func TestErrorFrameRoundTrip(t *testing.T) {
	orig := errcode.New(errcode.RecipientDisconnected, "beta has no live connection").
		With("identity", "beta")
	f := NewError(orig)

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() { _ = WriteFrame(client, f) }()
	got, err := ReadFrame(server)
	require.NoError(t, err)

	gotErr := got.Err()
	require.Error(t, gotErr)
	assert.Equal(t, errcode.RecipientDisconnected, errcode.CodeOf(gotErr))
	assert.Equal(t, "beta", errcode.As(gotErr).Details["identity"])
}

func TestErrOnNonErrorFrame(t *testing.T) {
	assert.Nil(t, (&Frame{Type: TypeAck}).Err())
}

func TestReadFrameTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	start := time.Now()
	_, err := ReadFrameTimeout(server, 50*time.Millisecond)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)

	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
}
