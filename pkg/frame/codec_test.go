package frame_test

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a-essam23/stompd/pkg/frame"
)

func feedByByte(d *frame.Decoder, p []byte) []string {
	var out []string
	for _, b := range p {
		if msg, ok := d.DecodeNextByte(b); ok {
			out = append(out, msg)
		}
	}
	return out
}

func TestCodec_RoundTrip(t *testing.T) {
	t.Parallel()

	texts := []string{
		"CONNECT\naccept-version:1.2\nlogin:bob\npasscode:pw\n\n",
		"SEND\ndestination:/a\n\nline one\nline two\n\nline four",
		"MESSAGE\n\nünïcödé ✓",
		"",
	}
	for _, text := range texts {
		d := frame.NewDecoder()
		got := feedByByte(d, frame.Encode(text))
		require.Len(t, got, 1)
		assert.Equal(t, text, got[0])
		assert.Zero(t, d.Buffered())
	}
}

func TestCodec_NoFrameBeforeTerminator(t *testing.T) {
	t.Parallel()

	d := frame.NewDecoder()
	for _, b := range []byte("SEND\n\nbody") {
		msg, ok := d.DecodeNextByte(b)
		assert.False(t, ok)
		assert.Empty(t, msg)
	}
	assert.Equal(t, len("SEND\n\nbody"), d.Buffered())
}

func TestCodec_EmptyFrame(t *testing.T) {
	t.Parallel()

	d := frame.NewDecoder()
	msg, ok := d.DecodeNextByte(frame.Terminator)
	assert.True(t, ok)
	assert.Empty(t, msg)

	_, err := frame.Parse(msg)
	assert.ErrorIs(t, err, frame.ErrEmptyFrame)
}

func TestCodec_FragmentationInvariance(t *testing.T) {
	t.Parallel()

	texts := []string{
		"SUBSCRIBE\ndestination:/chat\nid:1\n\n",
		"SEND\ndestination:/chat\n\nhello\n",
		"",
		"DISCONNECT\nreceipt:77\n\n",
		strings.Repeat("x", 5000),
	}
	var stream []byte
	for _, text := range texts {
		stream = append(stream, frame.Encode(text)...)
	}

	want := feedByByte(frame.NewDecoder(), stream)
	require.Equal(t, texts, want)

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 50; trial++ {
		d := frame.NewDecoder()
		var got []string
		for rest := stream; len(rest) > 0; {
			n := 1 + rng.Intn(64)
			if n > len(rest) {
				n = len(rest)
			}
			got = append(got, d.Decode(rest[:n])...)
			rest = rest[n:]
		}
		assert.Equal(t, want, got, "trial %d", trial)
	}
}

func TestEncodeFrame(t *testing.T) {
	t.Parallel()

	f := frame.New(frame.Connected, "", "version", "1.2")
	assert.Equal(t, []byte("CONNECTED\nversion:1.2\n\n\x00"), frame.EncodeFrame(f))
}
