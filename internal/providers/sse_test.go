package providers

import (
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectPayloads(t *testing.T, r io.Reader) []string {
	t.Helper()

	scanner := newSSEScanner(r)
	var payloads []string
	for {
		payload, ok, err := scanner.next()
		require.NoError(t, err)
		if !ok {
			return payloads
		}
		payloads = append(payloads, payload)
	}
}

func TestSSEScanner_BasicFraming(t *testing.T) {
	stream := "data: {\"a\":1}\n\n" +
		"event: message_delta\n" +
		"data: {\"b\":2}\n\n" +
		": keepalive comment\n" +
		"data: [DONE]\n\n" +
		"data: {\"never\":true}\n"

	payloads := collectPayloads(t, strings.NewReader(stream))
	assert.Equal(t, []string{`{"a":1}`, `{"b":2}`}, payloads)
}

func TestSSEScanner_ChunkBoundaryInvariance(t *testing.T) {
	stream := "data: {\"text\":\"Hello\"}\n" +
		"data: {\"text\":\", world\"}\n" +
		"data: [DONE]\n"

	whole := collectPayloads(t, strings.NewReader(stream))

	// The same stream delivered one byte at a time must produce the exact
	// same payload sequence.
	byteAtATime := collectPayloads(t, iotest.OneByteReader(strings.NewReader(stream)))

	assert.Equal(t, whole, byteAtATime)
	assert.Len(t, whole, 2)
}

func TestSSEScanner_TrailingLineWithoutNewline(t *testing.T) {
	payloads := collectPayloads(t, strings.NewReader(`data: {"last":true}`))
	assert.Equal(t, []string{`{"last":true}`}, payloads)
}

func TestSSEScanner_EmptyStream(t *testing.T) {
	assert.Empty(t, collectPayloads(t, strings.NewReader("")))
	assert.Empty(t, collectPayloads(t, strings.NewReader("\n\n\n")))
}

func TestSSEScanner_ReadErrorIsTerminal(t *testing.T) {
	readErr := errors.New("connection reset")
	r := io.MultiReader(strings.NewReader("data: {\"a\":1}\n"), iotest.ErrReader(readErr))

	scanner := newSSEScanner(r)

	payload, ok, err := scanner.next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"a":1}`, payload)

	_, ok, err = scanner.next()
	assert.False(t, ok)
	assert.ErrorIs(t, err, readErr)

	// Subsequent calls stay terminal.
	_, ok, err = scanner.next()
	assert.False(t, ok)
	assert.NoError(t, err)
}

func TestSSEScanner_StopsAtDoneSentinel(t *testing.T) {
	scanner := newSSEScanner(strings.NewReader("data: [DONE]\ndata: {\"late\":1}\n"))

	_, ok, err := scanner.next()
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = scanner.next()
	require.NoError(t, err)
	assert.False(t, ok)
}
