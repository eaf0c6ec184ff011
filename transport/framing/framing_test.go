package framing

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScannerReadsFrames(t *testing.T) {
	sc := NewScanner(strings.NewReader("{\"a\":1}\n{\"b\":2}\n"))

	first, err := sc.Next()
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(first))

	second, err := sc.Next()
	require.NoError(t, err)
	assert.Equal(t, `{"b":2}`, string(second))

	_, err = sc.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestScannerOversizeFrameTerminates(t *testing.T) {
	huge := strings.Repeat("a", DefaultMaxFrameSize+10)
	sc := NewScannerSize(strings.NewReader(huge+"\n"), 16)

	_, err := sc.Next()
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	_, err = sc.Next()
	assert.ErrorIs(t, err, ErrFrameTooLarge, "scanner must stay failed once oversize is hit")
}

func TestFrameAddsNewline(t *testing.T) {
	out := Frame([]byte(`{"a":1}`))
	assert.True(t, bytes.HasSuffix(out, []byte{'\n'}))
	assert.Equal(t, "{\"a\":1}\n", string(out))
}

func TestFrameDoesNotDoubleNewline(t *testing.T) {
	out := Frame([]byte("{\"a\":1}\n"))
	assert.Equal(t, "{\"a\":1}\n", string(out))
}
