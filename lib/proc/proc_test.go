package proc

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunSuccess(t *testing.T) {
	p := New("sh", []string{"-c", "exit 0"})
	require.NoError(t, p.Run())
	assert.Equal(t, 0, ActiveCount())
}

func TestRunExitError(t *testing.T) {
	p := New("sh", []string{"-c", "echo broken archive >&2; exit 3"})
	p.Stderr = Writer{p, io.Discard}
	err := p.Run()
	var ee *ExitError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, 3, ee.Code)
	assert.Equal(t, "broken archive", ee.Stderr)
	assert.Equal(t, 0, ActiveCount())
}

func TestTailKeepsEnd(t *testing.T) {
	var tl tail
	tl.Write([]byte(strings.Repeat("a", tailSize)))
	tl.Write([]byte("end"))
	s := tl.String()
	assert.Len(t, s, tailSize)
	assert.True(t, strings.HasSuffix(s, "end"))
}
