package diag

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReporterCheckpoint(t *testing.T) {
	var out bytes.Buffer
	r := New(&out)

	r.Warnf(SymbolConflict, "a.o", "size of symbol `%s' changed from %d to %d", "x", 4, 8)
	assert.NoError(t, r.Checkpoint("after merge"))

	r.Errorf(UnresolvedSymbol, "b.o", "undefined reference to `%s'", "baz")
	r.Errorf(UnresolvedVersion, "", "foo: undefined version: V1")
	err := r.Checkpoint("after merge")
	require.Error(t, err)

	var derr *Error
	require.True(t, errors.As(err, &derr))
	assert.Len(t, derr.Diags, 2)
	assert.True(t, errors.Is(err, UnresolvedSymbol))
	assert.True(t, errors.Is(err, UnresolvedVersion))
	assert.False(t, errors.Is(err, MalformedInput))

	// pending list is drained
	assert.NoError(t, r.Checkpoint("after relocation"))
	assert.Equal(t, 1, r.Count(SymbolConflict))
	assert.Len(t, r.Diagnostics(), 3)

	assert.Contains(t, out.String(), "warning: a.o: size of symbol `x' changed from 4 to 8")
	assert.Contains(t, out.String(), "error: b.o: undefined reference to `baz'")
}

func TestZeroReporter(t *testing.T) {
	var r Reporter
	r.Errorf(ResourceExhaustion, "", "out of memory")
	assert.ErrorIs(t, r.Checkpoint("x"), ResourceExhaustion)
}
