package link

import (
	"bytes"
	"debug/elf"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ii64/elflink/conf"
	"github.com/ii64/elflink/lib/diag"
	"github.com/ii64/elflink/lib/obj/objtest"
)

func writeObject(t *testing.T, dir, name string, b *objtest.Builder) string {
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, b.Bytes(), 0o644))
	return path
}

func TestReadInputsReportsBadFiles(t *testing.T) {
	dir := t.TempDir()
	junk := filepath.Join(dir, "junk.o")
	require.NoError(t, os.WriteFile(junk, []byte("not an object"), 0o644))

	rep := diag.New(nil)
	objs := ReadInputs(rep, []string{junk, filepath.Join(dir, "missing.o")})
	assert.Empty(t, objs)
	err := rep.Checkpoint("read inputs")
	require.Error(t, err)
	assert.True(t, errors.Is(err, diag.MalformedInput))
}

func TestLink(t *testing.T) {
	dir := t.TempDir()
	b := objtest.New(elf.ELFCLASS64, elf.EM_X86_64)
	text := b.Text(".text", []byte{0xe8, 0, 0, 0, 0, 0xc3})
	b.Global("_start", text, 0, 6, elf.STB_GLOBAL, elf.STT_FUNC)
	exit := b.Global("exit_", text, 5, 1, elf.STB_GLOBAL, elf.STT_FUNC)
	b.Reloc(text, 1, exit, uint32(elf.R_X86_64_PC32), -4)
	path := writeObject(t, dir, "a.o", b)

	cfg := conf.Default()
	cfg.Output = filepath.Join(dir, "prog")
	cfg.TraceRelocs = true
	cfg.DumpSymtab = true

	rep := diag.New(nil)
	var trace bytes.Buffer
	st, err := Link(cfg, rep, ReadInputs(rep, []string{path}), &trace)
	require.NoError(t, err)
	require.NotNil(t, st.ELF())
	assert.Contains(t, trace.String(), "R_X86_64_PC32")
	assert.Contains(t, trace.String(), `"_start"`)

	f, err := elf.Open(cfg.Output)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, elf.ET_EXEC, f.Type)
}

func TestLinkNoInputs(t *testing.T) {
	cfg := conf.Default()
	_, err := Link(cfg, diag.New(nil), nil, nil)
	assert.Error(t, err)
}

func TestLinkUnsupportedTarget(t *testing.T) {
	dir := t.TempDir()
	b := objtest.New(elf.ELFCLASS64, elf.EM_AARCH64)
	b.Text(".text", []byte{0, 0, 0, 0})
	path := writeObject(t, dir, "arm.o", b)

	rep := diag.New(nil)
	cfg := conf.Default()
	cfg.Output = filepath.Join(dir, "prog")
	_, err := Link(cfg, rep, ReadInputs(rep, []string{path}), nil)
	assert.Error(t, err)
}
