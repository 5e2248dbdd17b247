package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ii64/elflink/conf"
	"github.com/ii64/elflink/lib/proc/ld"
)

func TestFlattenArchivesKeepsPosition(t *testing.T) {
	dir := t.TempDir()
	// stands in for ld: touches the -o argument
	fake := filepath.Join(dir, "fake-ld")
	require.NoError(t, os.WriteFile(fake, []byte("#!/bin/sh\n: > \"$4\"\n"), 0o755))
	saved := ld.DEFAULT_LD
	ld.DEFAULT_LD = fake
	t.Cleanup(func() { ld.DEFAULT_LD = saved })

	cfg := conf.Default()
	cfg.TempDir = dir
	cfg.Inputs = []string{"/in/a.o", "/in/libx.a", "/in/b.o", "/in/liby.a"}
	cfg.ArFiles = []string{"/in/libx.a", "/in/liby.a"}

	inputs, err := flattenArchives(cfg)
	require.NoError(t, err)
	x, y := filepath.Join(dir, "ext1.o"), filepath.Join(dir, "ext3.o")
	assert.Equal(t, []string{"/in/a.o", x, "/in/b.o", y}, inputs)
	assert.FileExists(t, x)
	assert.FileExists(t, y)
}

func TestFlattenArchivesWithoutArchives(t *testing.T) {
	cfg := conf.Default()
	cfg.Inputs = []string{"/in/a.o", "/in/libc.so.6"}
	inputs, err := flattenArchives(cfg)
	require.NoError(t, err)
	assert.Equal(t, cfg.Inputs, inputs)
}

func TestFlattenArchivesFailure(t *testing.T) {
	dir := t.TempDir()
	fake := filepath.Join(dir, "fake-ld")
	require.NoError(t, os.WriteFile(fake, []byte("#!/bin/sh\necho no members >&2\nexit 1\n"), 0o755))
	saved := ld.DEFAULT_LD
	ld.DEFAULT_LD = fake
	t.Cleanup(func() { ld.DEFAULT_LD = saved })

	cfg := conf.Default()
	cfg.TempDir = dir
	cfg.Inputs = []string{"/in/libx.a"}
	cfg.ArFiles = cfg.Inputs
	_, err := flattenArchives(cfg)
	assert.ErrorContains(t, err, "flatten /in/libx.a")
}
