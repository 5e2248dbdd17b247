package conf

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, dir, name string, data string) string {
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
	return p
}

func TestValidateClassifiesInputs(t *testing.T) {
	dir := t.TempDir()
	a := touch(t, dir, "a.o", "")
	so := touch(t, dir, "libc.so.6", "")
	ar := touch(t, dir, "libx.a", "")
	b := touch(t, dir, "b.o", "")

	cfg := Default()
	cfg.FlagSet("elflink", flag.ContinueOnError)
	require.NoError(t, cfg.Parse([]string{"-o", filepath.Join(dir, "out"), "-gc-sections", "-rpath", "/opt/a", "-rpath", "/opt/b", a, so, ar, b}))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, []string{a, so, ar, b}, cfg.Inputs)
	assert.Equal(t, []string{a, b}, cfg.ObjFiles)
	assert.Equal(t, []string{so}, cfg.SharedFiles)
	assert.Equal(t, []string{ar}, cfg.ArFiles)
	assert.Equal(t, []string{"/opt/a", "/opt/b"}, cfg.Rpath)
	assert.True(t, cfg.GCSections)
}

func TestValidateErrors(t *testing.T) {
	dir := t.TempDir()
	a := touch(t, dir, "a.o", "")
	for _, args := range [][]string{
		{},
		{filepath.Join(dir, "missing.o")},
		{touch(t, dir, "x.txt", "")},
		{"-r", "-shared", a},
		{"-r", "-gc-sections", a},
	} {
		cfg := Default()
		cfg.FlagSet("elflink", flag.ContinueOnError)
		require.NoError(t, cfg.Parse(args))
		assert.Error(t, cfg.Validate(), "%v", args)
	}
}

func TestConfigFileOverlay(t *testing.T) {
	dir := t.TempDir()
	a := touch(t, dir, "a.o", "")
	cfgFile := touch(t, dir, "link.yaml", `
output: from-file
shared: true
soname: libfile.so
rpath: [/file]
version_script:
  versions:
    - name: V1
      global: [foo]
      local: ["*"]
`)
	retain := touch(t, dir, "keep.txt", "foo\n\n bar \n")

	cfg := Default()
	cfg.FlagSet("elflink", flag.ContinueOnError)
	require.NoError(t, cfg.Parse([]string{"-config", cfgFile, "-soname", "libflag.so", "-retain-symbols", retain, a}))
	require.NoError(t, cfg.Validate())

	assert.True(t, cfg.Shared)
	assert.Equal(t, "libflag.so", cfg.Soname)
	assert.Equal(t, filepath.Join(mustAbs("."), "from-file"), cfg.Output)
	assert.Equal(t, []string{"/file"}, cfg.Rpath)
	require.NotNil(t, cfg.VersionScript)
	assert.Equal(t, "V1", cfg.VersionScript.Nodes[0].Name)
	assert.Equal(t, map[string]bool{"foo": true, "bar": true}, cfg.RetainSymbols)
}
