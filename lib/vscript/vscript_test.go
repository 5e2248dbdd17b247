package vscript

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParse(t *testing.T) {
	src := `
VERS_1.1 {
	global:
		foo1;
	local:
		old*;
		*;
};
/* second */
VERS_1.2 {
	foo2;
	extern "C" { bar_*; };
} VERS_1.1;
`
	s, err := Parse(src)
	require.NoError(t, err)
	require.Len(t, s.Nodes, 2)

	v1 := s.Nodes[0]
	assert.Equal(t, "VERS_1.1", v1.Name)
	assert.Equal(t, 1, v1.Ordinal)
	assert.Equal(t, []Pattern{{Text: "foo1"}}, v1.Globals)
	assert.Equal(t, []Pattern{{Text: "old*", Glob: true}, {Text: "*", Glob: true}}, v1.Locals)

	v2 := s.Nodes[1]
	assert.Equal(t, 2, v2.Ordinal)
	assert.Equal(t, []string{"VERS_1.1"}, v2.Deps)
	assert.Equal(t, []Pattern{{Text: "foo2"}, {Text: "bar_*", Glob: true}}, v2.Globals)
}

func TestParseErrors(t *testing.T) {
	for _, src := range []string{
		`V1 { foo; }`,
		`V1 { foo; }; V1 { bar; };`,
		`V2 { foo; } V1;`,
		`V1 { extern "C++" { foo; }; };`,
		`{ foo; }; V1 { bar; };`,
		`V1 { "quoted"; };`,
	} {
		_, err := Parse(src)
		assert.Error(t, err, src)
	}
}

func TestLookupPrecedence(t *testing.T) {
	s, err := Parse(`
V1 { global: f*; local: *; };
V2 { global: foo; local: fo*; };
`)
	require.NoError(t, err)

	m, ok := s.Lookup("foo")
	require.True(t, ok)
	assert.Equal(t, "V2", m.Node.Name)
	assert.False(t, m.Local)

	m, ok = s.Lookup("fab")
	require.True(t, ok)
	assert.Equal(t, "V1", m.Node.Name)
	assert.False(t, m.Local)

	// glob global in V1 beats glob local in V2
	m, _ = s.Lookup("fox")
	assert.False(t, m.Local)

	m, ok = s.Lookup("zzz")
	require.True(t, ok)
	assert.True(t, m.Local)
	assert.Equal(t, "*", m.Pattern.Text)

	var empty *Script
	_, ok = empty.Lookup("foo")
	assert.False(t, ok)
}

func TestParseYAML(t *testing.T) {
	s, err := ParseYAML([]byte(`
versions:
  - name: V1
    global: [foo]
    local: ["*"]
  - name: V2
    global: ["bar*"]
    deps: [V1]
`))
	require.NoError(t, err)
	require.Len(t, s.Named(), 2)
	assert.Equal(t, 2, s.Node("V2").Ordinal)
	assert.True(t, s.Node("V2").Globals[0].Glob)
	assert.Len(t, s.ExactGlobals(), 1)

	var holder struct {
		Script Script `yaml:"version_script"`
	}
	err = yaml.Unmarshal([]byte("version_script:\n  versions:\n    - name: A\n      global: [x]\n"), &holder)
	require.NoError(t, err)
	assert.Equal(t, "A", holder.Script.Nodes[0].Name)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	gnu := filepath.Join(dir, "libfoo.map")
	require.NoError(t, os.WriteFile(gnu, []byte("V1 { foo; };"), 0o644))
	s, err := Load(gnu)
	require.NoError(t, err)
	assert.Equal(t, "V1", s.Nodes[0].Name)

	y := filepath.Join(dir, "libfoo.yaml")
	require.NoError(t, os.WriteFile(y, []byte("versions:\n  - name: V9\n"), 0o644))
	s, err = Load(y)
	require.NoError(t, err)
	assert.Equal(t, "V9", s.Nodes[0].Name)
}
