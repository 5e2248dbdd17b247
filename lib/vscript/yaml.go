package vscript

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

type yamlScript struct {
	Versions []yamlNode `yaml:"versions"`
}

type yamlNode struct {
	Name   string   `yaml:"name"`
	Global []string `yaml:"global"`
	Local  []string `yaml:"local"`
	Deps   []string `yaml:"deps"`
}

// ParseYAML reads the YAML form of a version script:
//
//	versions:
//	  - name: VERS_1
//	    global: [foo, "bar*"]
//	    local: ["*"]
func ParseYAML(data []byte) (s *Script, err error) {
	var ys yamlScript
	if err = yaml.Unmarshal(data, &ys); err != nil {
		return nil, fmt.Errorf("vscript: %w", err)
	}
	return fromYAML(&ys)
}

// UnmarshalYAML lets a Script be embedded in other YAML documents.
func (s *Script) UnmarshalYAML(value *yaml.Node) (err error) {
	var ys yamlScript
	if err = value.Decode(&ys); err != nil {
		return
	}
	var out *Script
	if out, err = fromYAML(&ys); err != nil {
		return
	}
	*s = *out
	return
}

func fromYAML(ys *yamlScript) (s *Script, err error) {
	s = &Script{}
	for _, yn := range ys.Versions {
		n := &Node{Name: yn.Name, Deps: yn.Deps}
		for _, g := range yn.Global {
			n.Globals = append(n.Globals, NewPattern(g))
		}
		for _, l := range yn.Local {
			n.Locals = append(n.Locals, NewPattern(l))
		}
		s.Nodes = append(s.Nodes, n)
	}
	if err = s.finish(); err != nil {
		return nil, err
	}
	return
}
