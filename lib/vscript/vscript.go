// Package vscript holds version scripts: an ordered list of version nodes
// with global and local symbol patterns.
package vscript

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/exp/slices"
)

type Script struct {
	Nodes []*Node
}

type Node struct {
	// Name is empty for an anonymous node, which tags matched symbols
	// without attaching a version.
	Name    string
	Globals []Pattern
	Locals  []Pattern
	Deps    []string

	// Ordinal is the 1-based position among named nodes; the .gnu.version
	// index of the node is Ordinal+1.
	Ordinal int
}

type Pattern struct {
	Text string
	Glob bool
}

func NewPattern(text string) Pattern {
	return Pattern{Text: text, Glob: strings.ContainsAny(text, "*?[")}
}

func (p Pattern) Match(name string) bool {
	if !p.Glob {
		return p.Text == name
	}
	ok, err := path.Match(p.Text, name)
	return err == nil && ok
}

func (p Pattern) catchAll() bool {
	return p.Text == "*"
}

// Match is the result of looking a symbol up in a script.
type Match struct {
	Node    *Node
	Local   bool
	Pattern Pattern
}

// Lookup finds the node a symbol belongs to. Exact names win over globs
// and the catch-all "*" is tried last; within one rank, global patterns
// come before local ones and earlier nodes before later ones.
func (s *Script) Lookup(name string) (m Match, ok bool) {
	if s == nil {
		return
	}
	for rank := 0; rank < 3; rank++ {
		for _, local := range []bool{false, true} {
			for _, n := range s.Nodes {
				pats := n.Globals
				if local {
					pats = n.Locals
				}
				for _, p := range pats {
					if patternRank(p) != rank || !p.Match(name) {
						continue
					}
					return Match{Node: n, Local: local, Pattern: p}, true
				}
			}
		}
	}
	return
}

func patternRank(p Pattern) int {
	switch {
	case !p.Glob:
		return 0
	case p.catchAll():
		return 2
	}
	return 1
}

func (s *Script) Node(name string) *Node {
	if s == nil {
		return nil
	}
	for _, n := range s.Nodes {
		if n.Name == name {
			return n
		}
	}
	return nil
}

// Named returns the nodes that define a version, in ordinal order.
func (s *Script) Named() (nodes []*Node) {
	if s == nil {
		return
	}
	for _, n := range s.Nodes {
		if n.Name != "" {
			nodes = append(nodes, n)
		}
	}
	return
}

// ExactGlobals lists every non-glob global pattern with its node.
func (s *Script) ExactGlobals() (out []Match) {
	if s == nil {
		return
	}
	for _, n := range s.Nodes {
		for _, p := range n.Globals {
			if !p.Glob {
				out = append(out, Match{Node: n, Pattern: p})
			}
		}
	}
	return
}

// finish numbers the named nodes and checks dependencies.
func (s *Script) finish() error {
	ord := 0
	seen := map[string]bool{}
	for _, n := range s.Nodes {
		if n.Name == "" {
			if len(s.Nodes) > 1 {
				return fmt.Errorf("vscript: anonymous version node must be the only node")
			}
			continue
		}
		if seen[n.Name] {
			return fmt.Errorf("vscript: duplicate version %q", n.Name)
		}
		for _, d := range n.Deps {
			if !seen[d] {
				return fmt.Errorf("vscript: version %q depends on unknown version %q", n.Name, d)
			}
		}
		seen[n.Name] = true
		ord++
		n.Ordinal = ord
	}
	return nil
}

// Load reads a version script, YAML when the file extension says so.
func Load(file string) (s *Script, err error) {
	var data []byte
	if data, err = os.ReadFile(file); err != nil {
		return
	}
	ext := strings.ToLower(filepath.Ext(file))
	if slices.Contains([]string{".yaml", ".yml"}, ext) {
		return ParseYAML(data)
	}
	return Parse(string(data))
}
