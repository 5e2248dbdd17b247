package vscript

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokWord
	tokString
	tokPunct
)

type token struct {
	kind tokenKind
	text string
	line int
}

func (t token) String() string {
	if t.kind == tokEOF {
		return "end of script"
	}
	return fmt.Sprintf("%q", t.text)
}

type lexer struct {
	src  string
	pos  int
	line int
}

func (l *lexer) skip() {
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == '\n':
			l.line++
			l.pos++
		case unicode.IsSpace(rune(c)):
			l.pos++
		case c == '#':
			for l.pos < len(l.src) && l.src[l.pos] != '\n' {
				l.pos++
			}
		case strings.HasPrefix(l.src[l.pos:], "/*"):
			end := strings.Index(l.src[l.pos+2:], "*/")
			if end < 0 {
				l.pos = len(l.src)
				return
			}
			l.line += strings.Count(l.src[l.pos:l.pos+2+end], "\n")
			l.pos += end + 4
		default:
			return
		}
	}
}

func (l *lexer) next() (t token, err error) {
	l.skip()
	t.line = l.line
	if l.pos >= len(l.src) {
		return
	}
	c := l.src[l.pos]
	switch {
	case strings.ContainsRune("{};:", rune(c)):
		t.kind, t.text = tokPunct, string(c)
		l.pos++
	case c == '"':
		end := strings.IndexByte(l.src[l.pos+1:], '"')
		if end < 0 {
			err = fmt.Errorf("vscript: line %d: unterminated string", l.line)
			return
		}
		t.kind, t.text = tokString, l.src[l.pos+1:l.pos+1+end]
		l.pos += end + 2
	default:
		start := l.pos
		for l.pos < len(l.src) {
			c := l.src[l.pos]
			if unicode.IsSpace(rune(c)) || strings.ContainsRune("{};:\"", rune(c)) {
				break
			}
			l.pos++
		}
		t.kind, t.text = tokWord, l.src[start:l.pos]
	}
	return
}

type parser struct {
	lex  lexer
	tok  token
	peek *token
}

func (p *parser) advance() (err error) {
	if p.peek != nil {
		p.tok, p.peek = *p.peek, nil
		return
	}
	p.tok, err = p.lex.next()
	return
}

func (p *parser) lookahead() (t token, err error) {
	if p.peek == nil {
		var n token
		if n, err = p.lex.next(); err != nil {
			return
		}
		p.peek = &n
	}
	return *p.peek, nil
}

func (p *parser) expect(punct string) (err error) {
	if p.tok.kind != tokPunct || p.tok.text != punct {
		return fmt.Errorf("vscript: line %d: expected %q, found %s", p.tok.line, punct, p.tok)
	}
	return p.advance()
}

// Parse reads the GNU ld version script syntax:
//
//	VERS_1 { global: foo; bar*; local: *; };
//	VERS_2 { baz; } VERS_1;
func Parse(src string) (s *Script, err error) {
	p := &parser{lex: lexer{src: src, line: 1}}
	if err = p.advance(); err != nil {
		return
	}
	s = &Script{}
	for p.tok.kind != tokEOF {
		var n *Node
		if n, err = p.node(); err != nil {
			return nil, err
		}
		s.Nodes = append(s.Nodes, n)
	}
	if err = s.finish(); err != nil {
		return nil, err
	}
	return
}

func (p *parser) node() (n *Node, err error) {
	n = &Node{}
	if p.tok.kind == tokWord {
		n.Name = p.tok.text
		if err = p.advance(); err != nil {
			return
		}
	}
	if err = p.expect("{"); err != nil {
		return
	}
	if err = p.body(n, false); err != nil {
		return
	}
	if err = p.expect("}"); err != nil {
		return
	}
	for p.tok.kind == tokWord {
		n.Deps = append(n.Deps, p.tok.text)
		if err = p.advance(); err != nil {
			return
		}
	}
	err = p.expect(";")
	return
}

func (p *parser) body(n *Node, local bool) (err error) {
	for p.tok.kind != tokEOF && !(p.tok.kind == tokPunct && p.tok.text == "}") {
		if p.tok.kind != tokWord {
			return fmt.Errorf("vscript: line %d: unexpected %s", p.tok.line, p.tok)
		}
		word := p.tok.text
		var next token
		if next, err = p.lookahead(); err != nil {
			return
		}
		switch {
		case (word == "global" || word == "local") && next.kind == tokPunct && next.text == ":":
			local = word == "local"
			if err = p.advance(); err != nil {
				return
			}
			if err = p.advance(); err != nil {
				return
			}
		case word == "extern" && next.kind == tokString:
			if next.text != "C" {
				return fmt.Errorf("vscript: line %d: extern %q is not supported", p.tok.line, next.text)
			}
			if err = p.advance(); err != nil {
				return
			}
			if err = p.advance(); err != nil {
				return
			}
			if err = p.expect("{"); err != nil {
				return
			}
			if err = p.body(n, local); err != nil {
				return
			}
			if err = p.expect("}"); err != nil {
				return
			}
			if p.tok.kind == tokPunct && p.tok.text == ";" {
				if err = p.advance(); err != nil {
					return
				}
			}
		default:
			pat := NewPattern(word)
			if local {
				n.Locals = append(n.Locals, pat)
			} else {
				n.Globals = append(n.Globals, pat)
			}
			if err = p.advance(); err != nil {
				return
			}
			if p.tok.kind == tokPunct && p.tok.text == "}" {
				// last pattern before a closing brace may omit ';'
				break
			}
			if err = p.expect(";"); err != nil {
				return
			}
		}
	}
	return
}
