package elf

import (
	"strings"

	"github.com/ii64/elflink/lib/diag"
	"github.com/ii64/elflink/lib/obj"
	"github.com/ii64/elflink/lib/vscript"
)

// verneedFile is one shared object the output needs versions from.
type verneedFile struct {
	file *InputFile
	aux  []vernaux
}

type vernaux struct {
	name  string
	index uint16
	weak  bool
}

// splitVersion splits foo@V and foo@@V names.
func splitVersion(name string) (base, version string, hidden, ok bool) {
	at := strings.IndexByte(name, '@')
	if at <= 0 {
		return name, "", false, false
	}
	base = name[:at]
	rest := name[at+1:]
	if strings.HasPrefix(rest, "@") {
		return base, rest[1:], false, true
	}
	return base, rest, true, true
}

// assignVersions binds each regular definition to at most one version,
// from an explicit @ suffix or from the version script, and forces the
// symbols matched by local patterns local.
func (st *LinkState) assignVersions() {
	script := st.cfg.VersionScript
	st.syms.Each(func(id SymID, g *GlobalSym) {
		if g.Res == ResIndirect || !g.DefinedRegularly() {
			return
		}
		if _, vname, hidden, ok := splitVersion(g.Name); ok {
			node := script.Node(vname)
			if node == nil {
				if st.isShared() {
					st.rep.Errorf(diag.UnresolvedVersion, g.File.String(), "version node not found for symbol %s", g.Name)
				}
				return
			}
			st.setVersion(g, node, hidden)
			return
		}
		m, ok := script.Lookup(g.Name)
		if !ok {
			return
		}
		if m.Local {
			g.Flags |= ForcedLocal
			return
		}
		st.setVersion(g, m.Node, false)
	})

	for _, m := range script.ExactGlobals() {
		name := m.Pattern.Text
		if id, ok := st.syms.Lookup(name); ok {
			if g := st.syms.Get(st.syms.Follow(id)); g.DefinedRegularly() {
				continue
			}
		}
		msg := "version script assignment of `%s' to symbol `%s' failed: symbol not defined"
		node := m.Node.Name
		if node == "" {
			node = "global"
		}
		if st.cfg.AllowUndefinedVersion {
			st.rep.Warnf(diag.UnresolvedVersion, st.cfg.VersionScriptFile, msg, node, name)
		} else {
			st.rep.Errorf(diag.UnresolvedVersion, st.cfg.VersionScriptFile, msg, node, name)
		}
	}
}

func (st *LinkState) setVersion(g *GlobalSym, node *vscript.Node, hidden bool) {
	g.VerNode = node
	g.Version = obj.VerNdxGlobal
	if node.Name != "" {
		g.Version = uint16(node.Ordinal + 1)
	}
	if hidden {
		g.Flags |= VersionHidden
	}
}

// hasVerdefs reports whether the output defines versions.
func (st *LinkState) hasVerdefs() bool {
	return st.isDynamic() && len(st.cfg.VersionScript.Named()) > 0
}

// buildVerneed collects, per needed shared object, the versions that
// exported undefined symbols are bound to, and assigns their indices
// after the version definitions.
func (st *LinkState) buildVerneed() {
	next := uint16(2)
	if st.hasVerdefs() {
		next = uint16(len(st.cfg.VersionScript.Named()) + 2)
	}
	byFile := map[*InputFile]*verneedFile{}
	for _, id := range st.dynsyms {
		g := st.syms.Get(id)
		if !g.DefinedDynamically() && !(g.Res.IsUndefined() && g.File != nil && g.File.Dynamic) {
			continue
		}
		if g.DynVer == "" {
			continue
		}
		f := g.File
		vf := byFile[f]
		if vf == nil {
			vf = &verneedFile{file: f}
			byFile[f] = vf
			st.verneed = append(st.verneed, vf)
		}
		idx := uint16(0)
		for _, a := range vf.aux {
			if a.name == g.DynVer {
				idx = a.index
				break
			}
		}
		if idx == 0 {
			idx = next
			next++
			vf.aux = append(vf.aux, vernaux{name: g.DynVer, index: idx, weak: g.Res == ResUndefWeak})
		}
		g.Version = idx
	}
}

// dynVersion records the version a shared object defines a symbol under.
func dynVersion(name string) string {
	_, v, _, ok := splitVersion(name)
	if !ok {
		return ""
	}
	return v
}
