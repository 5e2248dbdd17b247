package conf

import (
	"flag"
	"fmt"
	"os"
)

func (c *Config) FlagSet(name string, errorHandling flag.ErrorHandling) *flag.FlagSet {
	fs := flag.NewFlagSet(name, errorHandling)
	c.fs = fs

	fs.StringVar(&c.ConfigFile, "config", "", "YAML file holding link options")

	fs.StringVar(&c.Output, "o", c.Output, "Output file")
	fs.BoolVar(&c.Relocatable, "r", c.Relocatable, "Generate relocatable output")
	fs.BoolVar(&c.Shared, "shared", c.Shared, "Generate a shared object")
	fs.StringVar(&c.Soname, "soname", c.Soname, "Set DT_SONAME")
	fs.Var((*stringList)(&c.Rpath), "rpath", "Add a DT_RUNPATH directory (repeatable)")
	fs.StringVar(&c.Entry, "e", c.Entry, "Entry symbol")
	fs.StringVar(&c.Init, "init", c.Init, "Symbol for DT_INIT (default _init)")
	fs.StringVar(&c.Fini, "fini", c.Fini, "Symbol for DT_FINI (default _fini)")

	fs.BoolVar(&c.GCSections, "gc-sections", c.GCSections, "Remove unused sections")
	fs.Var((*stringList)(&c.KeepSections), "keep-section", "Section name pattern never garbage collected (repeatable)")

	fs.BoolVar(&c.StripAll, "s", c.StripAll, "Strip all symbols")
	fs.BoolVar(&c.StripDebug, "S", c.StripDebug, "Strip debugging sections and symbols")
	fs.BoolVar(&c.DiscardAll, "x", c.DiscardAll, "Discard all local symbols")
	fs.BoolVar(&c.DiscardLocals, "X", c.DiscardLocals, "Discard temporary local symbols (.L*)")
	fs.StringVar(&c.RetainSymbolsFile, "retain-symbols", c.RetainSymbolsFile, "Keep only symbols listed in file")

	fs.BoolVar(&c.ExportDynamic, "export-dynamic", c.ExportDynamic, "Export all global symbols to .dynsym")
	fs.BoolVar(&c.NoUndefined, "no-undefined", c.NoUndefined, "Report undefined symbols in shared objects")
	fs.BoolVar(&c.AllowUndefinedVersion, "allow-undefined-version", c.AllowUndefinedVersion, "Allow versions of undefined symbols")
	fs.BoolVar(&c.AsNeeded, "as-needed", c.AsNeeded, "Only add DT_NEEDED for shared objects that are used")
	fs.IntVar(&c.Optimize, "O", c.Optimize, "Optimization level (1 enables .hash bucket optimizer)")
	fs.BoolVar(&c.EmitRelocs, "q", c.EmitRelocs, "Keep relocations in the output")
	fs.BoolVar(&c.NoKeepMemory, "no-keep-memory", c.NoKeepMemory, "Release input files after use and reread when needed")

	fs.BoolVar(&c.TraceRelocs, "trace-relocs", c.TraceRelocs, "Print every applied relocation")
	fs.BoolVar(&c.DumpSymtab, "dump-symtab", c.DumpSymtab, "Dump the global symbol table after linking")

	fs.StringVar(&c.ExtLD, "extld", getDefaultLD(), "External ld used to flatten archives")
	fs.StringVar(&c.DynamicLinker, "dynamic-linker", c.DynamicLinker, "Program interpreter for dynamic executables")
	fs.StringVar(&c.VersionScriptFile, "version-script", c.VersionScriptFile, "Version script (GNU syntax or .yaml)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] ...file.[o|so|a]\n", name)
	}
	return fs
}

func getDefaultLD() string {
	ld := os.Getenv("LD")
	if ld == "" {
		return "ld"
	}
	return ld
}
