package conf

import (
	"flag"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ii64/elflink/lib/proc/ld"
	"github.com/ii64/elflink/lib/vscript"
)

type Config struct {
	Output      string `yaml:"output"`
	Relocatable bool   `yaml:"relocatable"`
	Shared      bool   `yaml:"shared"`
	Soname      string `yaml:"soname"`

	Rpath []string `yaml:"rpath"`
	Entry string   `yaml:"entry"`
	Init  string   `yaml:"init"`
	Fini  string   `yaml:"fini"`

	GCSections   bool     `yaml:"gc_sections"`
	KeepSections []string `yaml:"keep_sections"`

	StripAll      bool `yaml:"strip_all"`
	StripDebug    bool `yaml:"strip_debug"`
	DiscardAll    bool `yaml:"discard_all"`
	DiscardLocals bool `yaml:"discard_locals"`

	// RetainSymbolsFile names a file with one symbol per line; only those
	// symbols are kept in .symtab.
	RetainSymbolsFile string          `yaml:"retain_symbols_file"`
	RetainSymbols     map[string]bool `yaml:"-"`

	ExportDynamic         bool `yaml:"export_dynamic"`
	NoUndefined           bool `yaml:"no_undefined"`
	AllowUndefinedVersion bool `yaml:"allow_undefined_version"`
	AsNeeded              bool `yaml:"as_needed"`
	// Optimize > 0 enables the .hash bucket count optimizer.
	Optimize     int  `yaml:"optimize"`
	EmitRelocs   bool `yaml:"emit_relocs"`
	NoKeepMemory bool `yaml:"no_keep_memory"`

	TraceRelocs bool `yaml:"trace_relocs"`
	DumpSymtab  bool `yaml:"dump_symtab"`

	ExtLD string `yaml:"extld"`
	// DynamicLinker overrides the target's default PT_INTERP.
	DynamicLinker string `yaml:"dynamic_linker"`

	VersionScriptFile string           `yaml:"version_script_file"`
	VersionScript     *vscript.Script `yaml:"version_script"`

	ConfigFile string `yaml:"-"`

	// Inputs keeps relocatable objects, shared objects and archives in
	// command line order.
	Inputs      []string `yaml:"-"`
	ObjFiles    []string `yaml:"-"`
	SharedFiles []string `yaml:"-"`
	ArFiles     []string `yaml:"-"`

	TempDir string `yaml:"-"`

	fs *flag.FlagSet
}

func Default() *Config {
	return &Config{
		Output: "a.out",
	}
}

// Parse parses command line flags. With -config the YAML file is loaded
// first and the command line is applied again on top of it.
func (cfg *Config) Parse(args []string) (err error) {
	if err = cfg.fs.Parse(args); err != nil {
		return
	}
	if cfg.ConfigFile == "" {
		return
	}
	if err = cfg.LoadFile(cfg.ConfigFile); err != nil {
		return
	}
	return cfg.fs.Parse(args)
}

func (cfg *Config) LoadFile(path string) (err error) {
	var data []byte
	if data, err = os.ReadFile(path); err != nil {
		return
	}
	cfg.Rpath, cfg.KeepSections = nil, nil
	if err = yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	return
}

var sharedLibRe = regexp.MustCompile(`\.so(\.[0-9]+)*$`)

func (cfg *Config) Validate() error {
	if cfg.Output == "" {
		return fmt.Errorf("empty output path")
	}
	cfg.Output = mustAbs(cfg.Output)

	var invalidFile []string
	for _, inp := range cfg.fs.Args() {
		originalFilename := inp
		inp = mustAbs(inp)
		switch {
		case !validateFilePath(inp):
			invalidFile = append(invalidFile, originalFilename)
		case strings.HasSuffix(inp, ".o"):
			cfg.ObjFiles = append(cfg.ObjFiles, inp)
			cfg.Inputs = append(cfg.Inputs, inp)
		case sharedLibRe.MatchString(inp):
			cfg.SharedFiles = append(cfg.SharedFiles, inp)
			cfg.Inputs = append(cfg.Inputs, inp)
		case strings.HasSuffix(inp, ".a"):
			cfg.ArFiles = append(cfg.ArFiles, inp)
			cfg.Inputs = append(cfg.Inputs, inp)
		default:
			invalidFile = append(invalidFile, originalFilename)
		}
	}
	if len(invalidFile) > 0 {
		for _, fn := range invalidFile {
			fmt.Fprintf(os.Stderr, "error: file %q: not .o, .so, .a, or the file is missing.\n", fn)
		}
		return fmt.Errorf("invalid input")
	}

	if len(cfg.ArFiles) < 1 && len(cfg.ObjFiles) < 1 {
		return fmt.Errorf("nothing to do")
	}

	switch {
	case cfg.Relocatable && cfg.Shared:
		return fmt.Errorf("-r and -shared may not be used together")
	case cfg.Relocatable && cfg.GCSections:
		return fmt.Errorf("-r and -gc-sections may not be used together")
	case cfg.Relocatable && len(cfg.SharedFiles) > 0:
		return fmt.Errorf("-r cannot take shared objects as input")
	}

	if cfg.ExtLD != "" {
		ld.DEFAULT_LD = cfg.ExtLD
	}

	if cfg.VersionScriptFile != "" {
		s, err := vscript.Load(cfg.VersionScriptFile)
		if err != nil {
			return err
		}
		cfg.VersionScript = s
	}

	if cfg.RetainSymbolsFile != "" {
		data, err := os.ReadFile(cfg.RetainSymbolsFile)
		if err != nil {
			return err
		}
		cfg.RetainSymbols = map[string]bool{}
		for _, line := range strings.Split(string(data), "\n") {
			if line = strings.TrimSpace(line); line != "" {
				cfg.RetainSymbols[line] = true
			}
		}
	}
	return nil
}
