package cmd

import (
	"fmt"
	"os"
	"path"

	"golang.org/x/exp/slices"

	"github.com/ii64/elflink/conf"
	"github.com/ii64/elflink/lib/diag"
	"github.com/ii64/elflink/lib/link"
	"github.com/ii64/elflink/lib/proc"
	"github.com/ii64/elflink/lib/proc/ld"
)

func Main(cfg *conf.Config) (err error) {
	// create temporary directory
	cfg.TempDir, err = os.MkdirTemp(os.TempDir(), "elflink_*")
	if err != nil {
		return
	}

	defer func() {
		proc.KillActive()
		// delete temp dir
		errx := os.RemoveAll(cfg.TempDir)
		if errx != nil {
			fmt.Fprintf(os.Stderr, "error: remove tempdir %s", errx)
		}
	}()

	var inputs []string
	if inputs, err = flattenArchives(cfg); err != nil {
		return
	}

	rep := diag.New(os.Stderr)
	objs := link.ReadInputs(rep, inputs)
	_, err = link.Link(cfg, rep, objs, os.Stdout)
	return
}

// flattenArchives replaces every archive in cfg.Inputs with one relocatable
// object holding all of its members, at the archive's position.
func flattenArchives(cfg *conf.Config) (inputs []string, err error) {
	inputs = make([]string, 0, len(cfg.Inputs))
	for i, inp := range cfg.Inputs {
		if !slices.Contains(cfg.ArFiles, inp) {
			inputs = append(inputs, inp)
			continue
		}
		objTemp := path.Join(cfg.TempDir, fmt.Sprintf("ext%d.o", i))
		if err = ld.FlattenArchives(objTemp, []string{inp}); err != nil {
			return nil, fmt.Errorf("flatten %s: %w", inp, err)
		}
		inputs = append(inputs, objTemp)
	}
	return
}
