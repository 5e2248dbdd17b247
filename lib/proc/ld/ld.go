package ld

import (
	"fmt"
	"strings"

	"github.com/ii64/elflink/lib/proc"
)

var DEFAULT_LD = "ld"

type Ld struct {
	p *proc.Process
}

func New(args []string, files []string) (*Ld, error) {
	l := &Ld{}
	files, err := l.checkFilesContainsOpts(files)
	if err != nil {
		return nil, err
	}
	l.p = proc.New(DEFAULT_LD, append(args, files...))
	return l, nil
}

// FlattenArchives links every member of archives into one relocatable
// object at out.
func FlattenArchives(out string, archives []string) error {
	l, err := New([]string{
		"--relocatable", "--whole-archive",
		"-o", out,
	}, archives)
	if err != nil {
		return err
	}
	return l.p.Run()
}

func (*Ld) checkFilesContainsOpts(args []string) ([]string, error) {
	var file string
	for _, file = range args {
		if strings.HasPrefix(file, "-") {
			goto InvalidFilename
		}
	}
	return args, nil
InvalidFilename:
	return nil, fmt.Errorf("disallowed %q", file)
}

func (l *Ld) Process() *proc.Process {
	return l.p
}
