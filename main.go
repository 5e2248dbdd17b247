package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/ii64/elflink/cmd"
	"github.com/ii64/elflink/conf"
)

func _main(args []string) {
	var err error
	var exitCode int
	cfg := conf.Default()
	fs := cfg.FlagSet("elflink", flag.ExitOnError)
	oldUsage := fs.Usage
	fs.Usage = func() {
		oldUsage()
		fs.PrintDefaults()
		exitCode = 0
		os.Exit(exitCode)
	}
	err = cfg.Parse(args)
	if err != nil {
		goto Exit
	}
	err = cfg.Validate()
	if err != nil {
		goto Exit
	}
	err = cmd.Main(cfg)
	if err != nil {
		goto Exit
	}
Exit:
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		exitCode = 1
	}
	os.Exit(exitCode)
}

func main() {
	_main(os.Args[1:])
}
