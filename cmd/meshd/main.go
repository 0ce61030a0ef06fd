package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"

	"github.com/yodablocks/bitchat/internal/config"
	"github.com/yodablocks/bitchat/internal/node"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runNode(args[1:], stdout, stderr)
	case "id":
		return runID(args[1:], stdout, stderr)
	case "fingerprint":
		return runFingerprint(args[1:], stdout, stderr)
	case "config":
		return runConfig(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: meshd <run|id|fingerprint|config> [args]")
	fmt.Fprintln(w, "  run          [--config f] [--listen addr] [--peer addr ...] [--nick name] [--home dir] [--debug]")
	fmt.Fprintln(w, "  id           [--home dir]")
	fmt.Fprintln(w, "  fingerprint  [--home dir]")
	fmt.Fprintln(w, "  config       [--config f]")
}

// homeFlag resolves --home, falling back to MESH_HOME and the default.
func homeFlag(fs *flag.FlagSet) *string {
	def := config.DefaultHome()
	if v := strings.TrimSpace(os.Getenv("MESH_HOME")); v != "" {
		def = v
	}
	return fs.String("home", def, "node home directory")
}

func runID(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("id", flag.ContinueOnError)
	fs.SetOutput(stderr)
	home := homeFlag(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	id, fp, err := node.LoadIdentity(*home)
	if err != nil {
		fmt.Fprintf(stderr, "id: no identity under %s: %v\n", *home, err)
		return 1
	}
	bold := color.New(color.Bold)
	bold.Fprintf(stdout, "%s\n", id)
	fmt.Fprintf(stdout, "fingerprint: %s\n", fp)
	return 0
}

func runFingerprint(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("fingerprint", flag.ContinueOnError)
	fs.SetOutput(stderr)
	home := homeFlag(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	_, fp, err := node.LoadIdentity(*home)
	if err != nil {
		fmt.Fprintf(stderr, "fingerprint: no identity under %s: %v\n", *home, err)
		return 1
	}
	fmt.Fprintln(stdout, fp)
	return 0
}

func runConfig(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("config", "", "TOML config file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, err := config.Load(*path)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	text, err := cfg.Encode()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	fmt.Fprint(stdout, text)
	return 0
}
