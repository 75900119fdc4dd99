package main

import (
	"fmt"
	"io"
	"os"
)

// engineVersion is what conformance packs constrain against.
const engineVersion = "1.0.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests.
var startServer = runServe

// Run dispatches the subcommand. Exit codes across all subcommands:
//
//	0 = success
//	1 = the operation ran but failed (verification failed, suite nonconformant)
//	2 = usage or runtime error
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(nil, stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return startServer(args[2:], stdout, stderr)
	case "verify":
		return runVerify(args[2:], stdout, stderr)
	case "conform", "conformance":
		return runConform(args[2:], stdout, stderr)
	case "keygen":
		return runKeygen(args[2:], stdout, stderr)
	case "token":
		return runToken(args[2:], stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintln(stdout, "settld "+engineVersion)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return startServer(args[1:], stdout, stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: settld <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve     Run the settlement kernel HTTP server (default)")
	fmt.Fprintln(w, "  verify    Verify a sealed artifact against a public key, offline")
	fmt.Fprintln(w, "  conform   Run a conformance pack against a verification adapter")
	fmt.Fprintln(w, "  keygen    Generate an Ed25519 keypair for the kernel or an agent")
	fmt.Fprintln(w, "  token     Mint an operator token for scoped read surfaces")
	fmt.Fprintln(w, "  version   Print the engine version")
	fmt.Fprintln(w, "  help      Show this help")
}
