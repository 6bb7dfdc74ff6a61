package main

import (
	"fmt"
	"io"
	"os"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "0.1.0-dev"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable so tests can run the dispatcher without binding a port.
var startServer = runServe

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(nil, stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return startServer(args[2:], stdout, stderr)
	case "demo":
		return runDemoCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "export":
		return runExportCmd(args[2:], stdout, stderr)
	case "supply":
		return runSupplyCmd(args[2:], stdout, stderr)
	case "token":
		return runTokenCmd(args[2:], stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "openibank %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	colorReset = "\033[0m"
	colorBold  = "\033[1m"
	colorBlue  = "\033[34m"
	colorCyan  = "\033[36m"
	colorGray  = "\033[37m"
	colorGreen = "\033[32m"
	colorRed   = "\033[31m"
)

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "%sOpeniBank %s%s\n", colorBold+colorBlue, version, colorReset)
	_, _ = fmt.Fprintf(w, "%sPayments core for autonomous agents.%s\n", colorGray, colorReset)
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "%sUSAGE:%s\n", colorBold, colorReset)
	_, _ = fmt.Fprintln(w, "  openibank <command> [flags]")
	_, _ = fmt.Fprintln(w, "")

	printSection(w, "NODE")
	printCommand(w, "serve", "Run the HTTP node (default)")
	printCommand(w, "demo", "Run an in-memory escrow and payment walkthrough")
	printCommand(w, "supply", "Replay the journal and print the issuer supply")

	printSection(w, "RECEIPTS")
	printCommand(w, "export", "Export receipts as JSONL (--subject, --account, --kind, --archive)")
	printCommand(w, "verify", "Verify a receipt bundle offline (--key, --manifest, --json)")

	printSection(w, "ACCESS")
	printCommand(w, "token", "Mint an API bearer token (--subject, --role, --ttl)")

	printSection(w, "OTHER")
	printCommand(w, "version", "Print the version")
	printCommand(w, "help", "Show this help")
	_, _ = fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	_, _ = fmt.Fprintf(w, "%s%s:%s\n", colorBold, title, colorReset)
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %s%-10s%s %s\n", colorCyan, name, colorReset, desc)
}
