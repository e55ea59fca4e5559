package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/chebizarro/nostr-signer/backup"
	"github.com/chebizarro/nostr-signer/internal/cli"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to config.yaml")
		action     = flag.String("action", "export", "One of: export, import, mnemonic")
		identity   = flag.String("identity", "", "Identity to export (defaults to the active identity)")
		input      = flag.String("in", "", "File holding the ncryptsec (import) or mnemonic (mnemonic); reads stdin when empty")
		account    = flag.Uint("account", 0, "NIP-06 account index (mnemonic)")
		label      = flag.String("label", "", "Label for the restored identity")
		outputPath = flag.String("output", "", "Path to save the ncryptsec (export; defaults to stdout)")
	)
	flag.Parse()

	env, err := cli.Open(*configPath)
	if err != nil {
		cli.Fatal("%v", err)
	}

	switch *action {
	case "export":
		npub, err := env.ResolveIdentity(*identity)
		if err != nil {
			cli.Fatal("%v", err)
		}
		password := readPassword("Backup password: ")
		if confirm := readPassword("Repeat password: "); confirm != password {
			cli.Fatal("passwords do not match")
		}
		enc, err := backup.Export(env.Secrets, npub, password, backup.Options{})
		if err != nil {
			cli.Fatal("exporting: %v", err)
		}
		if *outputPath == "" {
			fmt.Println(enc)
			return
		}
		if err := os.WriteFile(*outputPath, []byte(enc+"\n"), 0o600); err != nil {
			cli.Fatal("writing backup: %v", err)
		}
		fmt.Printf("Backup of %s written to %s\n", npub, *outputPath)

	case "import":
		enc := readInput(*input, "ncryptsec: ")
		password := readPassword("Backup password: ")
		npub, err := backup.Import(env.Accounts, enc, password, *label)
		report(npub, err)

	case "mnemonic":
		words := readInput(*input, "Mnemonic: ")
		passphrase := readPassword("Passphrase (empty for none): ")
		npub, err := backup.ImportMnemonic(env.Accounts, words, passphrase, uint32(*account), *label)
		report(npub, err)

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown action %q\n", *action)
		flag.Usage()
		os.Exit(2)
	}
}

func report(npub string, err error) {
	if err != nil && npub == "" {
		cli.Fatal("restoring: %v", err)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: accounts file not saved: %v\n", err)
	}
	fmt.Printf("Identity restored successfully:\n")
	fmt.Printf("  npub: %s\n", npub)
}

func readPassword(prompt string) string {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		cli.Fatal("a terminal is required to read the password")
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		cli.Fatal("reading password: %v", err)
	}
	return string(b)
}

func readInput(path, prompt string) string {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			cli.Fatal("reading %s: %v", path, err)
		}
		return strings.TrimSpace(string(data))
	}
	fmt.Fprint(os.Stderr, prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		cli.Fatal("reading input: %v", err)
	}
	return strings.TrimSpace(line)
}
