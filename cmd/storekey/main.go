package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/chebizarro/nostr-signer/internal/cli"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to config.yaml")
		keyPath    = flag.String("key", "", "File holding an nsec or 64-char hex secret (reads stdin when empty)")
		watch      = flag.String("watch", "", "Enroll this npub or hex public key as watch-only instead")
		label      = flag.String("label", "", "Label for the identity")
		activate   = flag.Bool("activate", false, "Make the identity active")
	)
	flag.Parse()

	env, err := cli.Open(*configPath)
	if err != nil {
		cli.Fatal("%v", err)
	}

	var npub string
	if *watch != "" {
		npub, err = env.Accounts.ImportPubkey(*watch, *label)
	} else {
		secret, rerr := readSecret(*keyPath)
		if rerr != nil {
			cli.Fatal("reading secret: %v", rerr)
		}
		npub, err = env.Accounts.ImportKey(secret, *label)
	}
	if err != nil && npub == "" {
		cli.Fatal("storing key: %v", err)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: accounts file not saved: %v\n", err)
	}

	if *activate {
		if err := env.Accounts.SetActive(npub); err != nil {
			cli.Fatal("activating identity: %v", err)
		}
	}

	fmt.Printf("Key imported successfully:\n")
	fmt.Printf("  npub: %s\n", npub)
	fmt.Printf("  Watch-only: %t\n", *watch != "")
	if *keyPath != "" {
		fmt.Printf("  Note: You can now delete %s\n", *keyPath)
	}
}

func readSecret(path string) (string, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(data)), nil
	}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprint(os.Stderr, "Secret (nsec or hex): ")
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		return strings.TrimSpace(string(b)), err
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
