package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/chebizarro/nostr-signer/backup"
	"github.com/chebizarro/nostr-signer/internal/cli"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to config.yaml")
		label      = flag.String("label", "", "Label for the new identity")
		mnemonic   = flag.Bool("mnemonic", false, "Derive the key from a new 24-word NIP-06 mnemonic and print it")
		activate   = flag.Bool("activate", false, "Make the new identity active")
	)
	flag.Parse()

	env, err := cli.Open(*configPath)
	if err != nil {
		cli.Fatal("%v", err)
	}

	var npub, words string
	if *mnemonic {
		words, err = backup.NewMnemonic()
		if err != nil {
			cli.Fatal("generating mnemonic: %v", err)
		}
		npub, err = backup.ImportMnemonic(env.Accounts, words, "", 0, *label)
	} else {
		npub, err = env.Accounts.GenerateKey(*label)
	}
	if err != nil && npub == "" {
		cli.Fatal("generating key: %v", err)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: key stored but accounts file not saved: %v\n", err)
	}

	if *activate {
		if err := env.Accounts.SetActive(npub); err != nil {
			cli.Fatal("activating identity: %v", err)
		}
	}

	fmt.Printf("Identity generated successfully:\n")
	fmt.Printf("  npub: %s\n", npub)
	fmt.Printf("  Backend: %s\n", env.Backend.Name())
	if words != "" {
		fmt.Printf("  Mnemonic: %s\n", words)
		fmt.Printf("  Note: Write the mnemonic down; it is not stored anywhere\n")
	}
}
