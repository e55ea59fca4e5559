package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/chebizarro/nostr-signer/crypto"
	"github.com/chebizarro/nostr-signer/delegation"
	"github.com/chebizarro/nostr-signer/rotation"
)

func main() {
	var (
		eventFile = flag.String("file", "", "Path to the signed event JSON (reads stdin when empty)")
	)
	flag.Parse()

	var data []byte
	var err error
	if *eventFile == "" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(*eventFile)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading event: %v\n", err)
		os.Exit(1)
	}

	ev, err := crypto.ParseEvent(string(data))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing event: %v\n", err)
		os.Exit(1)
	}
	if ev.ID != ev.ComputeID() {
		fmt.Fprintf(os.Stderr, "Error: event id does not match its content\n")
		os.Exit(1)
	}
	ok, err := ev.Verify()
	if err != nil || !ok {
		fmt.Fprintf(os.Stderr, "Error: signature verification failed: %v\n", errOr(err, "invalid signature"))
		os.Exit(1)
	}

	author, err := crypto.ParsePublicKey(ev.PubKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✓ Signature verified\n")
	fmt.Printf("\nEvent details:\n")
	fmt.Printf("  ID: %s\n", ev.ID)
	fmt.Printf("  Author: %s\n", author.NPub())
	fmt.Printf("  Kind: %d\n", ev.Kind)
	fmt.Printf("  Created: %d\n", ev.CreatedAt)

	if tag, found := ev.Tags.Find(delegation.TagName); found {
		if err := delegation.VerifyTag(tag, ev.PubKey, ev.Kind, ev.CreatedAt); err != nil {
			fmt.Fprintf(os.Stderr, "Error: delegation tag invalid: %v\n", err)
			os.Exit(1)
		}
		delegator, _ := crypto.ParsePublicKey(tag[1])
		fmt.Printf("✓ Delegation verified\n")
		fmt.Printf("  Delegator: %s\n", delegator.NPub())
		fmt.Printf("  Conditions: %s\n", tag[2])
	}

	if ev.Kind == rotation.KindMigration {
		m, ok := rotation.VerifyMigration(string(data))
		if !ok {
			fmt.Fprintf(os.Stderr, "Error: malformed key migration event\n")
			os.Exit(1)
		}
		successor, err := crypto.ParsePublicKey(m.NewPubkey)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: migration successor: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("✓ Key migration\n")
		fmt.Printf("  Successor: %s\n", successor.NPub())
	}
}

func errOr(err error, msg string) error {
	if err != nil {
		return err
	}
	return errors.New(msg)
}
