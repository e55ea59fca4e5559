package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/chebizarro/nostr-signer/internal/cli"
	"github.com/chebizarro/nostr-signer/ipc"
	"github.com/chebizarro/nostr-signer/relays"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to config.yaml")
		eventFile  = flag.String("file", "", "Path to the unsigned event JSON (reads stdin when empty)")
		identity   = flag.String("identity", "", "npub, hex or label of the signing identity (defaults to the active one)")
		appID      = flag.String("app", "nostr-signer-cli", "Application id presented to the prompter")
		direct     = flag.Bool("direct", false, "Sign with the local secret store instead of asking the running signer")
		publish    = flag.Bool("publish", false, "Publish the signed event to the identity's write relays")
		timeout    = flag.Duration("timeout", 5*time.Minute, "How long to wait for approval")
		outputPath = flag.String("output", "", "Path to save the signed event (defaults to stdout)")
	)
	flag.Parse()

	eventJSON, err := readInput(*eventFile)
	if err != nil {
		cli.Fatal("reading event: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	env, err := cli.Open(*configPath)
	if err != nil {
		cli.Fatal("%v", err)
	}

	var signed string
	if *direct {
		npub, err := env.ResolveIdentity(*identity)
		if err != nil {
			cli.Fatal("%v", err)
		}
		signed, err = env.Secrets.SignEvent(ctx, eventJSON, npub)
		if err != nil {
			cli.Fatal("signing event: %v", err)
		}
	} else {
		client, err := ipc.Dial()
		if err != nil {
			cli.Fatal("%v", err)
		}
		defer client.Close()
		fmt.Fprintf(os.Stderr, "Waiting for approval...\n")
		signed, err = client.SignEvent(ctx, eventJSON, *identity, *appID)
		if err != nil {
			cli.Fatal("signing event: %v", err)
		}
	}

	if *outputPath != "" {
		if err := os.WriteFile(*outputPath, []byte(signed+"\n"), 0o644); err != nil {
			cli.Fatal("writing signed event: %v", err)
		}
		fmt.Fprintf(os.Stderr, "Signed event written to %s\n", *outputPath)
	} else {
		fmt.Println(signed)
	}

	if *publish {
		pub := relays.NewPublisher(relays.NewStore(env.Config.RelaysDir()),
			relays.WithTimeout(env.Config.PublishTimeout),
			relays.WithPublisherLogger(env.Logger))
		results, err := pub.PublishAll(ctx, signed)
		if err != nil {
			cli.Fatal("publishing: %v", err)
		}
		for _, r := range results {
			switch {
			case r.Err != nil:
				fmt.Fprintf(os.Stderr, "  %s: %v\n", r.URL, r.Err)
			case r.Accepted:
				fmt.Fprintf(os.Stderr, "  %s: accepted\n", r.URL)
			default:
				fmt.Fprintf(os.Stderr, "  %s: rejected (%s)\n", r.URL, r.Message)
			}
		}
	}
}

func readInput(path string) (string, error) {
	var data []byte
	var err error
	if path == "" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	return string(data), err
}
