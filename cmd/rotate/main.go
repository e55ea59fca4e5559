package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/chebizarro/nostr-signer/internal/cli"
	"github.com/chebizarro/nostr-signer/relays"
	"github.com/chebizarro/nostr-signer/rotation"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to config.yaml")
		identity   = flag.String("identity", "", "Identity to rotate (defaults to the active identity)")
		label      = flag.String("label", "", "Label for the new identity")
		publish    = flag.Bool("publish", true, "Publish the migration event to the old identity's write relays")
		keepOld    = flag.Bool("keep-old", true, "Keep the old identity and mark it as migrated")
	)
	flag.Parse()

	env, err := cli.Open(*configPath)
	if err != nil {
		cli.Fatal("%v", err)
	}
	old, err := env.ResolveIdentity(*identity)
	if err != nil {
		cli.Fatal("%v", err)
	}

	publisher := relays.NewPublisher(relays.NewStore(env.Config.RelaysDir()),
		relays.WithTimeout(env.Config.PublishTimeout),
		relays.WithPublisherLogger(env.Logger))
	engine := rotation.NewEngine(env.Secrets, env.Accounts, publisher, rotation.WithLogger(env.Logger))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	opts := rotation.DefaultOptions()
	opts.NewLabel = *label
	opts.Publish = *publish
	opts.KeepOld = *keepOld
	opts.Progress = func(s rotation.State) {
		fmt.Fprintf(os.Stderr, "  %s\n", s)
	}

	fmt.Fprintf(os.Stderr, "Rotating %s\n", old)
	res, err := engine.Rotate(ctx, old, opts)
	if err != nil {
		if res.NewNPub != "" {
			fmt.Fprintf(os.Stderr, "New identity: %s\n", res.NewNPub)
		}
		if res.MigrationEvent != "" {
			fmt.Fprintf(os.Stderr, "Unpublished migration event:\n%s\n", res.MigrationEvent)
		}
		cli.Fatal("rotation failed: %v", err)
	}

	fmt.Printf("Key rotated successfully:\n")
	fmt.Printf("  Old: %s\n", res.OldNPub)
	fmt.Printf("  New: %s (active)\n", res.NewNPub)
	fmt.Printf("  Migration event: %s\n", res.MigrationEvent)
}
