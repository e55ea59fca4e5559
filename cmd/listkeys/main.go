package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/chebizarro/nostr-signer/internal/cli"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to config.yaml")
		sync       = flag.Bool("sync", false, "Reconcile accounts with the secret backend first")
	)
	flag.Parse()

	env, err := cli.Open(*configPath)
	if err != nil {
		cli.Fatal("%v", err)
	}

	if *sync {
		res, err := env.Accounts.SyncWithSecrets(context.Background())
		if err != nil {
			env.Logger.Warn("sync saved partially", "error", err)
		}
		for _, id := range res.Added {
			fmt.Printf("Added from backend: %s\n", id)
		}
		for _, id := range res.Downgraded {
			fmt.Printf("Secret missing, now watch-only: %s\n", id)
		}
	}

	list := env.Accounts.List()
	if len(list) == 0 {
		fmt.Println("No identities found")
		return
	}
	active, _ := env.Accounts.Active()

	fmt.Printf("Identities (%d):\n", len(list))
	for _, a := range list {
		marker := " "
		if a.ID == active {
			marker = "*"
		}
		kind := "secret"
		if a.WatchOnly {
			kind = "watch-only"
		}
		label := a.Label
		if label == "" {
			label = "-"
		}
		fmt.Printf(" %s %s  %-20s %-10s %s\n", marker, a.ID, label, kind, a.KeyType)
	}
}
