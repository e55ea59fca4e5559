package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/chebizarro/nostr-signer/history"
	"github.com/chebizarro/nostr-signer/internal/cli"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to config.yaml")
		identity   = flag.String("identity", "", "Only show requests for this identity (npub, hex or label)")
		app        = flag.String("app", "", "Only show requests from this application id")
		result     = flag.String("result", "", "Only show one result: success, denied, error, timeout or aborted")
		since      = flag.Duration("since", 0, "Only show requests newer than this, e.g. 24h")
		limit      = flag.Int("limit", 50, "Maximum number of entries")
		prune      = flag.Duration("prune", 0, "Delete entries older than this instead of listing")
		asJSON     = flag.Bool("json", false, "Print entries as JSON lines")
	)
	flag.Parse()

	env, err := cli.Open(*configPath)
	if err != nil {
		cli.Fatal("%v", err)
	}
	defer env.Close()

	hist, err := history.Open(env.Config.HistoryPath())
	if err != nil {
		cli.Fatal("failed to open history: %v", err)
	}
	defer hist.Close()
	ctx := context.Background()

	if *prune > 0 {
		n, err := hist.Prune(ctx, time.Now().Add(-*prune))
		if err != nil {
			cli.Fatal("failed to prune history: %v", err)
		}
		env.Logger.Info("history pruned", "removed", n, "older_than", prune.String())
		fmt.Printf("Removed %d entries\n", n)
		return
	}

	f := history.Filter{ClientApp: *app, Result: history.Result(*result), Limit: *limit}
	switch f.Result {
	case "", history.ResultSuccess, history.ResultDenied, history.ResultError, history.ResultTimeout, history.ResultAborted:
	default:
		cli.Fatal("unknown result %q", *result)
	}
	if *identity != "" {
		npub, err := env.ResolveIdentity(*identity)
		if err != nil {
			cli.Fatal("%v", err)
		}
		f.Identity = npub
	}
	if *since > 0 {
		f.Since = time.Now().Add(-*since)
	}

	entries, err := hist.List(ctx, f)
	if err != nil {
		cli.Fatal("failed to list history: %v", err)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				cli.Fatal("failed to encode entry: %v", err)
			}
		}
		return
	}
	if len(entries) == 0 {
		fmt.Println("No requests found")
		return
	}
	for _, e := range entries {
		label := env.Accounts.DisplayName(e.Identity)
		fmt.Printf("%s  %-8s %-24s kind %-5d %s  %s\n",
			e.Timestamp.Local().Format(time.DateTime), e.Result, e.ClientApp, e.EventKind, label, e.ContentPreview)
	}
}
