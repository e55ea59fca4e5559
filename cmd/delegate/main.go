package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chebizarro/nostr-signer/delegation"
	"github.com/chebizarro/nostr-signer/internal/cli"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to config.yaml")
		action     = flag.String("action", "list", "One of: create, list, revoke, delete")
		identity   = flag.String("identity", "", "Delegator npub, hex or label (defaults to the active identity)")
		delegatee  = flag.String("delegatee", "", "Delegatee public key, 64 hex characters (create)")
		kinds      = flag.String("kinds", "", "Comma separated event kinds; empty allows all (create)")
		validFor   = flag.Duration("valid-for", 30*24*time.Hour, "Validity from now; 0 leaves it unbounded (create)")
		label      = flag.String("label", "", "Label for the delegation (create)")
		id         = flag.String("id", "", "Delegation id (revoke, delete)")
		all        = flag.Bool("all", false, "Include revoked delegations (list)")
	)
	flag.Parse()

	env, err := cli.Open(*configPath)
	if err != nil {
		cli.Fatal("%v", err)
	}
	delegator, err := env.ResolveIdentity(*identity)
	if err != nil {
		cli.Fatal("%v", err)
	}
	store := delegation.NewStore(env.Config.DataDir)

	switch *action {
	case "create":
		allowed, err := parseKinds(*kinds)
		if err != nil {
			cli.Fatal("%v", err)
		}
		now := time.Now()
		var until int64
		if *validFor > 0 {
			until = now.Add(*validFor).Unix()
		}
		d, err := delegation.Create(context.Background(), env.Secrets, delegation.Params{
			DelegatorNPub:   delegator,
			DelegateePubkey: *delegatee,
			Kinds:           allowed,
			ValidFrom:       delegation.StartingAt(now),
			ValidUntil:      until,
			Label:           *label,
		}, now)
		if err != nil {
			cli.Fatal("creating delegation: %v", err)
		}
		if err := store.Save(delegator, *d); err != nil {
			cli.Fatal("saving delegation: %v", err)
		}
		tag, err := d.Tag()
		if err != nil {
			cli.Fatal("%v", err)
		}
		tagJSON, _ := json.Marshal(tag)
		fmt.Printf("Delegation created successfully:\n")
		fmt.Printf("  ID: %s\n", d.ID)
		fmt.Printf("  Conditions: %s\n", d.Conditions)
		fmt.Printf("  Tag: %s\n", tagJSON)

	case "list":
		list, err := store.List(delegator, *all)
		if err != nil {
			cli.Fatal("listing delegations: %v", err)
		}
		if len(list) == 0 {
			fmt.Println("No delegations found")
			return
		}
		now := time.Now().Unix()
		fmt.Printf("Delegations of %s (%d):\n", delegator, len(list))
		for _, d := range list {
			status := "valid"
			if err := d.Check(0, now); err != nil {
				status = err.Error()
			}
			fmt.Printf("  %s  %-16s %s  [%s]\n", d.ID, d.Label, d.Conditions, status)
		}

	case "revoke", "delete":
		if *id == "" {
			cli.Fatal("-id is required")
		}
		if *action == "revoke" {
			err = store.Revoke(delegator, *id)
		} else {
			err = store.Delete(delegator, *id)
		}
		if err != nil {
			cli.Fatal("%s: %v", *action, err)
		}
		fmt.Printf("Delegation %s: %sd\n", *id, strings.TrimSuffix(*action, "e"))

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown action %q\n", *action)
		flag.Usage()
		os.Exit(2)
	}
}

func parseKinds(s string) ([]uint16, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []uint16
	for _, part := range strings.Split(s, ",") {
		k, err := strconv.ParseUint(strings.TrimSpace(part), 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid kind %q: %w", part, err)
		}
		out = append(out, uint16(k))
	}
	return out, nil
}
