package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/chebizarro/nostr-signer/internal/cli"
	"github.com/chebizarro/nostr-signer/ipc"
)

func main() {
	var (
		remember = flag.Duration("remember", time.Hour, "How long an [A]lways or [N]ever answer is remembered; 0 means forever")
	)
	flag.Parse()

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		cli.Fatal("prompt needs an interactive terminal")
	}

	client, err := ipc.Dial()
	if err != nil {
		cli.Fatal("%v", err)
	}
	defer client.Close()
	client.SetLogger(cli.NewLogger(os.Stderr, slog.LevelInfo))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// one question on the terminal at a time
	var mu sync.Mutex
	in := bufio.NewReader(os.Stdin)
	prompt := func(ctx context.Context, req ipc.PromptRequest) (ipc.Decision, error) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Printf("\n%s wants to %s as %s\n", req.AppID, req.Kind, req.Identity)
		fmt.Printf("  %s\n", req.Preview)
		fmt.Printf("Allow? [y]es / [n]o / [a]lways / ne[v]er: ")
		line, err := in.ReadString('\n')
		if err != nil {
			return ipc.Decision{}, err
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return ipc.Decision{Approve: true}, nil
		case "a", "always":
			return ipc.Decision{Approve: true, Remember: true, TTL: *remember}, nil
		case "v", "never":
			return ipc.Decision{Approve: false, Remember: true, TTL: *remember}, nil
		default:
			return ipc.Decision{Approve: false}, nil
		}
	}

	fmt.Println("Waiting for signing requests (Ctrl-C to quit)...")
	if err := client.Serve(ctx, prompt); err != nil {
		cli.Fatal("%v", err)
	}
}
