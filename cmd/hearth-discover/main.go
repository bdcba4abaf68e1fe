// Command hearth-discover browses the local network for hearth parents and
// prints each one as it is resolved.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/EternisAI/hearth/internal/discovery"
	"github.com/EternisAI/hearth/internal/events"
)

func main() {
	serviceType := flag.String("service", discovery.DefaultServiceType, "DNS-SD service type to browse")
	timeout := flag.Duration("timeout", 5*time.Second, "browse duration, 0 browses until interrupted")
	asJSON := flag.Bool("json", false, "print peers as JSON")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	bus := events.NewBus()
	defer bus.Close()
	evicted, unsubscribe := bus.Subscribe(16)
	defer unsubscribe()
	go func() {
		for ev := range evicted {
			if ev.Type == events.PeerEvicted {
				slog.Info("Parent disappeared", "id", ev.Data["id"])
			}
		}
	}()

	resolver := discovery.NewResolver(discovery.DefaultPeerTTL, bus)
	go resolver.StartCleanup(ctx, time.Minute)

	if err := resolver.Browse(ctx, *serviceType); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := printPeers(resolver.Peers(), *asJSON); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func printPeers(peers []discovery.Peer, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(peers)
	}
	if len(peers) == 0 {
		fmt.Println("no parents found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tADDRESS\tHOSTNAME\tVERSION\tPLATFORM")
	for _, p := range peers {
		fmt.Fprintf(w, "%s\t%s:%d\t%s\t%s\t%s\n", p.ID, p.IP, p.Port, p.Hostname, p.Version, p.Platform)
	}
	return w.Flush()
}
