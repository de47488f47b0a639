// Command marketwatch follows a set of markets over the exchange websocket
// and prints their merged state as it changes.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/predictex/internal/domain"
	"github.com/alanyoungcy/predictex/internal/fanout"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	if err := NewCLI(logger).root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "marketwatch: %v\n", err)
		os.Exit(1)
	}
}

// CLI is the command tree of marketwatch.
type CLI struct {
	root   *cobra.Command
	logger *slog.Logger

	wsURL     string
	asJSON    bool
	reconnect time.Duration
}

// NewCLI builds the root command and its subcommands.
func NewCLI(logger *slog.Logger) *CLI {
	cli := &CLI{logger: logger}
	cli.root = &cobra.Command{
		Use:           "marketwatch",
		Short:         "Follow exchange market prices",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cli.root.PersistentFlags().StringVar(&cli.wsURL, "url", "ws://localhost:8080/ws", "exchange websocket endpoint")
	cli.root.PersistentFlags().BoolVar(&cli.asJSON, "json", false, "print states as JSON lines")

	watch := &cobra.Command{
		Use:   "watch MARKET_ID...",
		Short: "Stream merged market state until interrupted",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.watch(cmd.Context(), splitIDs(args))
		},
	}
	watch.Flags().DurationVar(&cli.reconnect, "reconnect", 5*time.Second, "delay before reconnecting; 0 exits on disconnect")

	price := &cobra.Command{
		Use:   "price MARKET_ID...",
		Short: "Print the current state of markets and exit",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := restBase(cli.wsURL)
			if err != nil {
				return err
			}
			client := &http.Client{Timeout: 5 * time.Second}
			for _, id := range splitIDs(args) {
				st, err := fetchState(cmd.Context(), client, base, id)
				if err != nil {
					return err
				}
				printState(st, cli.asJSON)
			}
			return nil
		},
	}

	cli.root.AddCommand(watch, price)
	return cli
}

func (cli *CLI) watch(ctx context.Context, ids []string) error {
	w := fanout.NewWatcher(fanout.NewWSTransport(cli.wsURL, nil), fanout.WatcherConfig{}, cli.logger)
	if err := w.SetWatched(ids); err != nil {
		return err
	}

	disconnected := make(chan struct{}, 1)
	w.OnStatus(func(ev fanout.StatusEvent) {
		cli.logger.Info("stream status", slog.String("status", string(ev.Status)), slog.String("reason", ev.Reason))
		if ev.Status == fanout.StatusDisconnected {
			select {
			case disconnected <- struct{}{}:
			default:
			}
		}
	})
	w.OnUpdate(func(st domain.MarketPriceState) { printState(st, cli.asJSON) })

	for {
		select {
		case <-disconnected:
		default:
		}
		if err := w.Subscribe(ctx); err == nil {
			cli.seed(ctx, w, ids)
			select {
			case <-ctx.Done():
				w.Unsubscribe()
				return nil
			case <-disconnected:
			}
		} else if ctx.Err() != nil {
			return nil
		}

		if cli.reconnect <= 0 {
			return fmt.Errorf("disconnected: %s", w.Status().Reason)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(cli.reconnect):
		}
	}
}

// seed primes the watcher with the current price of each market read over
// the REST API, so the first print does not wait for the next trade.
func (cli *CLI) seed(ctx context.Context, w *fanout.Watcher, ids []string) {
	base, err := restBase(cli.wsURL)
	if err != nil {
		return
	}
	client := &http.Client{Timeout: 5 * time.Second}
	for _, id := range ids {
		st, err := fetchState(ctx, client, base, id)
		if err != nil {
			cli.logger.Warn("initial price read failed", slog.String("market_id", id), slog.String("error", err.Error()))
			continue
		}
		w.Seed(st)
		printState(st, cli.asJSON)
	}
}

func fetchState(ctx context.Context, client *http.Client, base, id string) (domain.MarketPriceState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/markets/"+url.PathEscape(id)+"/price", nil)
	if err != nil {
		return domain.MarketPriceState{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return domain.MarketPriceState{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return domain.MarketPriceState{}, fmt.Errorf("market %s: %s", id, resp.Status)
	}
	var st domain.MarketPriceState
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return domain.MarketPriceState{}, fmt.Errorf("market %s: decode: %w", id, err)
	}
	return st, nil
}

func restBase(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path, u.RawQuery = "", ""
	return strings.TrimSuffix(u.String(), "/"), nil
}

func printState(st domain.MarketPriceState, asJSON bool) {
	if asJSON {
		data, err := json.Marshal(st)
		if err == nil {
			fmt.Println(string(data))
		}
		return
	}
	fmt.Printf("%s  %-24s yes=%s no=%s volume=%s liquidity=%s\n",
		st.UpdatedAt.Format(time.RFC3339), st.MarketID,
		st.YesPrice.StringFixed(4), st.NoPrice.StringFixed(4),
		st.TotalVolume.String(), st.Liquidity.String())
}

// splitIDs accepts both separate arguments and comma-separated lists.
func splitIDs(args []string) []string {
	var out []string
	for _, a := range args {
		for _, p := range strings.Split(a, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
