// Command httpcli queries and operates a meterproof server over its REST API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/urfave/cli"

	"github.com/spacemeshos/meterproof/cmd/httpcli/client"
)

func newClient(c *cli.Context) (*client.HTTPClient, error) {
	return client.NewHTTPClient(c.GlobalString("url"), c.GlobalInt("retries"))
}

func requireArg(c *cli.Context, name string) (string, error) {
	arg := c.Args().First()
	if arg == "" {
		return "", fmt.Errorf("missing argument: %s", name)
	}
	return arg, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func health(ctx context.Context, w io.Writer, cl *client.HTTPClient) error {
	h, err := cl.Health(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "status: %s (ledger healthy: %v)\n", h.Status, h.LedgerHealthy)
	fmt.Fprintf(w, "open window: %d readings, in flight: %d, pending: %d\n", h.OpenWindow, h.InFlight, h.PendingBatches)
	fmt.Fprintf(w, "devices online: %d, offline: %d\n", h.DevicesOnline, h.DevicesOffline)
	return nil
}

func stats(ctx context.Context, w io.Writer, cl *client.HTTPClient) error {
	st, err := cl.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "anchored: %d batches, %d readings from %d devices\n", st.Batches, st.Readings, st.Devices)
	fmt.Fprintf(w, "open window: %d readings, pending: %d\n", st.OpenWindow, st.PendingBatches)
	return nil
}

func proofs(ctx context.Context, w io.Writer, cl *client.HTTPClient, limit int) error {
	list, err := cl.Proofs(ctx, limit)
	if err != nil {
		return err
	}
	for _, p := range list {
		fmt.Fprintf(w, "%s  tx %s  %d readings  %.3f kWh  %s\n",
			p.BatchID, p.TransactionID, p.Metadata.ReadingCount, p.Metadata.TotalEnergyKWh, p.Digest)
	}
	fmt.Fprintf(w, "%d proofs\n", len(list))
	return nil
}

func pending(ctx context.Context, w io.Writer, cl *client.HTTPClient) error {
	list, err := cl.Pending(ctx)
	if err != nil {
		return err
	}
	for _, p := range list {
		fmt.Fprintf(w, "%s  %d readings  %d attempts", p.BatchID, p.ReadingCount, p.Attempts)
		if p.LastError != "" {
			fmt.Fprintf(w, "  last error: %s", p.LastError)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "%d pending batches\n", len(list))
	return nil
}

var errAuditFailed = errors.New("audit failed")

func audit(ctx context.Context, w io.Writer, cl *client.HTTPClient, batchID string) error {
	a, err := cl.Audit(ctx, batchID)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "stored digest:   %s\n", a.StoredDigest)
	fmt.Fprintf(w, "computed digest: %s\n", a.ComputedDigest)
	fmt.Fprintf(w, "readings root matches: %v\n", a.RootMatches)
	fmt.Fprintf(w, "ledger verified: %v\n", a.LedgerVerified)
	if !a.Valid() {
		fmt.Fprintln(w, "❌ proof does not hold")
		return fmt.Errorf("%w: batch %s", errAuditFailed, batchID)
	}
	fmt.Fprintln(w, "✅ proof is valid")
	return nil
}

// withClient adapts a command body to a cli action with a timeout bound context.
func withClient(fn func(ctx context.Context, c *cli.Context, cl *client.HTTPClient) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		cl, err := newClient(c)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.GlobalDuration("timeout"))
		defer cancel()
		return fn(ctx, c, cl)
	}
}

func newApp(out io.Writer) *cli.App {
	app := cli.NewApp()
	app.Name = "httpcli"
	app.Usage = "query and operate a meterproof server"
	app.Writer = out
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "url", Value: "http://localhost:8000", Usage: "base URL of the meterproof REST API"},
		cli.IntFlag{Name: "retries", Value: 3, Usage: "how many times a failed request is retried"},
		cli.DurationFlag{Name: "timeout", Value: 30 * time.Second, Usage: "timeout of a command"},
	}
	app.Commands = []cli.Command{
		{
			Name:  "health",
			Usage: "show the health of the server",
			Action: withClient(func(ctx context.Context, c *cli.Context, cl *client.HTTPClient) error {
				return health(ctx, out, cl)
			}),
		},
		{
			Name:  "stats",
			Usage: "show totals of anchored readings",
			Action: withClient(func(ctx context.Context, c *cli.Context, cl *client.HTTPClient) error {
				return stats(ctx, out, cl)
			}),
		},
		{
			Name:      "proofs",
			Usage:     "list anchored batches, newest first",
			ArgsUsage: "[limit]",
			Action: withClient(func(ctx context.Context, c *cli.Context, cl *client.HTTPClient) error {
				limit := 50
				if arg := c.Args().First(); arg != "" {
					var err error
					if limit, err = strconv.Atoi(arg); err != nil {
						return fmt.Errorf("parsing limit: %w", err)
					}
				}
				return proofs(ctx, out, cl, limit)
			}),
		},
		{
			Name:      "proof",
			Usage:     "print the proof of a batch",
			ArgsUsage: "<batch_id>",
			Flags:     []cli.Flag{cli.BoolFlag{Name: "contents", Usage: "include the readings of the batch"}},
			Action: withClient(func(ctx context.Context, c *cli.Context, cl *client.HTTPClient) error {
				batchID, err := requireArg(c, "batch_id")
				if err != nil {
					return err
				}
				p, err := cl.Proof(ctx, batchID, c.Bool("contents"))
				if err != nil {
					return err
				}
				return printJSON(out, p)
			}),
		},
		{
			Name:      "verify",
			Usage:     "check a transaction against the ledger",
			ArgsUsage: "<transaction_id>",
			Action: withClient(func(ctx context.Context, c *cli.Context, cl *client.HTTPClient) error {
				txID, err := requireArg(c, "transaction_id")
				if err != nil {
					return err
				}
				v, err := cl.Verify(ctx, txID)
				if err != nil {
					return err
				}
				return printJSON(out, v)
			}),
		},
		{
			Name:      "audit",
			Usage:     "recompute the digest of an anchored batch and verify its transaction",
			ArgsUsage: "<batch_id>",
			Action: withClient(func(ctx context.Context, c *cli.Context, cl *client.HTTPClient) error {
				batchID, err := requireArg(c, "batch_id")
				if err != nil {
					return err
				}
				return audit(ctx, out, cl, batchID)
			}),
		},
		{
			Name:  "pending",
			Usage: "list batches waiting for a receipt",
			Action: withClient(func(ctx context.Context, c *cli.Context, cl *client.HTTPClient) error {
				return pending(ctx, out, cl)
			}),
		},
		{
			Name:      "retry",
			Usage:     "resubmit a pending batch now",
			ArgsUsage: "<batch_id>",
			Action: withClient(func(ctx context.Context, c *cli.Context, cl *client.HTTPClient) error {
				batchID, err := requireArg(c, "batch_id")
				if err != nil {
					return err
				}
				if err := cl.Retry(ctx, batchID); err != nil {
					return err
				}
				fmt.Fprintf(out, "resubmitted %s\n", batchID)
				return nil
			}),
		},
		{
			Name:      "discard",
			Usage:     "drop a pending batch, losing its readings",
			ArgsUsage: "<batch_id>",
			Action: withClient(func(ctx context.Context, c *cli.Context, cl *client.HTTPClient) error {
				batchID, err := requireArg(c, "batch_id")
				if err != nil {
					return err
				}
				if err := cl.Discard(ctx, batchID); err != nil {
					return err
				}
				fmt.Fprintf(out, "discarded %s\n", batchID)
				return nil
			}),
		},
	}
	return app
}

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
