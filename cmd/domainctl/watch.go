package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/hostdomains/internal/reconcile"
	"github.com/jmerrifield20/hostdomains/pkg/client"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// clientTarget observes the control plane through the SDK. When only is
// non-empty the processing set is restricted to those domains.
type clientTarget struct {
	c    *client.Client
	only map[uuid.UUID]bool
}

func (t clientTarget) Processing(ctx context.Context) (map[uuid.UUID]bool, error) {
	ids, err := t.c.ProcessingIDs(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]bool, len(ids))
	for s, needsCheck := range ids {
		id, err := uuid.Parse(s)
		if err != nil {
			continue
		}
		if len(t.only) > 0 && !t.only[id] {
			continue
		}
		out[id] = needsCheck
	}
	return out, nil
}

func (t clientTarget) Check(ctx context.Context, id uuid.UUID) (reconcile.Result, error) {
	res, err := t.c.CheckStatus(ctx, id.String())
	if err != nil {
		return reconcile.Result{}, err
	}
	return reconcile.Result{
		DomainID:   id,
		ObservedAt: res.ObservedAt,
		Updated:    res.Updated(),
		Payload:    res,
	}, nil
}

var (
	watchInterval time.Duration
	watchCooldown time.Duration
	watchTimeout  time.Duration
	watchVerbose  bool
)

var watchCmd = &cobra.Command{
	Use:   "watch [domain-id...]",
	Short: "Follow domains until they are live or failed",
	Long: `watch polls the control plane while domains are being provisioned and
prints every status change. Without arguments it follows every domain that is
still processing. It exits once nothing is left to follow.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		only := make(map[uuid.UUID]bool, len(args))
		for _, a := range args {
			id, err := uuid.Parse(a)
			if err != nil {
				return fmt.Errorf("invalid domain id %q", a)
			}
			only[id] = true
		}

		c, err := newClient(client.WithCooldown(watchCooldown))
		if err != nil {
			return err
		}
		defer c.Close() //nolint:errcheck

		logger := zap.NewNop()
		if watchVerbose {
			if logger, err = zap.NewDevelopment(); err != nil {
				return err
			}
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if watchTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, watchTimeout)
			defer cancel()
		}

		book := reconcile.NewStatusBook()
		poller := reconcile.New(clientTarget{c: c, only: only}, nil, reconcile.Options{
			Interval: watchInterval,
			Cooldown: watchCooldown,
		}, logger)
		poller.OnResult(func(res reconcile.Result) {
			if !book.Apply(res) {
				return
			}
			cr, ok := res.Payload.(*client.CheckResult)
			if !ok {
				return
			}
			if outputJSON {
				_ = printJSON(cr)
				return
			}
			fmt.Printf("%s  %-32s dns=%s ssl=%s  %s\n",
				res.ObservedAt.Local().Format(time.TimeOnly), cr.Domain.FQDN,
				cr.Domain.DNSStatus, cr.Domain.SSLStatus, cr.Message)
		})

		if err := poller.Sync(ctx); err != nil {
			return err
		}
		for id := range only {
			poller.Track(id)
		}
		if !poller.Running() {
			fmt.Println("Nothing is processing.")
			return poller.Close(context.Background())
		}
		if !outputJSON {
			fmt.Printf("Watching %d domain(s). Press Ctrl-C to stop.\n", len(poller.Tracked()))
		}

		tick := time.NewTicker(250 * time.Millisecond)
		defer tick.Stop()
		for poller.Running() {
			select {
			case <-ctx.Done():
				closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = poller.Close(closeCtx)
				if ctx.Err() == context.DeadlineExceeded {
					return fmt.Errorf("still processing after %s", watchTimeout)
				}
				return nil
			case <-tick.C:
			}
		}
		if err := poller.Close(context.Background()); err != nil {
			return err
		}
		return printFinal(cmd.Context(), c, only)
	},
}

// printFinal shows where the followed domains ended up.
func printFinal(ctx context.Context, c *client.Client, only map[uuid.UUID]bool) error {
	if outputJSON || len(only) == 0 {
		return nil
	}
	fmt.Println()
	for id := range only {
		d, err := c.Get(ctx, id.String())
		if err != nil {
			return err
		}
		mark := "✓"
		for _, b := range d.Bindings {
			if b.Status == client.StatusFailed {
				mark = "✗"
			}
		}
		fmt.Printf("%s %s  %s\n", mark, d.FQDN, bindingSummary(d.Bindings))
	}
	return nil
}

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 5*time.Second, "time between re-lists")
	watchCmd.Flags().DurationVar(&watchCooldown, "cooldown", 3*time.Second, "minimum time between checks of one domain")
	watchCmd.Flags().DurationVar(&watchTimeout, "timeout", 0, "give up after this long (0 waits forever)")
	watchCmd.Flags().BoolVarP(&watchVerbose, "verbose", "v", false, "log poller activity to stderr")
}
