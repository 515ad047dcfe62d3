package watch

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/cmalloy/pvbridge/pkg/pvbus"
)

var (
	inputColor  = color.New(color.FgCyan)
	outputColor = color.New(color.FgGreen)
)

// Stream subscribes to an instance's update notices and renders one line per
// notice to out until the context is cancelled. Notices carry names only, so
// streaming stays cheap even when image variables are flowing.
func Stream(ctx context.Context, client *pvbus.Client, out io.Writer) error {
	sub, err := client.SubscribeUpdateNotices(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to update notices: %w", err)
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-sub.Errors():
			if err != nil {
				fmt.Fprintf(out, "! %v\n", err)
			}

		case notice, ok := <-sub.Events():
			if !ok {
				return nil
			}
			printNotice(out, notice)
		}
	}
}

func printNotice(out io.Writer, notice *pvbus.UpdateNotice) {
	at := time.Now()
	if notice.AtMs > 0 {
		at = time.UnixMilli(notice.AtMs)
	}

	c := outputColor
	if notice.Kind == pvbus.EventInput {
		c = inputColor
	}

	fmt.Fprintf(out, "%s  ", at.Format("15:04:05.000"))
	c.Fprintf(out, "%-6s %-6s", notice.Target, notice.Kind)
	fmt.Fprintf(out, " %s\n", strings.Join(notice.Names, ", "))
}

// WaitForVariable polls the state snapshot until the named variable satisfies
// pred. Returns the matching snapshot or an error if timeout elapses. Polls
// every 200ms.
func WaitForVariable(ctx context.Context, client *pvbus.Client, name string, timeout time.Duration, pred func(pvbus.Variable) bool) (*pvbus.Variable, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	timeoutCh := time.After(timeout)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-timeoutCh:
			return nil, fmt.Errorf("timeout waiting for variable '%s' after %v", name, timeout)

		case <-ticker.C:
			v, err := client.ReadVariable(ctx, name)
			if err != nil {
				if pvbus.IsNotFound(err) {
					// Not published yet, continue polling
					continue
				}
				return nil, fmt.Errorf("failed to read variable '%s': %w", name, err)
			}

			if pred(*v) {
				return v, nil
			}
		}
	}
}
