package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/olekukonko/tablewriter"

	"github.com/alejandrodnm/arena/internal/domain"
	"github.com/alejandrodnm/arena/internal/ports"
)

var _ ports.Notifier = (*Console)(nil)

// Console implements ports.Notifier by printing leaderboards to a terminal.
type Console struct {
	mu    sync.Mutex
	out   io.Writer
	table bool
	every int64 // print a full table every N ticks; terminal deltas always print
}

// NewConsole writes to stdout. With table=false each tick is a single line.
func NewConsole(table bool, every int64) *Console {
	return NewConsoleWriter(os.Stdout, table, every)
}

// NewConsoleWriter writes to w; used by tests.
func NewConsoleWriter(w io.Writer, table bool, every int64) *Console {
	if every <= 0 {
		every = 1
	}
	return &Console{out: w, table: table, every: every}
}

// Notify prints one delta.
func (c *Console) Notify(_ context.Context, d domain.Delta) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch d.Kind {
	case domain.DeltaReconciliation:
		c.printReconciliation(d)
	case domain.DeltaTerminal:
		c.printTerminal(d)
	case domain.DeltaTick:
		if c.table && d.TickIndex%c.every == 0 {
			c.printHeader(d)
			c.printTable(d.Leaderboard)
		} else {
			c.printCompact(d)
		}
	}
	return nil
}

// Follow prints every delta from ch until it closes or ctx ends.
func (c *Console) Follow(ctx context.Context, ch <-chan domain.Delta) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-ch:
			if !ok {
				return
			}
			_ = c.Notify(ctx, d)
		}
	}
}

// printCompact prints the tick and the top three in one line.
func (c *Console) printCompact(d domain.Delta) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s tick %d/%d", d.Timestamp.Format("15:04:05"), shortID(d.MatchID), d.TickIndex, d.TotalTicks)
	for i, s := range d.Leaderboard.Standings {
		if i >= 3 {
			break
		}
		fmt.Fprintf(&sb, " | #%d %s %s (%s%%)", s.Rank, s.AgentID, s.TotalPnL.StringFixed(2), s.ReturnPct.StringFixed(2))
	}
	if n := len(d.Faults); n > 0 {
		fmt.Fprintf(&sb, " | faults:%d", n)
	}
	fmt.Fprintln(c.out, sb.String())
}

func (c *Console) printHeader(d domain.Delta) {
	fmt.Fprintf(c.out, "\n[%s] match %s tick %d/%d, %d fills, %d faults\n",
		d.Timestamp.Format("15:04:05"), shortID(d.MatchID), d.TickIndex, d.TotalTicks, len(d.Fills), len(d.Faults))
}

func (c *Console) printTerminal(d domain.Delta) {
	fmt.Fprintf(c.out, "\n══ match %s %s (%s) after %d ticks ══\n",
		shortID(d.MatchID), strings.ToUpper(string(d.Status)), d.Reason, d.Leaderboard.TickIndex)
	if d.WinnerID != "" {
		if leader, ok := d.Leaderboard.Leader(); ok {
			fmt.Fprintf(c.out, "  winner: %s (%s) %s\n", leader.AgentID, shortID(d.WinnerID), leader.TotalPnL.StringFixed(2))
		}
	}
	c.printTable(d.Leaderboard)
}

// printTable prints the ranked standings.
func (c *Console) printTable(board domain.LeaderboardSnapshot) {
	if len(board.Standings) == 0 {
		fmt.Fprintln(c.out, "  no participants")
		return
	}
	table := tablewriter.NewWriter(c.out)
	table.Header("#", "Agent", "Equity", "Realized", "Unrealized", "Total PnL", "Return %", "Trades", "W/L", "Faults", "Status")
	for _, s := range board.Standings {
		status := string(s.Status)
		if s.Reason != "" {
			status += " (" + s.Reason + ")"
		}
		table.Append(
			fmt.Sprintf("%d", s.Rank),
			s.AgentID,
			s.Equity.StringFixed(2),
			s.RealizedPnL.StringFixed(2),
			s.UnrealizedPnL.StringFixed(2),
			s.TotalPnL.StringFixed(2),
			s.ReturnPct.StringFixed(2),
			fmt.Sprintf("%d", s.Trades),
			fmt.Sprintf("%d/%d", s.Wins, s.Losses),
			fmt.Sprintf("%d", s.Faults),
			status,
		)
	}
	table.Render()
}

func (c *Console) printReconciliation(d domain.Delta) {
	r := d.Reconciliation
	if r == nil {
		return
	}
	fmt.Fprintf(c.out, "[%s] RECONCILE %s order %s %s: sim %s@%s real %s@%s %s\n",
		r.At.Format("15:04:05"), shortID(r.MatchID), shortID(r.OrderID), strings.ToUpper(string(r.Status)),
		r.SimSize, r.SimPrice.StringFixed(2), r.RealSize, r.RealPrice.StringFixed(2), r.Reason)
}

// shortID keeps the first 8 characters of a UUID.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
