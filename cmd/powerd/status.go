package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/benaskins/powerd/internal/graphics"
	"github.com/benaskins/powerd/internal/hwprobe"
	"github.com/benaskins/powerd/internal/profile"
	"github.com/benaskins/powerd/internal/txn"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show graphics, profile and hardware status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(10 * time.Second)
		var v statusView
		for path, out := range map[string]any{
			"/v1/graphics":    &v.Graphics,
			"/v1/profile":     &v.Profile,
			"/v1/hardware":    &v.Hardware,
			"/v1/transaction": &v.Transaction,
		} {
			if err := c.do(cmd.Context(), "GET", path, nil, out); err != nil {
				return err
			}
		}
		renderStatus(os.Stdout, v, term.IsTerminal(int(os.Stdout.Fd())))
		return nil
	},
}

type statusView struct {
	Graphics    graphics.Status
	Profile     profile.Status
	Hardware    hwprobe.Snapshot
	Transaction txn.Status
}

var (
	headingStyle = lipgloss.NewStyle().Bold(true)
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Width(16)
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
)

// renderStatus writes the status report. Styling is dropped when out is
// not a terminal.
func renderStatus(out io.Writer, v statusView, styled bool) {
	style := func(s lipgloss.Style, text string) string {
		if !styled {
			return text
		}
		return s.Render(text)
	}
	row := func(label, value string) {
		if styled {
			fmt.Fprintf(out, "  %s%s\n", labelStyle.Render(label), value)
			return
		}
		fmt.Fprintf(out, "  %-16s%s\n", label, value)
	}

	g := v.Graphics
	fmt.Fprintln(out, style(headingStyle, "Graphics"))
	row("mode", string(g.Current))
	if g.Pending != "" {
		row("pending", string(g.Pending)+" (after reboot)")
	}
	row("discrete power", string(g.DiscretePower))
	if g.Recovery != nil {
		row("recovery", style(warnStyle, fmt.Sprintf("%s: expected %s, hardware reports %s",
			g.Recovery.Reason, g.Recovery.Expected, g.Recovery.Probed)))
	}
	if g.Inconsistent != nil {
		row("inconsistent", style(errStyle, fmt.Sprintf("step %s failed: %s", g.Inconsistent.Step, g.Inconsistent.Error)))
	}

	p := v.Profile
	fmt.Fprintln(out)
	fmt.Fprintln(out, style(headingStyle, "Power profile"))
	row("active", string(p.Active))
	if p.Effective != p.Active {
		row("effective", string(p.Effective))
	}
	if p.HoldCount > 0 {
		row("holds", fmt.Sprintf("%d (base %s)", p.HoldCount, p.Base))
	}
	if len(p.Failed) > 0 {
		row("not applied", style(warnStyle, strings.Join(p.Failed, ", ")))
	}

	h := v.Hardware
	fmt.Fprintln(out)
	fmt.Fprintln(out, style(headingStyle, "Hardware"))
	for _, d := range h.Graphics.Integrated {
		row("integrated", describeDevice(d))
	}
	for _, d := range h.Graphics.Discrete {
		row("discrete", describeDevice(d))
	}
	if !h.Switchable {
		row("switchable", "no")
	}
	if h.Error != "" {
		row("probe error", style(errStyle, h.Error))
	}

	if t := v.Transaction; t.Busy {
		fmt.Fprintln(out)
		msg := fmt.Sprintf("%s transaction running for %s", t.Kind, t.Elapsed.Round(time.Second))
		if t.Stuck {
			msg += " (possibly stuck)"
		}
		fmt.Fprintln(out, style(warnStyle, msg))
	}
}

func describeDevice(d hwprobe.Device) string {
	s := fmt.Sprintf("%s %s", d.Slot, d.Vendor)
	if d.Driver != "" {
		s += " [" + d.Driver + "]"
	}
	return s
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
