package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/benaskins/powerd/internal/graphics"
	"github.com/benaskins/powerd/internal/state"
)

var graphicsCmd = &cobra.Command{
	Use:   "graphics",
	Short: "Show or change the graphics mode",
	RunE: func(cmd *cobra.Command, args []string) error {
		var st graphics.Status
		if err := newClient(10*time.Second).do(cmd.Context(), "GET", "/v1/graphics", nil, &st); err != nil {
			return err
		}
		fmt.Println(describeGraphics(st))
		return nil
	},
}

var graphicsSetCmd = &cobra.Command{
	Use:   "set <integrated|hybrid|discrete>",
	Short: "Request a graphics mode (takes effect after reboot)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := state.ParseMode(args[0])
		if err != nil {
			return err
		}
		var out outcome
		body := map[string]string{"mode": string(mode)}
		if err := mutate(cmd, "PUT", "/v1/graphics", body, &out); err != nil {
			return err
		}
		switch graphics.Outcome(out.Outcome) {
		case graphics.OutcomeNoChange:
			fmt.Printf("Graphics already set to %s\n", mode)
		case graphics.OutcomePendingReboot:
			fmt.Printf("Graphics mode %s will be active after reboot\n", mode)
		default:
			fmt.Printf("Graphics: %s\n", out.Outcome)
		}
		return nil
	},
}

var graphicsPowerCmd = &cobra.Command{
	Use:   "power <on|off>",
	Short: "Power the discrete GPU on or off",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		power, err := state.ParsePower(args[0])
		if err != nil {
			return err
		}
		var out outcome
		if err := mutate(cmd, "PUT", "/v1/graphics/power", map[string]string{"power": string(power)}, &out); err != nil {
			return err
		}
		fmt.Printf("Discrete GPU power %s: %s\n", out.Graphics.DiscretePower, out.Outcome)
		return nil
	},
}

var graphicsAcceptCmd = &cobra.Command{
	Use:   "accept",
	Short: "Accept the mode the hardware reports after a failed or interrupted switch",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			Mode state.Mode `json:"mode"`
		}
		if err := mutate(cmd, "POST", "/v1/graphics/accept", nil, &out); err != nil {
			return err
		}
		fmt.Printf("Graphics mode is now recorded as %s\n", out.Mode)
		return nil
	},
}

type outcome struct {
	Outcome  string          `json:"outcome"`
	Graphics graphics.Status `json:"graphics"`
}

// mutate sends a state-changing request. Transitions can run for a while,
// so there is no client timeout beyond the command's context.
func mutate(cmd *cobra.Command, method, path string, body, out any) error {
	wait, _ := cmd.Flags().GetBool("wait")
	return newClient(0).do(cmd.Context(), method, waitPath(path, wait), body, out)
}

func describeGraphics(st graphics.Status) string {
	s := fmt.Sprintf("Graphics: %s", st.Current)
	if st.Pending != "" {
		s += fmt.Sprintf(" (%s after reboot)", st.Pending)
	}
	s += fmt.Sprintf(", discrete GPU %s", st.DiscretePower)
	if st.Recovery != nil {
		s += fmt.Sprintf("\nRecovery: %s (expected %s, hardware reports %s); run \"powerd graphics accept\"",
			st.Recovery.Reason, st.Recovery.Expected, st.Recovery.Probed)
	}
	if st.Inconsistent != nil {
		s += fmt.Sprintf("\nInconsistent: step %s failed; manual repair needed", st.Inconsistent.Step)
	}
	return s
}

func init() {
	for _, c := range []*cobra.Command{graphicsSetCmd, graphicsPowerCmd, graphicsAcceptCmd} {
		c.Flags().Bool("wait", false, "queue behind a running operation instead of failing")
		graphicsCmd.AddCommand(c)
	}
	rootCmd.AddCommand(graphicsCmd)
}
