package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/benaskins/powerd/internal/daemon"
	"github.com/benaskins/powerd/internal/profile"
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Show or change the power profile",
	RunE: func(cmd *cobra.Command, args []string) error {
		var st profile.Status
		if err := newClient(10*time.Second).do(cmd.Context(), "GET", "/v1/profile", nil, &st); err != nil {
			return err
		}
		fmt.Println(describeProfile(st))
		return nil
	},
}

var profileSetCmd = &cobra.Command{
	Use:   "set <balanced|battery|performance>",
	Short: "Set the power profile",
	Long: "Set the base power profile. With --hold the profile is held only while\n" +
		"this command runs; the hold is released when it exits.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := profile.Parse(args[0])
		if err != nil {
			return err
		}
		hold, _ := cmd.Flags().GetBool("hold")
		wait, _ := cmd.Flags().GetBool("wait")

		// The hold lives as long as this client's connection.
		c := newClient(0)
		var st profile.Status
		body := map[string]any{"profile": p, "hold": hold}
		if err := c.do(cmd.Context(), "PUT", waitPath("/v1/profile", wait), body, &st); err != nil {
			return err
		}
		fmt.Println(describeProfile(st))
		if !hold {
			return nil
		}

		fmt.Fprintln(os.Stderr, "Holding profile; press Ctrl-C to release")
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return c.stream(ctx, func(kind string, data []byte) error {
			if kind != string(daemon.EventProfileChanged) {
				return nil
			}
			var e daemon.Event
			if err := json.Unmarshal(data, &e); err != nil || e.Profile == nil {
				return nil
			}
			fmt.Printf("Profile: %s (effective %s, %d holds)\n", e.Profile.Active, e.Profile.Effective, e.Profile.HoldCount)
			return nil
		})
	},
}

var profileReleaseCmd = &cobra.Command{
	Use:   "release",
	Short: "Release this connection's profile hold",
	Long:  "Holds belong to the connection that took them, so this only matters for scripted clients sharing a connection.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var st profile.Status
		if err := mutate(cmd, "DELETE", "/v1/profile/hold", nil, &st); err != nil {
			return err
		}
		fmt.Println(describeProfile(st))
		return nil
	},
}

func describeProfile(st profile.Status) string {
	s := fmt.Sprintf("Profile: %s", st.Active)
	if st.Effective != st.Active {
		s += fmt.Sprintf(" (effective %s)", st.Effective)
	}
	if st.HoldCount > 0 {
		s += fmt.Sprintf(", %d hold(s), base %s", st.HoldCount, st.Base)
	}
	if len(st.Failed) > 0 {
		s += fmt.Sprintf("\nNot applied: %s", strings.Join(st.Failed, ", "))
	}
	return s
}

func init() {
	profileSetCmd.Flags().Bool("hold", false, "hold the profile until this command exits")
	for _, c := range []*cobra.Command{profileSetCmd, profileReleaseCmd} {
		c.Flags().Bool("wait", false, "queue behind a running operation instead of failing")
		profileCmd.AddCommand(c)
	}
	rootCmd.AddCommand(profileCmd)
}
