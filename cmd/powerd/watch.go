package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/benaskins/powerd/internal/daemon"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print daemon notifications as they happen",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return newClient(0).stream(ctx, func(kind string, data []byte) error {
			if asJSON {
				fmt.Println(string(data))
				return nil
			}
			var e daemon.Event
			if err := json.Unmarshal(data, &e); err != nil {
				return fmt.Errorf("decoding %s event: %w", kind, err)
			}
			fmt.Println(describeEvent(e))
			return nil
		})
	},
}

func describeEvent(e daemon.Event) string {
	ts := e.Time.Local().Format(time.TimeOnly)
	switch {
	case e.Graphics != nil:
		return fmt.Sprintf("%s %s", ts, describeGraphics(*e.Graphics))
	case e.Profile != nil:
		return fmt.Sprintf("%s Profile: %s (effective %s, %d holds)", ts, e.Profile.Active, e.Profile.Effective, e.Profile.HoldCount)
	case e.Busy != nil:
		return fmt.Sprintf("%s Busy: %s transaction running since %s", ts, e.Busy.Kind, e.Busy.Since.Local().Format(time.TimeOnly))
	}
	return fmt.Sprintf("%s %s", ts, e.Kind)
}

func init() {
	watchCmd.Flags().Bool("json", false, "print raw event JSON")
	rootCmd.AddCommand(watchCmd)
}
