package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/benaskins/powerd/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "powerd",
	Short: "Laptop graphics and power profile daemon",
	Long: "powerd switches the graphics mode of hybrid-GPU laptops and applies power\n" +
		"profiles. Run \"powerd daemon\" as root; the other commands talk to it.",
	SilenceUsage: true,
}

var socketPath string

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", defaultSocketPath(), "daemon socket path")
}

func defaultSocketPath() string {
	if p := os.Getenv("POWERD_SOCKET_PATH"); p != "" {
		return p
	}
	return config.DefaultSocketPath
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
