package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/orbitsched/orbit/internal/cli"
)

var rootCmd = &cobra.Command{Use: "orbit"}

func main() {
	// Deployments embed orbit and pass their workflow registrations here.
	cli.SetupCLI(rootCmd, nil)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
