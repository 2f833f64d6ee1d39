package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var resetCircuitCmd = &cobra.Command{
	Use:   "reset-circuit <provider>",
	Short: "Force a provider's circuit breaker back to CLOSED",
	Args:  cobra.ExactArgs(1),
	RunE:  runResetCircuit,
}

func init() {
	rootCmd.AddCommand(resetCircuitCmd)
}

func runResetCircuit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	o, err := initOrchestrator(cfg)
	if err != nil {
		return err
	}
	defer o.Close(cmd.Context())

	o.ResetCircuit(args[0])
	fmt.Printf("Circuit for %s reset.\n", args[0])
	return nil
}
