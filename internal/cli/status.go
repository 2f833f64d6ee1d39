package cli

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-provider quota usage and circuit state",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringP("provider", "p", "", "Filter by provider")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	providerFilter, _ := cmd.Flags().GetString("provider")

	o, err := initOrchestrator(cfg)
	if err != nil {
		return err
	}
	defer o.Close(cmd.Context())

	usage := o.GetUsageSummary(providerFilter)
	circuits := o.GetCircuitStates()

	names := make([]string, 0, len(usage))
	for name := range usage {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Println("=== Provider Status ===")
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "PROVIDER\tDAILY\tLIMIT\tPCT\tCALLS\tSUCCESS\tAVG MS\tCOST\tCIRCUIT\n")
	for _, name := range names {
		snap := usage[name]

		circuitState := "CLOSED"
		if cs, ok := circuits[name]; ok {
			circuitState = string(cs.State)
		}

		successRate := "-"
		if snap.TotalCalls > 0 {
			successRate = fmt.Sprintf("%.1f%%", float64(snap.Successes)/float64(snap.TotalCalls)*100)
		}

		fmt.Fprintf(w, "%s\t%d\t%d\t%.1f%%\t%d\t%s\t%.0f\t$%.4f\t%s\n",
			name, snap.DailyUsed, snap.DailyLimit, snap.DailyPct*100,
			snap.TotalCalls, successRate, snap.AvgLatencyMS, snap.CostUSD,
			circuitState,
		)
	}
	w.Flush()

	return nil
}
