package cli

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List configured providers and their limits",
	RunE:  runProviders,
}

var reprioritizeCmd = &cobra.Command{
	Use:   "reprioritize",
	Short: "Reorder provider preference from observed speed, cost and reliability",
	RunE:  runReprioritize,
}

func init() {
	rootCmd.AddCommand(providersCmd)
	rootCmd.AddCommand(reprioritizeCmd)
}

func runProviders(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	entries := cfg.Providers
	sort.Slice(entries, func(i, j int) bool { return entries[i].Priority < entries[j].Priority })

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "PROVIDER\tPRIORITY\tTIER\tPER SEC\tPER MIN\tPER DAY\tBATCH\tCOST/CALL\tOPERATIONS\n")
	for _, p := range entries {
		ops := make([]string, len(p.Operations))
		for i, op := range p.Operations {
			ops[i] = string(op)
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%d\t%d\t%d\t$%.4f\t%s\n",
			p.ID, p.Priority, p.Tier,
			p.CallsPerSecond, p.CallsPerMinute, p.CallsPerDay,
			p.BatchSize, p.CostPerCall, strings.Join(ops, ","),
		)
	}
	w.Flush()

	return nil
}

func runReprioritize(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	o, err := initOrchestrator(cfg)
	if err != nil {
		return err
	}
	defer o.Close(cmd.Context())

	o.Reprioritize()
	fmt.Println("Provider preference recomputed from recorded history.")
	return nil
}
