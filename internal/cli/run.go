package cli

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/tickwise/quotagate/pkg/batch"
	"github.com/tickwise/quotagate/pkg/model"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a batch acquisition over a list of symbols",
	Long: `Run drives a batch of symbols through the fallback executor with a
bounded worker pool. Failed items are reported individually; a failing
symbol never aborts its siblings.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringP("op", "o", string(model.OpPriceLookup), "Operation (price_lookup, fundamentals_lookup, batch_price_lookup, historical_backfill)")
	runCmd.Flags().StringP("symbols", "s", "", "Comma-separated symbols")
	runCmd.Flags().StringP("file", "f", "", "File with one symbol per line")
	runCmd.Flags().Bool("detailed", false, "Show per-item results")
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	opFlag, _ := cmd.Flags().GetString("op")
	symbolsFlag, _ := cmd.Flags().GetString("symbols")
	fileFlag, _ := cmd.Flags().GetString("file")
	detailed, _ := cmd.Flags().GetBool("detailed")

	symbols, err := collectSymbols(symbolsFlag, fileFlag)
	if err != nil {
		return err
	}
	if len(symbols) == 0 {
		return fmt.Errorf("no symbols given; use --symbols or --file")
	}

	o, err := initOrchestrator(cfg)
	if err != nil {
		return err
	}
	defer o.Close(cmd.Context())

	runner := batch.NewRunner(o.Executor(), o.Registry(), o.Metrics(), clockwork.NewRealClock(), newLogger(cfg), batch.Options{
		Workers:     cfg.Batch.Workers,
		ItemTimeout: cfg.Batch.ItemTimeout,
	})

	report := runner.Run(cmd.Context(), model.OpType(opFlag), symbols)

	fmt.Printf("=== Batch Run %s ===\n", report.RunID)
	fmt.Printf("Operation: %s\n", report.Op)
	fmt.Printf("Duration:  %s\n", report.Finished.Sub(report.Started).Round(1e6))
	fmt.Printf("Succeeded: %d\n", report.Succeeded)
	fmt.Printf("Failed:    %d\n", report.Failed)

	if len(report.Usage) > 0 {
		fmt.Printf("\nProvider Usage:\n")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "  PROVIDER\tDAILY\tLIMIT\tPCT\tCOST\n")
		for name, snap := range report.Usage {
			fmt.Fprintf(w, "  %s\t%d\t%d\t%.1f%%\t$%.4f\n",
				name, snap.DailyUsed, snap.DailyLimit, snap.DailyPct*100, snap.CostUSD)
		}
		w.Flush()
	}

	if detailed {
		fmt.Printf("\nResults:\n")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "  SYMBOL\tPROVIDER\tDURATION\tERROR\n")
		for _, r := range report.Results {
			errMsg := "-"
			if r.Error != "" {
				errMsg = r.Error
			}
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", r.ItemID, orDash(r.Provider), r.Duration.Round(1e6), errMsg)
		}
		w.Flush()
	}

	if report.Failed > 0 {
		return fmt.Errorf("%d of %d items failed", report.Failed, len(symbols))
	}
	return nil
}

func collectSymbols(symbolsFlag, fileFlag string) ([]string, error) {
	var symbols []string
	for _, s := range strings.Split(symbolsFlag, ",") {
		if s = strings.TrimSpace(s); s != "" {
			symbols = append(symbols, s)
		}
	}

	if fileFlag != "" {
		data, err := os.ReadFile(fileFlag)
		if err != nil {
			return nil, fmt.Errorf("read symbols file: %w", err)
		}
		for _, line := range strings.Split(string(data), "\n") {
			if line = strings.TrimSpace(line); line != "" && !strings.HasPrefix(line, "#") {
				symbols = append(symbols, line)
			}
		}
	}

	return symbols, nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
