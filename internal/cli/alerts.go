package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "List and resolve quota alerts",
	RunE:  runAlerts,
}

var alertsResolveCmd = &cobra.Command{
	Use:   "resolve <alert-id>",
	Short: "Mark an alert as resolved",
	Args:  cobra.ExactArgs(1),
	RunE:  runAlertsResolve,
}

func init() {
	rootCmd.AddCommand(alertsCmd)
	alertsCmd.AddCommand(alertsResolveCmd)
	alertsCmd.Flags().StringP("provider", "p", "", "Filter by provider")
	alertsCmd.Flags().Bool("resolved", false, "Show resolved alerts instead of active ones")
}

func runAlerts(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	providerFilter, _ := cmd.Flags().GetString("provider")
	resolved, _ := cmd.Flags().GetBool("resolved")

	o, err := initOrchestrator(cfg)
	if err != nil {
		return err
	}
	defer o.Close(cmd.Context())

	list := o.GetAlerts(providerFilter, resolved)
	if len(list) == 0 {
		fmt.Println("No alerts.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID\tTIME\tPROVIDER\tTYPE\tMESSAGE\n")
	for _, a := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			a.ID, a.CreatedAt.Format("2006-01-02 15:04"),
			a.Provider, a.Type, a.Message,
		)
	}
	w.Flush()

	return nil
}

func runAlertsResolve(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	o, err := initOrchestrator(cfg)
	if err != nil {
		return err
	}
	defer o.Close(cmd.Context())

	id := args[0]
	if err := o.ResolveAlert(cmd.Context(), id); err != nil {
		return fmt.Errorf("resolve alert %s: %w", id, err)
	}

	fmt.Printf("Alert %s resolved.\n", id)
	return nil
}
