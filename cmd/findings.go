package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"specter/database"

	"github.com/spf13/cobra"
)

var (
	findingsSeverity string
	findingsStatus   string
	findingsPlugin   string
	findingsLimit    int
)

var findingsCmd = &cobra.Command{
	Use:   "findings",
	Short: "Lists deduplicated vulnerability findings",
	RunE: func(cmd *cobra.Command, args []string) error {
		vulns, err := database.ListVulnerabilities(database.VulnerabilityFilters{
			Severity: findingsSeverity,
			Status:   findingsStatus,
			PluginID: findingsPlugin,
			Limit:    findingsLimit,
		})
		if err != nil {
			return fmt.Errorf("failed to list vulnerabilities: %w", err)
		}
		if len(vulns) == 0 {
			fmt.Println("No findings recorded.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSEVERITY\tTYPE\tURL\tPLUGIN\tHITS\tSTATUS\tLAST SEEN")
		for _, v := range vulns {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
				v.ID, v.Severity, v.VulnType, v.URL, v.PluginID,
				v.HitCount, v.Status, v.LastSeenAt.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

func init() {
	findingsCmd.Flags().StringVar(&findingsSeverity, "severity", "", "filter by severity (critical, high, medium, low, info)")
	findingsCmd.Flags().StringVar(&findingsStatus, "status", "", "filter by status (open, reviewed, false_positive, fixed)")
	findingsCmd.Flags().StringVar(&findingsPlugin, "plugin", "", "filter by plugin ID")
	findingsCmd.Flags().IntVar(&findingsLimit, "limit", 100, "maximum number of rows to show")
	rootCmd.AddCommand(findingsCmd)
}
