package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"specter/database"

	"github.com/spf13/cobra"
)

var pluginCmd = &cobra.Command{
	Use:   "plugin",
	Short: "Manages scan plugins",
}

var pluginListCmd = &cobra.Command{
	Use:   "list",
	Short: "Lists registered plugins and their status",
	RunE: func(cmd *cobra.Command, args []string) error {
		records, err := database.ListPluginRecords()
		if err != nil {
			return fmt.Errorf("failed to list plugins: %w", err)
		}
		if len(records) == 0 {
			fmt.Println("No plugins registered. Run 'specter plugin scan' to load the plugin directory.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tVERSION\tCATEGORY\tSTATUS\tERROR")
		for _, rec := range records {
			errMsg := ""
			if rec.ErrorMessage.Valid {
				errMsg = rec.ErrorMessage.String
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				rec.ID, rec.Name, rec.Version, rec.Category, rec.Status, errMsg)
		}
		return w.Flush()
	},
}

var pluginLoadCmd = &cobra.Command{
	Use:   "load <script-path>",
	Short: "Loads (or reloads) a single plugin script by path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		application, err := buildApp()
		if err != nil {
			return err
		}

		rec, err := application.Manager.LoadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to load plugin %s: %w", args[0], err)
		}
		fmt.Printf("Loaded %s (%s) - %s\n", rec.ID, rec.Version, rec.Status)
		return nil
	},
}

var pluginScanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scans the plugin directory and (re)loads every script",
	RunE: func(cmd *cobra.Command, args []string) error {
		application, err := buildApp()
		if err != nil {
			return err
		}

		records := application.Manager.List()
		fmt.Printf("Loaded %d plugin(s):\n", len(records))
		for _, rec := range records {
			line := fmt.Sprintf("  %s (%s) - %s", rec.ID, rec.Version, rec.Status)
			if rec.ErrorMessage.Valid {
				line += ": " + strings.TrimSpace(rec.ErrorMessage.String)
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	pluginCmd.AddCommand(pluginListCmd)
	pluginCmd.AddCommand(pluginLoadCmd)
	pluginCmd.AddCommand(pluginScanCmd)
	rootCmd.AddCommand(pluginCmd)
}
