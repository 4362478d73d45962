package cmd

import (
	"net/http"

	"specter/api"
	"specter/config"
	"specter/logger"

	"github.com/spf13/cobra"
)

var standaloneServerPort string

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Starts the API server only; the proxy is started on demand via the API",
	RunE: func(cmd *cobra.Command, args []string) error {
		portToUse := standaloneServerPort
		if !cmd.Flags().Changed("port") {
			portToUse = config.AppConfig.Server.Port
		}
		if portToUse == "" {
			portToUse = "8788"
		}

		application, err := buildApp()
		if err != nil {
			return err
		}
		application.Pipeline.Start()
		defer application.Pipeline.Stop()

		apiRouter := api.NewRouter(application.Proxy, application.Pipeline, application.Manager,
			application.Authority, application.Broker, config.AppConfig.Proxy.Port)
		mainMux := http.NewServeMux()
		mainMux.Handle("/api/", http.StripPrefix("/api", apiRouter))

		logger.Info("API server listening on 127.0.0.1:%s", portToUse)
		if err := http.ListenAndServe("127.0.0.1:"+portToUse, mainMux); err != nil {
			logger.Fatal("Could not start API server: %v", err)
		}
		return nil
	},
}

func init() {
	serverCmd.Flags().StringVarP(&standaloneServerPort, "port", "p", "8788", "Port for the API server to listen on (if run standalone)")
	rootCmd.AddCommand(serverCmd)
}
