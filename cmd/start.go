package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"specter/api"
	"specter/config"
	"specter/database"
	"specter/logger"

	"github.com/spf13/cobra"
)

var (
	startServerPort string
	startProxyPort  int
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Starts all specter services (API server, MITM proxy, scan pipeline)",
	Long: `Starts the API server, the intercepting proxy, and the scan pipeline
concurrently. Press Ctrl+C to gracefully shut everything down.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		actualServerPort := startServerPort
		if !cmd.Flags().Changed("server-port") {
			actualServerPort = config.AppConfig.Server.Port
		}
		if actualServerPort == "" {
			actualServerPort = "8788"
		}

		actualProxyPort := startProxyPort
		if !cmd.Flags().Changed("proxy-port") {
			actualProxyPort = config.AppConfig.Proxy.Port
		}
		if actualProxyPort <= 0 {
			actualProxyPort = 8787
		}

		application, err := buildApp()
		if err != nil {
			return err
		}

		application.Pipeline.Start()

		boundPort, err := application.Proxy.Start(actualProxyPort)
		if err != nil {
			application.Pipeline.Stop()
			return err
		}
		logger.Info("Proxy listening on 127.0.0.1:%d", boundPort)

		apiRouter := api.NewRouter(application.Proxy, application.Pipeline, application.Manager,
			application.Authority, application.Broker, actualProxyPort)
		mainMux := http.NewServeMux()
		mainMux.Handle("/api/", http.StripPrefix("/api", apiRouter))

		apiServer := &http.Server{
			Addr:    "127.0.0.1:" + actualServerPort,
			Handler: mainMux,
		}
		apiErrCh := make(chan error, 1)
		go func() {
			logger.Info("API server listening on %s", apiServer.Addr)
			if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				apiErrCh <- err
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			logger.Info("Received signal %s, shutting down...", sig)
		case err := <-apiErrCh:
			logger.Error("API server failed: %v", err)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := application.Proxy.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping proxy: %v", err)
		}
		application.Pipeline.Stop()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error stopping API server: %v", err)
		}
		if err := database.CloseDB(); err != nil {
			logger.Error("Error closing database: %v", err)
		}

		logger.Info("Shutdown complete.")
		return nil
	},
}

func init() {
	startCmd.Flags().StringVar(&startServerPort, "server-port", "8788", "Port for the API server (overrides config)")
	startCmd.Flags().IntVar(&startProxyPort, "proxy-port", 8787, "Preferred port for the MITM proxy (overrides config)")
	rootCmd.AddCommand(startCmd)
}
