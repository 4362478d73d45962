package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"specter/config"
	"specter/core"
	"specter/logger"

	"github.com/spf13/cobra"
)

var standaloneProxyPort int

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Manages the MITM proxy (can be run standalone or as part of 'start')",
}

var proxyStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Starts the MITM proxy and scan pipeline without the API server",
	Long: `Starts the intercepting proxy and scans its traffic with the enabled
plugins. Configure your browser or system to use the proxy, and trust the CA
certificate generated by 'proxy init-ca'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		portToUse := standaloneProxyPort
		if !cmd.Flags().Changed("port") {
			portToUse = config.AppConfig.Proxy.Port
		}
		if portToUse <= 0 {
			portToUse = 8787
		}

		application, err := buildApp()
		if err != nil {
			return err
		}

		application.Pipeline.Start()
		boundPort, err := application.Proxy.Start(portToUse)
		if err != nil {
			application.Pipeline.Stop()
			return err
		}

		fmt.Printf("Proxy listening on 127.0.0.1:%d\n", boundPort)
		fmt.Printf("CA certificate: %s\n", application.Authority.CertPath())

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := application.Proxy.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping proxy: %v", err)
		}
		application.Pipeline.Stop()
		return nil
	},
}

var proxyInitCACmd = &cobra.Command{
	Use:   "init-ca",
	Short: "Initializes (generates) the root CA certificate and key for the MITM proxy",
	RunE: func(cmd *cobra.Command, args []string) error {
		certPath := config.AppConfig.Proxy.CACertPath
		keyPath := config.AppConfig.Proxy.CAKeyPath
		if certPath == "" || keyPath == "" {
			return fmt.Errorf("CA certificate or key path is not defined in configuration")
		}

		if err := core.GenerateAndSaveCA(certPath, keyPath); err != nil {
			return fmt.Errorf("error generating CA: %w", err)
		}
		fmt.Printf("CA certificate saved to %s\n", certPath)
		fmt.Println("Import the CA certificate into your browser/system's trust store.")
		return nil
	},
}

var proxyExportCACmd = &cobra.Command{
	Use:   "export-ca [output-path]",
	Short: "Prints or writes the root CA certificate PEM",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		authority, err := core.NewAuthority(config.AppConfig.Proxy.CACertPath, config.AppConfig.Proxy.CAKeyPath)
		if err != nil {
			return err
		}
		pemBytes, err := authority.CertPEM()
		if err != nil {
			return err
		}

		if len(args) == 1 {
			if err := os.WriteFile(args[0], pemBytes, 0644); err != nil {
				return fmt.Errorf("failed to write CA certificate to %s: %w", args[0], err)
			}
			fmt.Printf("CA certificate written to %s\n", args[0])
			fmt.Printf("SHA-256 fingerprint: %s\n", authority.Fingerprint())
			return nil
		}

		fmt.Print(string(pemBytes))
		return nil
	},
}

func init() {
	proxyStartCmd.Flags().IntVarP(&standaloneProxyPort, "port", "p", 8787, "Preferred port for the proxy to listen on (overrides config)")

	proxyCmd.AddCommand(proxyStartCmd)
	proxyCmd.AddCommand(proxyInitCACmd)
	proxyCmd.AddCommand(proxyExportCACmd)
	rootCmd.AddCommand(proxyCmd)
}
