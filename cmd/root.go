package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/vibast-solutions/ms-go-payment-gateway/app/factory"
	"github.com/vibast-solutions/ms-go-payment-gateway/config"
)

var rootCmd = &cobra.Command{
	Use:   "payment-gateway",
	Short: "Payment gateway microservice",
	Long:  "A payment gateway that creates hosted payment links, reconciles provider webhooks into transaction records, and notifies calling applications.",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func configureLogging(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	factory.ConfigureLogging(cfg.Log.Level)
	return nil
}
