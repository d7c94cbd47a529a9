package cmd

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/vibast-solutions/ms-go-payment-gateway/app/service"
	"github.com/vibast-solutions/ms-go-payment-gateway/config"
)

type jobFunc func(ctx context.Context, gatewayService *service.GatewayService) error

var workerMode bool

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Poll providers for transactions stuck in CREATED or PENDING",
	Run: func(_ *cobra.Command, _ []string) {
		runCommand("reconcile", func(cfg *config.Config) time.Duration { return cfg.Jobs.ReconcileInterval },
			func(ctx context.Context, s *service.GatewayService) error {
				return s.RunReconcileBatch(ctx)
			})
	},
}

var callbacksCmd = &cobra.Command{
	Use:   "callbacks",
	Short: "Status callback commands",
}

var callbacksDispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "POST settled statuses to the status callback URL of each transaction",
	Run: func(_ *cobra.Command, _ []string) {
		runCommand("callbacks_dispatch", func(cfg *config.Config) time.Duration { return cfg.Jobs.CallbackDispatchInterval },
			func(ctx context.Context, s *service.GatewayService) error {
				return s.RunDispatchCallbacksBatch(ctx)
			})
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify <reference>",
	Short: "Poll the provider once for a single transaction and apply the observed status",
	Args:  cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		reference := args[0]
		_, gatewayService, cleanup := mustCreateGatewayService()
		defer cleanup()

		runJob("verify", func() error {
			result, err := gatewayService.VerifyTransaction(context.Background(), reference)
			if err != nil {
				return err
			}
			logrus.WithFields(logrus.Fields{
				"reference":       result.Reference,
				"previous_status": result.PreviousStatus,
				"status":          result.Status,
				"applied":         result.Applied,
				"credited_delta":  result.CreditedDelta,
			}).Info("Transaction verified")
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(callbacksCmd)
	callbacksCmd.AddCommand(callbacksDispatchCmd)

	rootCmd.PersistentFlags().BoolVar(&workerMode, "worker", false, "Run continuously using configured interval")
}

func runCommand(name string, intervalResolver func(cfg *config.Config) time.Duration, fn jobFunc) {
	cfg, gatewayService, cleanup := mustCreateGatewayService()
	defer cleanup()

	if !workerMode {
		runJob(name, func() error { return fn(context.Background(), gatewayService) })
		return
	}

	interval := intervalResolver(cfg)
	if interval <= 0 {
		logrus.WithField("job", name).Fatal("invalid worker interval")
	}

	// In-flight provider calls and callback POSTs are cancelled on shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runWorker(ctx, name, interval, func() error { return fn(ctx, gatewayService) })
}

func runWorker(ctx context.Context, name string, interval time.Duration, fn func() error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logrus.WithFields(logrus.Fields{"job": name, "interval": interval.String()}).Info("Worker started")
	runJob(name, fn)
	for {
		select {
		case <-ctx.Done():
			logrus.WithField("job", name).Info("Worker shutdown requested")
			return
		case <-ticker.C:
			runJob(name, fn)
		}
	}
}

func runJob(name string, fn func() error) {
	start := time.Now()
	err := fn()
	entry := logrus.WithFields(logrus.Fields{"job": name, "latency": time.Since(start).String()})
	if err != nil {
		entry.WithError(err).Error("job_failed")
		return
	}
	entry.Info("job_completed")
}
