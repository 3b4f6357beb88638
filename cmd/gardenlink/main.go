// gardenlink runs the network core of the gardening base-station.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"gardenlink/internal/config"
	"gardenlink/internal/constants"
	"gardenlink/internal/logger"
	"gardenlink/internal/station"
)

var (
	envFile  string
	logLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   constants.AppName,
		Short: "gardenlink - gardening base-station network core",
		Long: `gardenlink makes the station's local services reachable from the internet
through a rendezvous server or a direct peer-to-peer path, and serves the
encrypted command port paired clients use.

Configuration comes from the environment, optionally seeded from a .env file.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env", "", ".env file to load before reading the environment")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (overrides LOG_LEVEL)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the station until interrupted",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "pair",
		Short: "Print a QR code a client scans to pair with the station",
		Args:  cobra.NoArgs,
		RunE:  runPair,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "cert",
		Short: "Print the station certificate thumbprint and validity",
		Args:  cobra.NoArgs,
		RunE:  runCert,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", constants.AppName, constants.Version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// open loads the configuration and builds the station. stderr mirrors the
// log only when the station is serving.
func open(ctx context.Context, name string, serving bool) (*station.Station, *logger.Logger, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, nil, err
	}
	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}

	log, err := logger.NewLogger(name, logger.Options{Level: level, Dir: cfg.LogDir, Stderr: serving})
	if err != nil {
		return nil, nil, err
	}

	s, err := station.New(ctx, cfg, log.Logger)
	if err != nil {
		log.Close()
		return nil, nil, err
	}
	return s, log, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, log, err := open(ctx, constants.AppName, true)
	if err != nil {
		return err
	}
	defer log.Close()

	log.WithField("version", constants.Version).Info("Starting gardenlink")
	return s.Run(ctx)
}

func identity(cmd *cobra.Command) (*station.Identity, error) {
	ctx := cmd.Context()
	s, log, err := open(ctx, constants.AppName+"-cli", false)
	if err != nil {
		return nil, err
	}
	defer log.Close()
	defer s.Shutdown(context.Background())

	return s.Identity(ctx)
}

func runPair(cmd *cobra.Command, args []string) error {
	id, err := identity(cmd)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(id)
	if err != nil {
		return err
	}
	qr, err := qrcode.New(string(payload), qrcode.Medium)
	if err != nil {
		return fmt.Errorf("failed to build QR code: %w", err)
	}

	fmt.Println()
	fmt.Println(qr.ToSmallString(false))
	fmt.Printf("  %-14s %s\n", "Station", id.StationID)
	fmt.Printf("  %-14s %d\n", "Command port", id.CommandPort)
	fmt.Printf("  %-14s %d\n", "Key exchange", id.KeyExchangePort)
	fmt.Printf("  %-14s %s\n", "Thumbprint", id.Thumbprint)
	fmt.Println()
	return nil
}

func runCert(cmd *cobra.Command, args []string) error {
	id, err := identity(cmd)
	if err != nil {
		return err
	}
	fmt.Printf("Thumbprint: %s\n", id.Thumbprint)
	fmt.Printf("Valid until: %s (%d days)\n", id.NotAfter.Format(time.RFC3339), int(time.Until(id.NotAfter).Hours()/24))
	return nil
}
