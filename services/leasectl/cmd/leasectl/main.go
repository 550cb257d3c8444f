package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"dhcpd/pkg/bus"
	gos3 "dhcpd/pkg/s3"
	"dhcpd/services/leasectl"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var apiURL string

	cmd := &cobra.Command{
		Use:           "leasectl",
		Short:         "Inspect and manage the leases of a running dhcpd",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&apiURL, "api", envOr("LEASECTL_API", "http://127.0.0.1:8080"), "Base URL of the dhcpd ops API")

	client := func() (*leasectl.Client, error) { return leasectl.NewClient(apiURL) }
	cmd.AddCommand(newLeasesCommand(client))
	cmd.AddCommand(newPoolCommand(client))
	return cmd
}

type clientFunc func() (*leasectl.Client, error)

func newLeasesCommand(client clientFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "leases",
		Short: "Lease listing, release, export and event operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newLeasesListCommand(client))
	cmd.AddCommand(newLeasesReleaseCommand(client))
	cmd.AddCommand(newLeasesExportCommand(client))
	cmd.AddCommand(newLeasesInspectCommand())
	cmd.AddCommand(newLeasesWatchCommand())
	return cmd
}

func newLeasesListCommand(client clientFunc) *cobra.Command {
	var state string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List leases",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			leases, err := c.Leases(cmd.Context(), state)
			if err != nil {
				return err
			}
			return leasectl.PrintLeases(cmd.OutOrStdout(), leases)
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "Only show leases in this state (active or released)")
	return cmd
}

func newLeasesReleaseCommand(client clientFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "release MAC",
		Short: "Release the active lease of a client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			res, err := c.Release(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released %s from %s\n", res.IP, res.MAC)
			return nil
		},
	}
}

func newLeasesExportCommand(client clientFunc) *cobra.Command {
	var (
		output     string
		recipients []string
		bucket     string
		prefix     string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a compressed, optionally encrypted, lease snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := client()
			if err != nil {
				return err
			}
			cfg := leasectl.ExportConfig{
				Client:     c,
				Output:     output,
				Recipients: recipients,
				Bucket:     bucket,
				Prefix:     prefix,
				Stdout:     cmd.OutOrStdout(),
			}
			if bucket != "" {
				s3Client, err := gos3.NewClientFromEnv(ctx)
				if err != nil {
					return fmt.Errorf("s3 client: %w", err)
				}
				cfg.Uploader = s3Client
			}
			_, err = leasectl.Export(ctx, cfg)
			return err
		},
	}

	cmd.Flags().StringVar(&output, "output", "", "Destination snapshot file (yaml.zst)")
	cmd.Flags().StringSliceVar(&recipients, "recipient", nil, "age recipient to encrypt the snapshot for (repeatable)")
	cmd.Flags().StringVar(&bucket, "bucket", "", "Also upload the snapshot to this S3 bucket")
	cmd.Flags().StringVar(&prefix, "prefix", "dhcpd", "Object key prefix for uploads")
	return cmd
}

func newLeasesInspectCommand() *cobra.Command {
	var (
		file         string
		identityFile string
	)

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print the leases held in a snapshot file",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()

			snap, err := readSnapshot(f, identityFile)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "snapshot of %s taken %s\n", snap.Source, snap.CreatedAt.Format("2006-01-02 15:04:05Z"))
			if err := leasectl.PrintPool(out, snap.Pool); err != nil {
				return err
			}
			fmt.Fprintln(out)
			return leasectl.PrintLeases(out, snap.Leases)
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "Snapshot file to read")
	cmd.Flags().StringVar(&identityFile, "identity", "", "age identity file for encrypted snapshots")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func readSnapshot(f *os.File, identityFile string) (leasectl.Snapshot, error) {
	if identityFile == "" {
		return leasectl.ReadSnapshot(f)
	}
	idf, err := os.Open(identityFile)
	if err != nil {
		return leasectl.Snapshot{}, err
	}
	defer idf.Close()
	ids, err := leasectl.ParseIdentities(idf)
	if err != nil {
		return leasectl.Snapshot{}, err
	}
	return leasectl.ReadSnapshot(f, ids...)
}

func newLeasesWatchCommand() *cobra.Command {
	var (
		natsURL string
		action  string
		durable string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow lease events published by dhcpd",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := bus.New(natsURL)
			if err != nil {
				return fmt.Errorf("connect nats: %w", err)
			}
			defer b.Close()
			return leasectl.Watch(cmd.Context(), b, action, durable, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&natsURL, "nats", envOr("NATS_URL", "nats://127.0.0.1:4222"), "NATS server URL")
	cmd.Flags().StringVar(&action, "action", "", "Only follow one action (offered, acknowledged, released, declined)")
	cmd.Flags().StringVar(&durable, "durable", "", "Durable consumer name; empty follows new events only")
	return cmd
}

func newPoolCommand(client clientFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "pool",
		Short: "Show the address pool counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			p, err := c.Pool(cmd.Context())
			if err != nil {
				return err
			}
			return leasectl.PrintPool(cmd.OutOrStdout(), p)
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
