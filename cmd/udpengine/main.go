// Package main provides the CLI entry point for the udpengine datagram engine.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/postalsys/udpengine/internal/config"
	"github.com/postalsys/udpengine/internal/sysinfo"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "udpengine",
		Short: "udpengine - userspace UDP datagram engine",
		Long: `udpengine is a userspace implementation of the UDP transport layer:
port allocation, bind table, endpoint state machine, IPv4/IPv6 datagram
construction, inbound demultiplexing and ICMP error mapping.

It runs over an in-memory loopback IP layer and can serve the echo
protocol on configured ports.`,
		Version:       sysinfo.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(selftestCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads path. A missing file at the default location falls
// back to the built-in defaults.
func loadConfig(cmd *cobra.Command, path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if !cmd.Flags().Changed("config") && errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return nil, fmt.Errorf("failed to load config: %w", err)
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}
	cmd.AddCommand(configCheckCmd())
	return cmd
}

func configCheckCmd() *cobra.Command {
	var (
		configPath string
		dump       bool
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a configuration file",
		Long:  "Load and validate a configuration file, then print the effective settings.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if dump {
				fmt.Fprint(out, cfg.String())
				return nil
			}

			r := newReport(out)
			r.title("Configuration OK")
			r.field("File", configPath)
			r.field("Anonymous ports", fmt.Sprintf("%d-%d (%s ports, random=%v)",
				cfg.Ports.SmallestAnon, cfg.Ports.LargestAnon,
				humanize.Comma(int64(cfg.Ports.LargestAnon-cfg.Ports.SmallestAnon+1)),
				cfg.Ports.RandomAnon))
			r.field("Privileged below", fmt.Sprintf("%d, plus %v", cfg.Ports.SmallestNonPriv, cfg.Ports.ExtraPrivileged))
			r.field("Bind buckets", humanize.Comma(int64(cfg.Engine.BindBuckets)))
			r.field("TTL / hop limit", fmt.Sprintf("%d / %d (multicast %d)", cfg.Engine.TTL, cfg.Engine.HopLimit, cfg.Engine.MulticastTTL))
			r.field("Send watermarks", fmt.Sprintf("%s / %s", cfg.Buffers.SendHiwat, cfg.Buffers.SendLowat))
			r.field("Receive watermark", cfg.Buffers.RecvHiwat.String())
			r.field("Buffer limit", cfg.Buffers.MaxBuf.String())
			r.field("Loopback", fmt.Sprintf("%s, queue %s", strings.Join(cfg.Loopback.Addresses, ", "), cfg.Loopback.QueueSize))
			r.field("Echo ports", fmt.Sprint(cfg.Echo.Ports))
			if cfg.Metrics.Enabled {
				r.field("Metrics", "http://"+cfg.Metrics.Address+cfg.Metrics.Path)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	cmd.Flags().BoolVar(&dump, "print", false, "Print the effective configuration as YAML")

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			info := sysinfo.Collect()
			fmt.Fprintf(cmd.OutOrStdout(), "udpengine %s (%s, %s/%s)\n",
				info.Version, info.GoVersion, info.OS, info.Arch)
		},
	}
}
