// Package main is the entry point for the dispatchctl binary.
// It provides a CLI for inspecting descriptor files and querying a running
// dispatchd instance.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/polisai/dispatch-oss/pkg/match"
	"github.com/polisai/dispatch-oss/pkg/registry"
)

const defaultServerAddr = "http://127.0.0.1:8090"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for dispatchctl
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dispatchctl",
		Short: "Operator CLI for the dispatch engine",
		Long: `Inspect handler descriptor files and query a running dispatchd.

Examples:
  dispatchctl validate handlers.yaml
  dispatchctl match --descriptors handlers.yaml "scan for vulnerabilities"
  dispatchctl route --server http://127.0.0.1:8090 "optimize database performance"
  dispatchctl status --server http://127.0.0.1:8090`,
	}

	rootCmd.AddCommand(newValidateCmd(), newMatchCmd(), newRouteCmd(), newStatusCmd())
	return rootCmd
}

// newValidateCmd checks descriptor files without starting a server.
func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>...",
		Short: "Validate handler descriptor files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sources := make([]registry.Source, 0, len(args))
			for _, path := range args {
				//nolint:gosec // Descriptor path comes from the operator's command line
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("read %s: %w", path, err)
				}
				sources = append(sources, registry.Source{Label: path, Data: data})
			}

			descriptors, err := registry.LoadSources(sources)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "OK: %d handlers across %d files\n", len(descriptors), len(args))
			return nil
		},
	}
}

// newMatchCmd runs the keyword matcher offline against descriptor files.
func newMatchCmd() *cobra.Command {
	var descriptorPaths []string

	cmd := &cobra.Command{
		Use:   "match <text>...",
		Short: "Match text against descriptors without dispatching",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(descriptorPaths) == 0 {
				return fmt.Errorf("at least one --descriptors file is required")
			}

			sources := make([]registry.Source, 0, len(descriptorPaths))
			for _, path := range descriptorPaths {
				//nolint:gosec // Descriptor path comes from the operator's command line
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("read %s: %w", path, err)
				}
				sources = append(sources, registry.Source{Label: path, Data: data})
			}

			descriptors, err := registry.LoadSources(sources)
			if err != nil {
				return err
			}

			trie := match.Build(descriptors, match.DefaultParams())
			result, err := trie.Match(strings.Join(args, " "))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}

	cmd.Flags().StringSliceVarP(&descriptorPaths, "descriptors", "d", nil, "Descriptor files to match against")
	return cmd
}

// newRouteCmd sends one route request to a running dispatchd.
func newRouteCmd() *cobra.Command {
	var serverAddr string
	var hints []string

	cmd := &cobra.Command{
		Use:   "route <text>...",
		Short: "Route text through a running dispatchd",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := json.Marshal(map[string]any{
				"text":  strings.Join(args, " "),
				"hints": hints,
			})
			if err != nil {
				return err
			}

			client := &http.Client{Timeout: 60 * time.Second}
			resp, err := client.Post(serverAddr+"/v1/route", "application/json", bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("route request failed: %w", err)
			}
			defer func() { _ = resp.Body.Close() }()

			return relayResponse(cmd.OutOrStdout(), resp)
		},
	}

	cmd.Flags().StringVarP(&serverAddr, "server", "s", defaultServerAddr, "dispatchd base URL")
	cmd.Flags().StringSliceVar(&hints, "hint", nil, "Handler names to dispatch regardless of matching")
	return cmd
}

// newStatusCmd fetches operational status from a running dispatchd.
func newStatusCmd() *cobra.Command {
	var serverAddr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show dispatchd operational status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: 10 * time.Second}
			resp, err := client.Get(serverAddr + "/v1/status")
			if err != nil {
				return fmt.Errorf("status request failed: %w", err)
			}
			defer func() { _ = resp.Body.Close() }()

			return relayResponse(cmd.OutOrStdout(), resp)
		},
	}

	cmd.Flags().StringVarP(&serverAddr, "server", "s", defaultServerAddr, "dispatchd base URL")
	return cmd
}

// relayResponse pretty-prints the server's JSON body, surfacing non-2xx
// statuses as errors.
func relayResponse(out io.Writer, resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		_, err = out.Write(data)
		return err
	}
	pretty.WriteByte('\n')
	_, err = out.Write(pretty.Bytes())
	return err
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
