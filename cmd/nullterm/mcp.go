package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/codefionn/nullterm/internal/mcp"
	"github.com/codefionn/nullterm/internal/tools"
)

func newMCPCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Inspect configured MCP tool servers",
	}
	cmd.AddCommand(newMCPListCmd(root))
	return cmd
}

func newMCPListCmd(root *rootOptions) *cobra.Command {
	var showTools bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Connect to every enabled server and list its tools",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := root.load()
			if err != nil {
				return err
			}
			defer log.Close()

			workingDir, err := filepath.Abs(cfg.WorkingDir)
			if err != nil {
				return err
			}
			manager := mcp.NewManager(cfg.MCP, mcp.ManagerOptions{
				RequestTimeout: cfg.MCPRequestTimeout(),
				WorkingDir:     workingDir,
			}, tools.NewRegistry(log), log)
			defer manager.Close()

			out := cmd.OutOrStdout()
			if len(manager.Servers()) == 0 {
				fmt.Fprintln(out, "No MCP servers configured.")
				return nil
			}
			if err := manager.ConnectAll(cmd.Context()); err != nil {
				log.Warn("mcp: %v", err)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SERVER\tHEALTH\tTOOLS\tERROR")
			for _, st := range manager.Status() {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", st.Name, st.Health, len(st.Tools), st.LastError)
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			if showTools {
				for _, st := range manager.Status() {
					if len(st.Tools) == 0 {
						continue
					}
					fmt.Fprintf(out, "\n%s:\n  %s\n", st.Name, strings.Join(st.Tools, "\n  "))
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showTools, "tools", false, "list tool names per server")
	return cmd
}
