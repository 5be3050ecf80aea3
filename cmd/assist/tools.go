package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/ashureev/change-assist/internal/tools"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var toolsOutput string

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the guided analysis tools",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return printTools(cmd.OutOrStdout(), toolsOutput)
	},
}

func init() {
	toolsCmd.Flags().StringVarP(&toolsOutput, "output", "o", "table", "output format: table or yaml")
}

type toolEntry struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Stepwise    bool   `yaml:"stepwise"`
}

func printTools(w io.Writer, format string) error {
	catalog := tools.Catalog()

	switch format {
	case "yaml":
		entries := make([]toolEntry, 0, len(catalog))
		for _, t := range catalog {
			entries = append(entries, toolEntry{ID: t.ID, Name: t.Name, Description: t.Description, Stepwise: t.Stepwise})
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(entries); err != nil {
			return fmt.Errorf("encode tools: %w", err)
		}
		return enc.Close()
	case "table", "":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tDESCRIPTION")
		for _, t := range catalog {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", t.ID, t.Name, t.Description)
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
