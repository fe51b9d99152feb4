package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/redloop-ai/redloop/internal/config"
)

func newConnectionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connections",
		Short: "List connection drivers and model presets",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()

			fmt.Fprintln(out, "Connection drivers (llm.connection):")
			drivers := []struct{ name, note string }{
				{config.ConnectionOpenAILib, "OpenAI-compatible API through the official SDK, streaming"},
				{config.ConnectionOpenAIREST, "OpenAI-compatible API over plain HTTP with retry handling, streaming"},
				{config.ConnectionAnthropic, "Anthropic API through the official SDK"},
			}
			for _, d := range drivers {
				fmt.Fprintf(out, "  %-12s %s\n", d.name, d.note)
			}

			fmt.Fprintln(out, "\nModel presets (llm.preset):")
			for _, p := range config.Presets() {
				route := "direct"
				if p.UseOpenRouter {
					route = "openrouter"
				}
				fmt.Fprintf(out, "  %-20s %-34s context=%-8d via %s\n", p.Name, p.Model, p.ContextSize, route)
			}
			return nil
		},
	}
}
