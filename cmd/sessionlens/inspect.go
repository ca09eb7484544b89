package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/sessionlens/internal/enrich"
	"github.com/haasonsaas/sessionlens/internal/transcript"
)

func buildInspectCmd() *cobra.Command {
	var summary bool

	cmd := &cobra.Command{
		Use:   "inspect <transcript.jsonl>",
		Short: "Parse and enrich one transcript file offline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd, args[0], summary)
		},
	}
	cmd.Flags().BoolVar(&summary, "summary", false, "print a short summary instead of full JSON")
	return cmd
}

func runInspect(cmd *cobra.Command, path string, summary bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var msgs []transcript.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineIndex := 0
	for scanner.Scan() {
		msg := transcript.ParseLine(scanner.Text(), lineIndex)
		if msg == nil {
			continue
		}
		lineIndex++
		msgs = append(msgs, msg)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read transcript: %w", err)
	}

	session := enrich.Enrich(msgs)
	out := cmd.OutOrStdout()

	if summary {
		malformed := 0
		for _, m := range session.Messages {
			if m.MessageKind() == transcript.KindMalformed {
				malformed++
			}
		}
		fmt.Fprintf(out, "messages:   %d (%d malformed)\n", len(session.Messages), malformed)
		fmt.Fprintf(out, "turns:      %d\n", len(session.Turns))
		fmt.Fprintf(out, "responses:  %d\n", len(session.Responses))
		fmt.Fprintf(out, "tool calls: %d\n", len(session.ToolCalls))
		fmt.Fprintf(out, "subagents:  %d\n", len(session.Subagents))
		fmt.Fprintf(out, "tokens:     %d in / %d out (cache: %d created, %d read)\n",
			session.Totals.InputTokens, session.Totals.OutputTokens,
			session.Totals.CacheCreationInputTokens, session.Totals.CacheReadInputTokens)
		fmt.Fprintf(out, "est. cost:  $%.4f\n", session.Totals.EstimatedCostUSD)
		return nil
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(session)
}
