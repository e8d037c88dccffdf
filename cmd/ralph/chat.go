package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/martinemde/ralph/agentloop"
	"github.com/martinemde/ralph/conversation"
)

func (a *app) chatCmd() *cobra.Command {
	var yolo bool
	cmd := &cobra.Command{
		Use:   "chat [message...]",
		Short: "Send a message, or start an interactive session when no message is given",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := a.openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			sid := a.session()
			if len(args) > 0 {
				return a.submit(ctx, rt, sid, strings.Join(args, " "), yolo)
			}
			return a.repl(ctx, rt, sid, yolo)
		},
	}
	cmd.Flags().BoolVar(&yolo, "yolo", false, "run protected tools without asking for approval")
	return cmd
}

func (a *app) repl(ctx context.Context, rt *runtime, sid string, yolo bool) error {
	in := a.lines()
	interactive := a.interactive()
	if interactive {
		fmt.Fprintf(a.stdout, "ralph session %s. Type /exit to quit, /clear to start over.\n", sid)
	}
	for {
		if interactive {
			fmt.Fprint(a.stdout, "> ")
		}
		if !in.Scan() {
			return in.Err()
		}
		line := strings.TrimSpace(in.Text())
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/clear":
			if err := rt.orch.Clear(ctx, sid); err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, "session cleared")
			continue
		}
		if err := a.submit(ctx, rt, sid, line, yolo); err != nil {
			if ctx.Err() != nil {
				return err
			}
			fmt.Fprintf(a.stderr, "error: %v\n", err)
		}
	}
}

func (a *app) submit(ctx context.Context, rt *runtime, sid, msg string, yolo bool) error {
	stream, err := rt.orch.Submit(ctx, sid, msg, yolo)
	if err != nil {
		return err
	}
	return a.follow(ctx, rt, sid, stream)
}

// follow renders stream and, on a terminal, asks how to resolve each
// interruption until the turn completes.
func (a *app) follow(ctx context.Context, rt *runtime, sid string, stream *agentloop.TurnStream) error {
	for {
		r := newRenderer(a.stdout, a.stderr)
		for ev := range stream.Events() {
			r.render(ev)
		}
		if err := stream.Wait(); err != nil {
			return err
		}
		if r.interruption == nil {
			return nil
		}
		if !a.interactive() {
			fmt.Fprintf(a.stdout, "Waiting for approval. Run: ralph resume --session %s --action continue|update|feedback\n", sid)
			return nil
		}

		next, err := a.askResume(ctx, rt, sid, r.interruption)
		if err != nil {
			return err
		}
		stream = next
	}
}

// askResume prompts until the human gives a decision the orchestrator
// accepts.
func (a *app) askResume(ctx context.Context, rt *runtime, sid string, intr *conversation.Interruption) (*agentloop.TurnStream, error) {
	in := a.lines()
	for {
		fmt.Fprint(a.stdout, "[c]ontinue, [u]pdate arguments, or [f]eedback? ")
		if !in.Scan() {
			if err := in.Err(); err != nil {
				return nil, err
			}
			return nil, errors.New("input closed with an approval pending")
		}
		cmd, ok := a.readDecision(in, strings.TrimSpace(in.Text()), intr)
		if !ok {
			continue
		}
		stream, err := rt.orch.Resume(ctx, sid, cmd)
		if err != nil {
			if errors.Is(err, agentloop.ErrValidation) {
				fmt.Fprintf(a.stderr, "error: %v\n", err)
				continue
			}
			return nil, err
		}
		return stream, nil
	}
}

func (a *app) readDecision(in *bufio.Scanner, choice string, intr *conversation.Interruption) (conversation.ResumeCommand, bool) {
	switch strings.ToLower(choice) {
	case "c", "continue", "y", "yes":
		return conversation.ResumeCommand{Action: conversation.ResumeContinue}, true

	case "u", "update":
		if call, ok := intr.ProtectedCall(); ok {
			fmt.Fprintf(a.stdout, "Current arguments of %s: %s\n", call.Name, string(call.Arguments))
		}
		fmt.Fprint(a.stdout, "New arguments (JSON object): ")
		if !in.Scan() {
			return conversation.ResumeCommand{}, false
		}
		return conversation.ResumeCommand{Action: conversation.ResumeUpdate, Data: strings.TrimSpace(in.Text())}, true

	case "f", "feedback", "n", "no":
		fmt.Fprint(a.stdout, "Feedback for the assistant: ")
		if !in.Scan() {
			return conversation.ResumeCommand{}, false
		}
		return conversation.ResumeCommand{Action: conversation.ResumeFeedback, Data: strings.TrimSpace(in.Text())}, true
	}
	return conversation.ResumeCommand{}, false
}

func (a *app) lines() *bufio.Scanner {
	if a.scanner == nil {
		a.scanner = bufio.NewScanner(a.stdin)
		a.scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	}
	return a.scanner
}

func (a *app) resumeCmd() *cobra.Command {
	var action, data, callID, payload string
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resolve the session's pending approval",
		Example: `  ralph resume --action continue
  ralph resume --action update --data '{"name":"Spring loyalty","type":"loyalty"}'
  ralph resume --action feedback --data 'Only target customers in France'
  ralph resume --json '{"action":"continue"}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := resumeCommand(action, data, callID, payload)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			rt, err := a.openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			sid := a.session()
			stream, err := rt.orch.Resume(ctx, sid, rc)
			if err != nil {
				return err
			}
			return a.follow(ctx, rt, sid, stream)
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "continue, update or feedback")
	cmd.Flags().StringVar(&data, "data", "", "replacement JSON arguments for update, or feedback text")
	cmd.Flags().StringVar(&callID, "call-id", "", "call an update replaces (default: first protected call)")
	cmd.Flags().StringVar(&payload, "json", "", `raw resume payload, e.g. {"action":"continue"}`)
	return cmd
}

func resumeCommand(action, data, callID, payload string) (conversation.ResumeCommand, error) {
	if strings.TrimSpace(payload) != "" {
		if action != "" || data != "" {
			return conversation.ResumeCommand{}, errors.New("--json cannot be combined with --action or --data")
		}
		rc, err := conversation.ParseResumeCommand([]byte(payload))
		if err != nil {
			return conversation.ResumeCommand{}, err
		}
		if callID != "" {
			rc.CallID = callID
		}
		return rc, nil
	}
	if strings.TrimSpace(action) == "" {
		return conversation.ResumeCommand{}, errors.New("--action or --json is required")
	}
	raw, _ := json.Marshal(map[string]string{"action": action, "data": data, "call_id": callID})
	return conversation.ParseResumeCommand(raw)
}

func (a *app) clearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Discard the session's transcript and any pending approval",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := a.openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			sid := a.session()
			if err := rt.orch.Clear(ctx, sid); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "cleared session %s\n", sid)
			return nil
		},
	}
}

func (a *app) historyCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the session transcript",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := a.openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			state, err := rt.orch.State(ctx, a.session())
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(a.stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(state)
			}
			printTranscript(a, state)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the saved session state as JSON")
	return cmd
}

func printTranscript(a *app, state conversation.State) {
	for _, m := range state.Transcript {
		switch m.Role {
		case conversation.RoleUser:
			fmt.Fprintf(a.stdout, "user: %s\n", m.Text)
		case conversation.RoleAssistant:
			if m.Text != "" {
				fmt.Fprintf(a.stdout, "assistant: %s\n", m.Text)
			}
			for _, c := range m.ToolCalls {
				fmt.Fprintf(a.stdout, "assistant -> %s %s %s\n", c.ID, c.Name, string(c.Arguments))
			}
		case conversation.RoleTool:
			status := "ok"
			if m.ToolResult != nil && m.ToolResult.Rejected {
				status = "rejected"
			} else if m.ToolResult != nil && m.ToolResult.IsError() {
				status = "error"
			}
			name := ""
			if m.ToolResult != nil {
				name = m.ToolResult.ToolName
			}
			fmt.Fprintf(a.stdout, "tool %s [%s]: %s\n", name, status, preview(m.Text))
		}
	}
	if p := state.Pending; p != nil {
		fmt.Fprintf(a.stdout, "pending approval %s for %d call(s)\n", p.ID, len(p.Calls))
	}
}
