package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/martinemde/ralph/agentloop"
	"github.com/martinemde/ralph/conversation"
)

const maxResultPreview = 400

type palette struct {
	enabled bool
}

func newPalette(w io.Writer) palette {
	if os.Getenv("NO_COLOR") != "" {
		return palette{}
	}
	f, ok := w.(*os.File)
	return palette{enabled: ok && term.IsTerminal(int(f.Fd()))}
}

func (p palette) wrap(code, s string) string {
	if !p.enabled {
		return s
	}
	return "\x1b[" + code + "m" + s + "\x1b[0m"
}

func (p palette) dim(s string) string    { return p.wrap("2", s) }
func (p palette) yellow(s string) string { return p.wrap("33", s) }
func (p palette) red(s string) string    { return p.wrap("31", s) }
func (p palette) green(s string) string  { return p.wrap("32", s) }

// renderer prints one turn's events as a chat transcript.
type renderer struct {
	out, errOut io.Writer
	color       palette

	inText bool
	inCall bool

	interruption *conversation.Interruption
}

func newRenderer(out, errOut io.Writer) *renderer {
	return &renderer{out: out, errOut: errOut, color: newPalette(out)}
}

func (r *renderer) render(ev agentloop.Event) {
	if ev.Kind != agentloop.EventToolCallArgumentsDelta {
		r.closeCall()
	}
	switch ev.Kind {
	case agentloop.EventTextDelta:
		fmt.Fprint(r.out, ev.Text)
		r.inText = true

	case agentloop.EventToolCallStarted:
		r.closeText()
		fmt.Fprint(r.out, r.color.dim("[tool] "+ev.ToolName+" "))
		r.inCall = true

	case agentloop.EventToolCallArgumentsDelta:
		fmt.Fprint(r.out, r.color.dim(ev.ArgumentsDelta))

	case agentloop.EventToolResult:
		r.closeText()
		r.renderResult(ev.Result)

	case agentloop.EventTurnBoundary:
		r.closeText()

	case agentloop.EventWarning:
		r.closeText()
		fmt.Fprintln(r.errOut, r.color.yellow("warning: "+ev.Text))

	case agentloop.EventInterrupted:
		r.closeText()
		r.interruption = ev.Interruption
		r.renderInterruption(ev.Interruption)

	case agentloop.EventTurnComplete:
		r.closeText()

	case agentloop.EventError:
		// The turn error is returned by Wait and printed by the caller.
		r.closeText()
	}
}

func (r *renderer) closeText() {
	if r.inText {
		fmt.Fprintln(r.out)
		r.inText = false
	}
}

func (r *renderer) closeCall() {
	if r.inCall {
		fmt.Fprintln(r.out)
		r.inCall = false
	}
}

func (r *renderer) renderResult(res *conversation.ToolCallResult) {
	if res == nil {
		return
	}
	switch {
	case res.Rejected:
		fmt.Fprintf(r.out, "%s %s\n", r.color.yellow("[rejected] "+res.ToolName), preview(res.Error))
	case res.Error != "":
		fmt.Fprintf(r.out, "%s %s\n", r.color.red("[error] "+res.ToolName), preview(res.Error))
	default:
		fmt.Fprintf(r.out, "%s %s\n", r.color.green("[ok] "+res.ToolName), r.color.dim(preview(string(res.Output))))
	}
}

func (r *renderer) renderInterruption(intr *conversation.Interruption) {
	if intr == nil {
		return
	}
	protected := make(map[string]bool, len(intr.Protected))
	for _, id := range intr.Protected {
		protected[id] = true
	}
	fmt.Fprintln(r.out, r.color.yellow("Approval required:"))
	for _, c := range intr.Calls {
		mark := " "
		if protected[c.ID] {
			mark = "*"
		}
		fmt.Fprintf(r.out, "  %s %s %s %s\n", mark, c.ID, c.Name, string(c.Arguments))
	}
}

func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > maxResultPreview {
		return s[:maxResultPreview] + "..."
	}
	return s
}
