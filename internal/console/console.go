// Package console renders the assessment transcript to a terminal.
package console

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/term"

	"github.com/redloop-ai/redloop/internal/agent"
	"github.com/redloop-ai/redloop/internal/llm"
	"github.com/redloop-ai/redloop/internal/runlog"
)

const (
	ansiReset  = "\x1b[0m"
	ansiBold   = "\x1b[1m"
	ansiDim    = "\x1b[2m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiCyan   = "\x1b[36m"
)

var (
	_ agent.Reporter   = (*Console)(nil)
	_ llm.ProgressSink = (*Console)(nil)
)

// Console writes the run transcript. It is both the agent's reporter
// and the llm progress sink, so streamed model output renders live
// between the round panels.
type Console struct {
	out   io.Writer
	color bool

	inStream bool
}

// New creates a console over out. Styling turns on only when out is a
// terminal.
func New(out io.Writer) *Console {
	c := &Console{out: out}
	if f, ok := out.(*os.File); ok {
		c.color = term.IsTerminal(int(f.Fd()))
	}
	return c
}

// Banner prints the connection line once at run start.
func (c *Console) Banner(connection, model string, contextSize int, target string) {
	line := fmt.Sprintf("connection=%s model=%s context=%d target=%s", connection, model, contextSize, target)
	fmt.Fprintf(c.out, "%s\n", c.style(ansiDim, line))
}

// RoundStarted announces a new round.
func (c *Console) RoundStarted(round, maxRounds int) {
	c.closeStream()
	fmt.Fprintf(c.out, "\n%s\n", c.style(ansiCyan, fmt.Sprintf("Starting round %d of %d", round, maxRounds)))
}

// RoundResult prints the executed command and its output as a panel.
func (c *Console) RoundResult(_ int, command, result string, duration time.Duration) {
	c.closeStream()
	c.panel("$ "+command, result, duration.Round(100*time.Millisecond).String())
}

// StateUpdated prints the refreshed fact list.
func (c *Console) StateUpdated(state string) {
	c.closeStream()
	c.panel("What does the LLM Know about the system?", state, "")
}

// RunFinished prints the closing panel.
func (c *Console) RunFinished(status runlog.RunStatus, rounds int) {
	c.closeStream()
	var body string
	switch status {
	case runlog.StatusGotRoot:
		body = c.style(ansiBold+ansiGreen, "Got Root!")
	case runlog.StatusExhausted:
		body = c.style(ansiYellow, "maximum round number reached")
	default:
		body = c.style(ansiRed, string(status))
	}
	c.panel("Run finished", body, fmt.Sprintf("%d rounds", rounds))
}

// BeginContent opens the streamed assistant text section.
func (c *Console) BeginContent() {
	c.closeStream()
	fmt.Fprintf(c.out, "%s\n", c.style(ansiBold+ansiCyan, "ASSISTANT"))
	c.inStream = true
}

// Content writes one streamed content delta.
func (c *Console) Content(delta string) {
	fmt.Fprint(c.out, delta)
	c.inStream = true
}

// BeginToolCall opens a streamed tool call section.
func (c *Console) BeginToolCall(name string) {
	c.closeStream()
	fmt.Fprintf(c.out, "%s ", c.style(ansiBold+ansiYellow, "TOOL CALL "+name))
	c.inStream = true
}

// ToolCallArguments writes one streamed argument fragment.
func (c *Console) ToolCallArguments(delta string) {
	fmt.Fprint(c.out, delta)
	c.inStream = true
}

// RunsTable prints the run history listing.
func (c *Console) RunsTable(runs []runlog.Run) {
	headers := []string{"RUN", "STARTED", "MODEL", "TAG", "STATUS", "ROUNDS", "DURATION"}
	rows := make([][]string, 0, len(runs))
	for _, run := range runs {
		rows = append(rows, []string{
			run.ID,
			run.StartedAt.Local().Format("2006-01-02 15:04"),
			run.Model,
			run.Tag,
			string(run.Status),
			strconv.Itoa(run.Rounds),
			runDuration(run),
		})
	}
	c.table(headers, rows, 4)
}

// RoundsTable prints the per-exchange detail of one run.
func (c *Console) RoundsTable(records []runlog.Record) {
	headers := []string{"ROUND", "KIND", "COMMAND", "DURATION", "TOKENS"}
	rows := make([][]string, 0, len(records))
	for _, record := range records {
		rows = append(rows, []string{
			strconv.Itoa(record.Round),
			string(record.Kind),
			truncate(strings.ReplaceAll(record.Command, "\n", " "), 60),
			record.Duration.Round(100 * time.Millisecond).String(),
			fmt.Sprintf("%d/%d", record.TokensQuery, record.TokensResponse),
		})
	}
	c.table(headers, rows, -1)
}

func (c *Console) closeStream() {
	if !c.inStream {
		return
	}
	fmt.Fprintln(c.out)
	c.inStream = false
}

func (c *Console) panel(title, body, footer string) {
	fmt.Fprintf(c.out, "%s %s\n", c.style(ansiDim, "╭─"), c.style(ansiBold, title))
	text := strings.TrimRight(body, "\n")
	if strings.TrimSpace(text) == "" {
		text = "(no output)"
	}
	rail := c.style(ansiDim, "│")
	for _, line := range strings.Split(text, "\n") {
		fmt.Fprintf(c.out, "%s %s\n", rail, line)
	}
	if footer != "" {
		fmt.Fprintf(c.out, "%s %s\n", c.style(ansiDim, "╰─"), c.style(ansiDim, footer))
		return
	}
	fmt.Fprintf(c.out, "%s\n", c.style(ansiDim, "╰─"))
}

func (c *Console) table(headers []string, rows [][]string, statusCol int) {
	widths := make([]int, len(headers))
	for i, header := range headers {
		widths[i] = utf8.RuneCountInString(header)
	}
	for _, row := range rows {
		for i, cell := range row {
			if n := utf8.RuneCountInString(cell); n > widths[i] {
				widths[i] = n
			}
		}
	}

	var head strings.Builder
	for i, header := range headers {
		if i > 0 {
			head.WriteString("  ")
		}
		head.WriteString(pad(header, widths[i]))
	}
	fmt.Fprintf(c.out, "%s\n", c.style(ansiBold, strings.TrimRight(head.String(), " ")))

	for _, row := range rows {
		var line strings.Builder
		for i, cell := range row {
			if i > 0 {
				line.WriteString("  ")
			}
			padded := pad(cell, widths[i])
			if i == statusCol {
				padded = c.style(c.statusStyle(cell), padded)
			}
			line.WriteString(padded)
		}
		fmt.Fprintf(c.out, "%s\n", strings.TrimRight(line.String(), " "))
	}
}

func (c *Console) statusStyle(status string) string {
	switch runlog.RunStatus(status) {
	case runlog.StatusGotRoot:
		return ansiGreen
	case runlog.StatusFailed:
		return ansiRed
	case runlog.StatusExhausted:
		return ansiYellow
	default:
		return ansiCyan
	}
}

func (c *Console) style(code, text string) string {
	if !c.color {
		return text
	}
	return code + text + ansiReset
}

func runDuration(run runlog.Run) string {
	if run.FinishedAt.IsZero() {
		return ""
	}
	return run.FinishedAt.Sub(run.StartedAt).Round(time.Second).String()
}

func pad(s string, width int) string {
	if n := width - utf8.RuneCountInString(s); n > 0 {
		return s + strings.Repeat(" ", n)
	}
	return s
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-1]) + "…"
}
