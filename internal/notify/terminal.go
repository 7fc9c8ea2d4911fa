package notify

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// TerminalChannel prints events as single coloured lines. It is added when
// the engine runs in the foreground.
type TerminalChannel struct {
	mu  sync.Mutex
	out io.Writer
}

// NewTerminalChannel writes to out.
func NewTerminalChannel(out io.Writer) *TerminalChannel {
	return &TerminalChannel{out: out}
}

// Name returns the channel name.
func (t *TerminalChannel) Name() string { return "terminal" }

// Send writes ev to the terminal.
func (t *TerminalChannel) Send(_ context.Context, ev Event) error {
	line := FormatLine(ev)
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := fmt.Fprintln(t.out, line)
	return err
}

var kindStyles = map[Kind]struct {
	label string
	color *color.Color
}{
	KindOrderPlaced:       {"ORDER", color.New(color.FgCyan)},
	KindOrderFilled:       {"FILL", color.New(color.FgGreen)},
	KindOrderRejected:     {"REJECT", color.New(color.FgRed)},
	KindSignalRejected:    {"RISK", color.New(color.FgYellow)},
	KindKillSwitchEngaged: {"KILL", color.New(color.FgRed, color.Bold)},
	KindKillSwitchCleared: {"RESUME", color.New(color.FgGreen, color.Bold)},
	KindFeedDisconnected:  {"FEED", color.New(color.FgYellow)},
	KindFeedConnected:     {"FEED", color.New(color.FgGreen)},
	KindError:             {"ERROR", color.New(color.FgRed)},
	KindSummary:           {"SUMMARY", color.New(color.FgMagenta)},
}

// FormatLine renders ev as "[15:04:05] LABEL | title | message". Colour
// follows color.NoColor.
func FormatLine(ev Event) string {
	style, ok := kindStyles[ev.Kind]
	if !ok {
		style.label = strings.ToUpper(string(ev.Kind))
		style.color = color.New(color.FgWhite)
	}
	var sb strings.Builder
	sb.WriteString(style.color.Sprintf("[%s] %-7s", ev.Timestamp.Format("15:04:05"), style.label))
	sb.WriteString(" | ")
	sb.WriteString(ev.Title)
	if ev.Message != "" {
		sb.WriteString(" | ")
		sb.WriteString(strings.ReplaceAll(ev.Message, "\n", "; "))
	}
	return sb.String()
}
