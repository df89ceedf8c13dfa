package printer

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"

	"github.com/dyluth/sapling/pkg/exchange"
)

func init() {
	// Force color output even when not connected to TTY
	// Users can disable with NO_COLOR environment variable
	if os.Getenv("NO_COLOR") == "" {
		color.NoColor = false
	}
}

var (
	// Out receives regular output, Err receives error reports. Tests swap them.
	Out io.Writer = os.Stdout
	Err io.Writer = os.Stderr
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
	faint  = color.New(color.Faint)
)

// Success prints a success message in green with a checkmark prefix
func Success(format string, a ...any) {
	green.Fprintf(Out, "✓ %s", strings.TrimPrefix(fmt.Sprintf(format, a...), "✓ "))
}

// Info prints an informational message in the default color
func Info(format string, a ...any) {
	fmt.Fprintf(Out, format, a...)
}

// Warning prints a warning message in yellow
func Warning(format string, a ...any) {
	yellow.Fprintf(Out, "⚠️  %s", strings.TrimPrefix(fmt.Sprintf(format, a...), "⚠️  "))
}

// Step prints a step message with emphasis (used in multi-step operations)
func Step(format string, a ...any) {
	cyan.Fprintf(Out, "→ %s", fmt.Sprintf(format, a...))
}

// Error prints a formatted error report to Err and returns a plain error carrying
// only the title, for Cobra (which runs with SilenceErrors).
func Error(title string, explanation string, suggestions []string) error {
	return ErrorWithContext(title, explanation, nil, suggestions)
}

// ErrorWithContext is Error with key/value details printed between the
// explanation and the suggestions. Keys are printed in sorted order.
func ErrorWithContext(title string, explanation string, details map[string]string, suggestions []string) error {
	red.Fprintf(Err, "%s\n\n", title)

	if explanation != "" {
		fmt.Fprintf(Err, "%s\n", explanation)
	}

	if len(details) > 0 {
		keys := make([]string, 0, len(details))
		for k := range details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintln(Err)
		for _, k := range keys {
			fmt.Fprintf(Err, "  %s: %s\n", k, details[k])
		}
	}

	switch len(suggestions) {
	case 0:
	case 1:
		fmt.Fprintf(Err, "\n%s\n", suggestions[0])
	default:
		fmt.Fprintf(Err, "\nEither:\n")
		for i, s := range suggestions {
			fmt.Fprintf(Err, "  %d. %s\n", i+1, s)
		}
	}

	return fmt.Errorf("%s", title)
}

// Ops renders an operation stream one op per line, colored by what the op does
// to the receiver's tree: green adds, yellow changes, red deletes, faint
// references and unchanged markers.
func Ops(ops []exchange.Op) {
	for i, op := range ops {
		c := opColor(op.Code)
		c.Fprintf(Out, "%4d  %s\n", i, op)
	}
}

func opColor(code exchange.OpCode) *color.Color {
	switch code {
	case exchange.OpAdd:
		return green
	case exchange.OpChange, exchange.OpScalar, exchange.OpList:
		return yellow
	case exchange.OpDelete:
		return red
	default:
		return faint
	}
}

// Stats prints the op and list-entry counts of a stream on one line, followed by
// its encoded size when size is positive.
func Stats(s exchange.Stats, size int) {
	fmt.Fprintf(Out, "%d ops", s.Ops)
	if parts := counts(s.ByCode); parts != "" {
		fmt.Fprintf(Out, " (%s)", parts)
	}
	if parts := counts(s.Entries); parts != "" {
		fmt.Fprintf(Out, ", list entries (%s)", parts)
	}
	if size > 0 {
		fmt.Fprintf(Out, ", %d bytes", size)
	}
	fmt.Fprintln(Out)
}

func counts[K ~string](m map[K]int) string {
	keys := make([]string, 0, len(m))
	for k, n := range m {
		if n > 0 {
			keys = append(keys, string(k))
		}
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, m[K(k)])
	}
	return strings.Join(parts, " ")
}

// Println prints a plain message (for output that doesn't need coloring)
func Println(a ...any) {
	fmt.Fprintln(Out, a...)
}

// Printf prints a plain formatted message (for output that doesn't need coloring)
func Printf(format string, a ...any) {
	fmt.Fprintf(Out, format, a...)
}
