package main

import (
	"fmt"
	"io"
	"os"

	"github.com/kalambet/crucible/internal/pipeline"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

// eventPrinter renders a chat run: reply text goes to out, progress to
// diag.
type eventPrinter struct {
	out  io.Writer
	diag io.Writer

	streamed bool
	failed   bool
}

func (p *eventPrinter) print(ev pipeline.WireEvent) error {
	switch ev.Type {
	case pipeline.KindToken:
		if marker, _ := ev.Metadata[pipeline.MetaMarker].(bool); marker {
			fmt.Fprint(p.out, colorize(colorDim, ev.Content))
			return nil
		}
		p.streamed = true
		fmt.Fprint(p.out, ev.Content)
	case pipeline.KindToolCall:
		name, _ := ev.Metadata[pipeline.MetaToolName].(string)
		fmt.Fprintln(p.diag, colorize(colorCyan, "→ "+name))
	case pipeline.KindToolResult:
		name, _ := ev.Metadata[pipeline.MetaToolName].(string)
		if ok, _ := ev.Metadata[pipeline.MetaToolSuccess].(bool); ok {
			fmt.Fprintln(p.diag, colorize(colorGreen, "✓ "+name))
		} else {
			fmt.Fprintln(p.diag, colorize(colorRed, "✗ "+name+": "+ev.Content))
		}
	case pipeline.KindStatus:
		fmt.Fprintln(p.diag, colorize(colorDim, ev.Content))
	case pipeline.KindError:
		code, _ := ev.Metadata[pipeline.MetaCode].(string)
		if warn, _ := ev.Metadata[pipeline.MetaWarning].(bool); warn {
			fmt.Fprintln(p.diag, colorize(colorYellow, "⚠ "+ev.Content))
			return nil
		}
		p.failed = true
		fmt.Fprintln(p.diag, colorize(colorRed, fmt.Sprintf("✗ %s (%s)", ev.Content, code)))
	case pipeline.KindComplete:
		if !p.streamed {
			fmt.Fprint(p.out, ev.Content)
		}
		fmt.Fprintln(p.out)
	}
	return nil
}
