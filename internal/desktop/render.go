package desktop

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"pkt.systems/imagine/schema"
)

const (
	defaultRenderWidth = 72
	maxBodyLines       = 12
)

var (
	scriptBlock = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	blockTag    = regexp.MustCompile(`(?i)</?(p|div|li|ul|ol|h[1-6]|br|tr|section|header|footer)[^>]*>`)
	anyTag      = regexp.MustCompile(`<[^>]*>`)
	blankRuns   = regexp.MustCompile(`\n{2,}`)
)

// RenderOptions tunes Render.
type RenderOptions struct {
	Width   int
	NoColor bool
}

// Render draws windows, lowest z first, as bordered terminal boxes.
func Render(wins []schema.Window, opts RenderOptions) string {
	width := opts.Width
	if width <= 0 {
		width = defaultRenderWidth
	}
	if len(wins) == 0 {
		return faint(opts).Render("(no windows)")
	}
	boxes := make([]string, 0, len(wins))
	for _, win := range wins {
		boxes = append(boxes, renderWindow(win, width, opts))
	}
	return lipgloss.JoinVertical(lipgloss.Left, boxes...)
}

func renderWindow(win schema.Window, width int, opts RenderOptions) string {
	header := lipgloss.NewStyle().Bold(true)
	border := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		Padding(0, 1).
		Width(width)
	if !opts.NoColor {
		header = header.Foreground(lipgloss.Color("#EAF3FF")).Background(lipgloss.Color("#1E3A8A"))
		border = border.BorderForeground(statusColor(win.Status))
	}

	flags := []string{string(win.Status), fmt.Sprintf("z=%d", win.ZIndex), fmt.Sprintf("%.0fx%.0f", win.Size.Width, win.Size.Height)}
	if win.IsMinimized {
		flags = append(flags, "minimized")
	}
	if win.IsMaximized {
		flags = append(flags, "maximized")
	}
	if win.Script != "" {
		flags = append(flags, "script")
	}
	title := header.Render(" " + win.Title + " ")
	meta := faint(opts).Render(fmt.Sprintf("#%s  %s", win.ID, strings.Join(flags, " ")))

	parts := []string{title, meta}
	if !win.IsMinimized {
		parts = append(parts, "", windowBody(win))
	}
	return border.Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

func windowBody(win schema.Window) string {
	if win.Content == nil {
		return "…"
	}
	text := HTMLText(*win.Content)
	lines := strings.Split(text, "\n")
	if len(lines) > maxBodyLines {
		lines = append(lines[:maxBodyLines], fmt.Sprintf("… (%d more lines)", len(lines)-maxBodyLines))
	}
	return strings.Join(lines, "\n")
}

// HTMLText reduces window HTML to readable plain text.
func HTMLText(content string) string {
	text := scriptBlock.ReplaceAllString(content, "")
	text = blockTag.ReplaceAllString(text, "\n")
	text = anyTag.ReplaceAllString(text, "")
	text = html.UnescapeString(text)
	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, line := range lines {
		out = append(out, strings.Join(strings.Fields(line), " "))
	}
	text = blankRuns.ReplaceAllString(strings.Join(out, "\n"), "\n")
	return strings.TrimSpace(text)
}

func faint(opts RenderOptions) lipgloss.Style {
	style := lipgloss.NewStyle().Faint(true)
	if !opts.NoColor {
		style = style.Foreground(lipgloss.Color("#A8C7FF"))
	}
	return style
}

func statusColor(status schema.WindowStatus) lipgloss.Color {
	switch status {
	case schema.WindowReady:
		return lipgloss.Color("#60A5FA")
	case schema.WindowError:
		return lipgloss.Color("#FB7185")
	case schema.WindowLoading:
		return lipgloss.Color("#FF9F43")
	default:
		return lipgloss.Color("#6B7280")
	}
}
