package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/go-go-golems/pfwidget/pkg/chat"
	"github.com/go-go-golems/pfwidget/pkg/reconciler"
)

var (
	visitorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFDF5")).Bold(true)
	agentStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("62")).Bold(true)
	operatorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("170")).Bold(true)
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F5F"))
	hintStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).Italic(true)
	bannerStyle   = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(lipgloss.Color("#AF5F00")).
			Padding(0, 1)
)

// printer writes widget output line by line. Callbacks from the transport
// and the input loop share it, so writes are serialized.
type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out}
}

func (p *printer) line(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprintln(p.out, s)
}

func (p *printer) entry(e reconciler.Entry) {
	p.line(formatEntry(e))
}

func (p *printer) message(m chat.Message) {
	p.line(formatMessage(m))
}

func (p *printer) typing(visible bool) {
	if visible {
		p.line(hintStyle.Render("agent is typing..."))
	}
}

func (p *printer) banner(b string) {
	if b == "" {
		p.line(hintStyle.Render("connection restored"))
		return
	}
	p.line(bannerStyle.Render(b))
}

func (p *printer) hint(s string) {
	p.line(hintStyle.Render(s))
}

func formatEntry(e reconciler.Entry) string {
	if e.Kind == reconciler.KindError {
		return errorStyle.Render(e.Message.Content)
	}
	return formatMessage(e.Message)
}

func formatMessage(m chat.Message) string {
	label, style := "Agent", agentStyle
	switch m.Role {
	case chat.RoleVisitor:
		label, style = "You", visitorStyle
	case chat.RoleOperator:
		label, style = "Operator", operatorStyle
	}
	return style.Render(label+":") + " " + m.Content
}
