package main

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	boxStyle    = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("8")).
			Padding(0, 1)
)

func renderAccent(s string) string { return accentStyle.Render(s) }
func renderPass(s string) string   { return passStyle.Render(s) }
func renderWarn(s string) string   { return warnStyle.Render(s) }
func renderFail(s string) string   { return failStyle.Render(s) }
func renderMuted(s string) string  { return mutedStyle.Render(s) }

// euro formats an amount the French way: 1 234,50 €.
func euro(v float64) string {
	neg := v < 0
	cents := int64(math.Round(math.Abs(v) * 100))
	whole := fmt.Sprintf("%d", cents/100)

	var b strings.Builder
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteRune(' ')
		}
		b.WriteRune(r)
	}
	s := fmt.Sprintf("%s,%02d €", b.String(), cents%100)
	if neg {
		s = "-" + s
	}
	return s
}

var errNotInteractive = errors.New("not a terminal: pass --yes to confirm")

// confirm asks a yes/no question on the terminal.
func confirm(title, description string) (bool, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return false, errNotInteractive
	}
	var ok bool
	err := huh.NewConfirm().
		Title(title).
		Description(description).
		Affirmative("Oui").
		Negative("Non").
		Value(&ok).
		Run()
	if err != nil {
		return false, err
	}
	return ok, nil
}
