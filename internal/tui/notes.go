// SPDX-License-Identifier: MIT
// Package tui holds the Bubble Tea front ends: the live note display and
// the input device picker.
package tui

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"pitchscope/internal/pitch"
	"pitchscope/internal/transport"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const (
	statsInterval = 250 * time.Millisecond
	meterWidth    = 21 // odd so the centre column is 0 cents
)

// CaptureStats is the part of the engine the display reports on.
type CaptureStats interface {
	Callbacks() uint64
	Dropped() uint64
}

type noteMsg struct {
	note pitch.Note
}

// sourceEndedMsg means the source will not produce any more notes.
type sourceEndedMsg struct{}

type statsMsg time.Time

// NoteModel shows the most recent detected note. It pulls notes from its
// source one at a time, so the source is only ever read from one goroutine.
type NoteModel struct {
	ctx    context.Context
	source transport.NoteSource
	stats  CaptureStats
	device string
	quit   key.Binding

	note      pitch.Note
	notes     uint64
	callbacks uint64
	dropped   uint64
	ended     bool
	width     int
}

// NewNoteModel displays notes from source. stats may be nil. ctx bounds
// the wait for each note.
func NewNoteModel(ctx context.Context, source transport.NoteSource, stats CaptureStats, device string) NoteModel {
	return NoteModel{
		ctx:    ctx,
		source: source,
		stats:  stats,
		device: device,
		quit: key.NewBinding(
			key.WithKeys("q", "esc", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}

// Init starts waiting for the first note and the stats ticker.
func (m NoteModel) Init() tea.Cmd {
	return tea.Batch(m.waitForNote(), tickStats())
}

func (m NoteModel) waitForNote() tea.Cmd {
	ctx, source := m.ctx, m.source
	return func() tea.Msg {
		note, ok := source.Next(ctx)
		if !ok {
			return sourceEndedMsg{}
		}
		return noteMsg{note: note}
	}
}

func tickStats() tea.Cmd {
	return tea.Tick(statsInterval, func(t time.Time) tea.Msg {
		return statsMsg(t)
	})
}

// Update handles notes, stats ticks, resizes and the quit keys. Quitting
// closes the source so the producer side sees the display go away.
func (m NoteModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case noteMsg:
		m.note = msg.note
		m.notes++
		return m, m.waitForNote()

	case sourceEndedMsg:
		m.ended = true
		return m, tea.Quit

	case statsMsg:
		m.refreshStats()
		return m, tickStats()

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case tea.KeyMsg:
		if key.Matches(msg, m.quit) {
			// Releases the receiver only; sinks are closed at shutdown.
			m.source.Close()
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m *NoteModel) refreshStats() {
	if m.stats == nil {
		return
	}
	m.callbacks = m.stats.Callbacks()
	m.dropped = m.stats.Dropped()
}

// Note returns the last note received, the zero Note before the first.
func (m NoteModel) Note() pitch.Note {
	return m.note
}

// Ended reports whether the source ran dry.
func (m NoteModel) Ended() bool {
	return m.ended
}

// View renders the display.
func (m NoteModel) View() string {
	var sb strings.Builder

	title := "pitchscope"
	if m.device != "" {
		title += " · " + m.device
	}
	sb.WriteString(titleStyle.Render(title))
	sb.WriteString("\n\n")

	if m.note.IsZero() {
		sb.WriteString(noteStyle.Render("--- ---"))
		sb.WriteString("\n")
		sb.WriteString(dimStyle.Render("listening..."))
	} else {
		sb.WriteString(noteStyle.Render(m.note.String()))
		sb.WriteString("\n")
		fmt.Fprintf(&sb, "%s  %+.0f cents\n", highlightStyle.Render(m.note.Label()), m.note.Cents)
		sb.WriteString(centsMeter(m.note.Cents))
	}
	sb.WriteString("\n\n")

	stats := fmt.Sprintf("frames: %d  notes: %d  dropped: %d", m.callbacks, m.notes, m.dropped)
	if m.dropped > 0 {
		sb.WriteString(warnStyle.Render(stats))
	} else {
		sb.WriteString(infoStyle.Render(stats))
	}
	sb.WriteString("\n")
	sb.WriteString(dimStyle.Render(m.quit.Help().Key + ": " + m.quit.Help().Desc))

	if m.width > 0 {
		return lipgloss.NewStyle().MaxWidth(m.width).Render(sb.String())
	}
	return sb.String()
}

// centsMeter draws a tuning bar with the marker offset by cents, -50 on the
// left edge and +50 on the right.
func centsMeter(cents float64) string {
	half := meterWidth / 2
	pos := half + int(math.Round(cents/50*float64(half)))
	pos = max(0, min(meterWidth-1, pos))

	cells := []rune(strings.Repeat("-", meterWidth))
	cells[half] = '|'
	cells[pos] = '●'
	return "[" + string(cells) + "]"
}

// RunNoteDisplay runs the note display until the user quits or the source
// ends.
func RunNoteDisplay(ctx context.Context, source transport.NoteSource, stats CaptureStats, device string) error {
	p := tea.NewProgram(
		NewNoteModel(ctx, source, stats, device),
		tea.WithAltScreen(),
		tea.WithContext(ctx),
	)
	_, err := p.Run()
	return err
}
