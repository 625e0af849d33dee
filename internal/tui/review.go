// Package tui is the terminal review of agent suggestions. Decisions go through a review.Store,
// so undo and save see exactly what the reviewer did.
package tui

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/tetraminz/bbn_annotator/internal/annotation"
	"github.com/tetraminz/bbn_annotator/internal/review"
	"github.com/tetraminz/bbn_annotator/internal/storage"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	cursorStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	spanStyle    = lipgloss.NewStyle().Underline(true).Foreground(lipgloss.Color("214"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	messageStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	statusStyles = map[string]lipgloss.Style{
		storage.SuggestionPending:  dimStyle,
		storage.SuggestionAccepted: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		storage.SuggestionModified: lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		storage.SuggestionRejected: lipgloss.NewStyle().Foreground(lipgloss.Color("160")),
	}
)

// SaveFunc persists the reviewed annotations.
type SaveFunc func(turns []annotation.TurnAnnotation) error

// Decision is a reviewer verdict on one suggestion.
type Decision struct {
	Suggestion review.Suggestion
	Status     string
	Label      string
}

type undoEntry struct {
	index        int
	prevStatus   string
	prevLabel    string
	storeChanged bool
}

type savedMsg struct{ err error }

// Model is the bubbletea model of a review session.
type Model struct {
	store       *review.Store
	speakers    map[int]annotation.Speaker
	texts       map[int]string
	taxonomy    annotation.Taxonomy
	save        SaveFunc
	suggestions []review.Suggestion
	status      []string
	labels      []string
	undo        []undoEntry

	cursor      int
	picking     bool
	pickOptions []string
	pickCursor  int

	keys     keyMap
	help     help.Model
	message  string
	width    int
	quitting bool
}

// New builds a review model over suggestions for conv. save may be nil.
func New(store *review.Store, conv annotation.Conversation, suggestions []review.Suggestion, taxonomy annotation.Taxonomy, save SaveFunc) Model {
	speakers := make(map[int]annotation.Speaker, len(conv.Turns))
	texts := make(map[int]string, len(conv.Turns))
	for _, turn := range conv.Turns {
		speakers[turn.TurnID] = turn.Speaker
		texts[turn.TurnID] = turn.Text
	}
	status := make([]string, len(suggestions))
	for i := range status {
		status[i] = storage.SuggestionPending
	}
	return Model{
		store:       store,
		speakers:    speakers,
		texts:       texts,
		taxonomy:    taxonomy,
		save:        save,
		suggestions: append([]review.Suggestion(nil), suggestions...),
		status:      status,
		labels:      make([]string, len(suggestions)),
		keys:        defaultKeys(),
		help:        help.New(),
	}
}

func (m Model) Init() tea.Cmd { return nil }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width
		return m, nil
	case savedMsg:
		if msg.err != nil {
			m.message = "save failed: " + msg.err.Error()
		} else {
			m.message = "saved"
		}
		return m, nil
	case tea.KeyMsg:
		if m.picking {
			return m.updatePicker(msg)
		}
		return m.updateList(msg)
	}
	return m, nil
}

func (m Model) updateList(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		m.quitting = true
		return m, tea.Quit
	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
	case key.Matches(msg, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}
	case key.Matches(msg, m.keys.Down):
		if m.cursor < len(m.suggestions)-1 {
			m.cursor++
		}
	case key.Matches(msg, m.keys.Accept):
		m.decide(storage.SuggestionAccepted, "")
	case key.Matches(msg, m.keys.Reject):
		m.decide(storage.SuggestionRejected, "")
	case key.Matches(msg, m.keys.AcceptAs):
		if !m.pending() {
			break
		}
		m.pickOptions = m.labelOptions(m.suggestions[m.cursor].TurnID)
		if len(m.pickOptions) == 0 {
			m.message = "no labels for this speaker"
			break
		}
		m.picking = true
		m.pickCursor = 0
		for i, name := range m.pickOptions {
			if name == m.suggestions[m.cursor].SuggestedLabel {
				m.pickCursor = i
			}
		}
	case key.Matches(msg, m.keys.Undo):
		m.undoLast()
	case key.Matches(msg, m.keys.Save):
		return m, m.saveCmd()
	}
	return m, nil
}

func (m Model) updatePicker(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Cancel):
		m.picking = false
	case key.Matches(msg, m.keys.Up):
		if m.pickCursor > 0 {
			m.pickCursor--
		}
	case key.Matches(msg, m.keys.Down):
		if m.pickCursor < len(m.pickOptions)-1 {
			m.pickCursor++
		}
	case key.Matches(msg, m.keys.Select):
		m.picking = false
		m.decide(storage.SuggestionModified, m.pickOptions[m.pickCursor])
	case key.Matches(msg, m.keys.Quit):
		m.quitting = true
		return m, tea.Quit
	}
	return m, nil
}

func (m *Model) pending() bool {
	if len(m.suggestions) == 0 {
		return false
	}
	if m.status[m.cursor] != storage.SuggestionPending {
		m.message = "already " + m.status[m.cursor] + "; undo to change it"
		return false
	}
	return true
}

func (m *Model) decide(status, label string) {
	if !m.pending() {
		return
	}
	sg := m.suggestions[m.cursor]
	changed := false
	switch status {
	case storage.SuggestionAccepted:
		_, changed = m.store.Accept(sg)
		label = sg.SuggestedLabel
	case storage.SuggestionModified:
		if label == sg.SuggestedLabel {
			status = storage.SuggestionAccepted
		}
		_, changed = m.store.AcceptAs(sg, label)
	case storage.SuggestionRejected:
		m.store.Reject(sg)
	}

	m.undo = append(m.undo, undoEntry{
		index:        m.cursor,
		prevStatus:   m.status[m.cursor],
		prevLabel:    m.labels[m.cursor],
		storeChanged: changed,
	})
	m.status[m.cursor] = status
	m.labels[m.cursor] = label

	switch {
	case status == storage.SuggestionRejected:
		m.message = fmt.Sprintf("rejected %q", sg.Text)
	case !changed:
		m.message = fmt.Sprintf("%q is already annotated as %s", sg.Text, label)
	default:
		m.message = fmt.Sprintf("%s %q as %s", status, sg.Text, label)
	}
	if m.cursor < len(m.suggestions)-1 {
		m.cursor++
	}
}

func (m *Model) undoLast() {
	if len(m.undo) == 0 {
		m.message = "nothing to undo"
		return
	}
	last := m.undo[len(m.undo)-1]
	m.undo = m.undo[:len(m.undo)-1]

	if last.storeChanged {
		if err := m.store.Undo(); err != nil {
			if errors.Is(err, review.ErrNothingToUndo) {
				m.message = "undo history exhausted"
			} else {
				m.message = "undo failed: " + err.Error()
			}
			return
		}
	}
	m.status[last.index] = last.prevStatus
	m.labels[last.index] = last.prevLabel
	m.cursor = last.index
	m.message = "undone"
}

func (m Model) saveCmd() tea.Cmd {
	if m.save == nil {
		return func() tea.Msg { return savedMsg{err: errors.New("no storage configured")} }
	}
	turns := m.store.Snapshot()
	save := m.save
	return func() tea.Msg {
		return savedMsg{err: save(turns)}
	}
}

func (m Model) labelOptions(turnID int) []string {
	labels := m.taxonomy.Labels(m.speakers[turnID])
	out := make([]string, 0, len(labels))
	for _, label := range labels {
		out = append(out, label.Name)
	}
	return out
}

// Decisions returns every suggestion the reviewer decided on, in list order.
func (m Model) Decisions() []Decision {
	out := []Decision{}
	for i, status := range m.status {
		if status == storage.SuggestionPending {
			continue
		}
		out = append(out, Decision{Suggestion: m.suggestions[i], Status: status, Label: m.labels[i]})
	}
	return out
}

// Quitting reports whether the reviewer left the session.
func (m Model) Quitting() bool { return m.quitting }

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("Review %s: %d suggestions", m.store.ConversationID(), len(m.suggestions))))
	b.WriteString("\n\n")

	if len(m.suggestions) == 0 {
		b.WriteString(dimStyle.Render("nothing to review"))
		b.WriteString("\n\n")
		b.WriteString(m.help.View(m.keys))
		return b.String()
	}

	for i, sg := range m.suggestions {
		prefix := "  "
		line := fmt.Sprintf("turn %-3d %-36s %q", sg.TurnID, m.displayLabel(i), sg.Text)
		if !sg.Verified {
			line += " (unverified)"
		}
		if i == m.cursor {
			prefix = cursorStyle.Render("> ")
		}
		b.WriteString(prefix)
		b.WriteString(statusStyles[m.status[i]].Render(fmt.Sprintf("%-9s", m.status[i])))
		b.WriteString(" ")
		b.WriteString(line)
		b.WriteString("\n")
	}

	current := m.suggestions[m.cursor]
	b.WriteString("\n")
	b.WriteString(titleStyle.Render(fmt.Sprintf("%s, turn %d", m.speakers[current.TurnID], current.TurnID)))
	b.WriteString("\n")
	b.WriteString(highlight(m.texts[current.TurnID], current))
	b.WriteString("\n")
	if current.Reasoning != "" {
		b.WriteString(dimStyle.Render(current.Reasoning))
		b.WriteString("\n")
	}

	if m.picking {
		b.WriteString("\n")
		b.WriteString(titleStyle.Render("Accept as:"))
		b.WriteString("\n")
		for i, name := range m.pickOptions {
			if i == m.pickCursor {
				b.WriteString(cursorStyle.Render("> " + name))
			} else {
				b.WriteString("  " + name)
			}
			b.WriteString("\n")
		}
	}

	if m.message != "" {
		b.WriteString("\n")
		b.WriteString(messageStyle.Render(m.message))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(m.help.View(m.keys))
	return b.String()
}

func (m Model) displayLabel(i int) string {
	if m.status[i] == storage.SuggestionModified {
		return m.suggestions[i].SuggestedLabel + " -> " + m.labels[i]
	}
	return m.suggestions[i].SuggestedLabel
}

// highlight marks the suggested span inside the turn text when its offsets are trusted.
func highlight(text string, sg review.Suggestion) string {
	if !sg.Verified {
		return text
	}
	runes := []rune(text)
	if sg.Start < 0 || sg.End > len(runes) || sg.Start >= sg.End {
		return text
	}
	return string(runes[:sg.Start]) + spanStyle.Render(string(runes[sg.Start:sg.End])) + string(runes[sg.End:])
}
