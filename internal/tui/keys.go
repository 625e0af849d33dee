package tui

import "github.com/charmbracelet/bubbles/key"

type keyMap struct {
	Up       key.Binding
	Down     key.Binding
	Accept   key.Binding
	AcceptAs key.Binding
	Reject   key.Binding
	Undo     key.Binding
	Save     key.Binding
	Select   key.Binding
	Cancel   key.Binding
	Help     key.Binding
	Quit     key.Binding
}

func defaultKeys() keyMap {
	return keyMap{
		Up:       key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
		Down:     key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
		Accept:   key.NewBinding(key.WithKeys("a"), key.WithHelp("a", "accept")),
		AcceptAs: key.NewBinding(key.WithKeys("m"), key.WithHelp("m", "accept as...")),
		Reject:   key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "reject")),
		Undo:     key.NewBinding(key.WithKeys("u", "ctrl+z"), key.WithHelp("u", "undo")),
		Save:     key.NewBinding(key.WithKeys("s", "ctrl+s"), key.WithHelp("s", "save")),
		Select:   key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "choose label")),
		Cancel:   key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "cancel")),
		Help:     key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "help")),
		Quit:     key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	}
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Accept, k.AcceptAs, k.Reject, k.Undo, k.Save, k.Help, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down},
		{k.Accept, k.AcceptAs, k.Reject},
		{k.Undo, k.Save},
		{k.Select, k.Cancel, k.Help, k.Quit},
	}
}
