package console

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines the console's key bindings.
type KeyMap struct {
	Next     key.Binding
	Previous key.Binding
	Goto     key.Binding
	Ask      key.Binding
	Explain  key.Binding
	Mode     key.Binding
	Notes    key.Binding
	ScrollUp key.Binding
	ScrollDn key.Binding
	Submit   key.Binding
	Cancel   key.Binding
	Quit     key.Binding
}

var DefaultKeyMap = KeyMap{
	Next: key.NewBinding(
		key.WithKeys("n", "right"),
		key.WithHelp("n/→", "next page"),
	),
	Previous: key.NewBinding(
		key.WithKeys("p", "left"),
		key.WithHelp("p/←", "previous page"),
	),
	Goto: key.NewBinding(
		key.WithKeys("g"),
		key.WithHelp("g", "go to page"),
	),
	Ask: key.NewBinding(
		key.WithKeys("a", "?"),
		key.WithHelp("a", "ask"),
	),
	Explain: key.NewBinding(
		key.WithKeys("e"),
		key.WithHelp("e", "explain page"),
	),
	Mode: key.NewBinding(
		key.WithKeys("m"),
		key.WithHelp("m", "answer mode"),
	),
	Notes: key.NewBinding(
		key.WithKeys("w"),
		key.WithHelp("w", "save notes"),
	),
	ScrollUp: key.NewBinding(
		key.WithKeys("k", "up"),
		key.WithHelp("k/↑", "scroll"),
	),
	ScrollDn: key.NewBinding(
		key.WithKeys("j", "down"),
		key.WithHelp("j/↓", "scroll"),
	),
	Submit: key.NewBinding(
		key.WithKeys("enter"),
		key.WithHelp("enter", "submit"),
	),
	Cancel: key.NewBinding(
		key.WithKeys("esc"),
		key.WithHelp("esc", "cancel"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}

// ShortHelp implements help.KeyMap.
func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Next, k.Previous, k.Ask, k.Explain, k.Mode, k.Quit}
}

// FullHelp implements help.KeyMap.
func (k KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Next, k.Previous, k.Goto},
		{k.Ask, k.Explain, k.Mode},
		{k.ScrollUp, k.ScrollDn, k.Notes, k.Quit},
	}
}
