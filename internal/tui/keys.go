package tui

import "github.com/charmbracelet/bubbles/key"

// keyMap defines the keybindings for the login flow.
type keyMap struct {
	Submit key.Binding
	Quit   key.Binding
}

// defaultKeyMap returns the default keybindings.
func defaultKeyMap() keyMap {
	return keyMap{
		Submit: key.NewBinding(
			key.WithKeys("enter"),
			key.WithHelp("enter", "submit code"),
		),
		Quit: key.NewBinding(
			key.WithKeys("ctrl+c", "esc"),
			key.WithHelp("esc", "abort login"),
		),
	}
}
