package cli

import (
	"bytes"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/yllada/xvpn-control/vpn"
)

func pickerLocations() []vpn.Location {
	return []vpn.Location{
		{ID: "10", Name: "Germany - Frankfurt", Country: "Germany", CountryCode: "DE", Recommended: true},
		{ID: "12", Name: "USA - New York", Country: "USA", CountryCode: "US"},
		{ID: "smart", Name: "Smart Location", IsSmartLocation: true},
	}
}

func press(t *testing.T, m pickerModel, keys ...tea.KeyMsg) (pickerModel, tea.Cmd) {
	t.Helper()
	var cmd tea.Cmd
	for _, k := range keys {
		var next tea.Model
		next, cmd = m.Update(k)
		var ok bool
		if m, ok = next.(pickerModel); !ok {
			t.Fatalf("Update() returned %T", next)
		}
	}
	return m, cmd
}

func isQuit(cmd tea.Cmd) bool {
	if cmd == nil {
		return false
	}
	_, ok := cmd().(tea.QuitMsg)
	return ok
}

func TestPicker_Select(t *testing.T) {
	tests := []struct {
		name   string
		keys   []tea.KeyMsg
		wantID string
	}{
		{"first", []tea.KeyMsg{{Type: tea.KeyEnter}}, "10"},
		{"second", []tea.KeyMsg{{Type: tea.KeyDown}, {Type: tea.KeyEnter}}, "12"},
		{"down and up", []tea.KeyMsg{{Type: tea.KeyDown}, {Type: tea.KeyDown}, {Type: tea.KeyUp}, {Type: tea.KeyEnter}}, "12"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, cmd := press(t, newPickerModel(pickerLocations()), tt.keys...)
			if m.choice == nil {
				t.Fatal("no location chosen")
			}
			if m.choice.ID != tt.wantID {
				t.Errorf("choice = %s, want %s", m.choice.ID, tt.wantID)
			}
			if !isQuit(cmd) {
				t.Error("choosing should quit the program")
			}
			if m.View() != "" {
				t.Error("View() should be empty after a choice")
			}
		})
	}
}

func TestPicker_Quit(t *testing.T) {
	for _, k := range []tea.KeyMsg{
		{Type: tea.KeyCtrlC},
		{Type: tea.KeyEsc},
		{Type: tea.KeyRunes, Runes: []rune{'q'}},
	} {
		t.Run(k.String(), func(t *testing.T) {
			m, cmd := press(t, newPickerModel(pickerLocations()), k)
			if m.choice != nil {
				t.Errorf("choice = %+v, want none", m.choice)
			}
			if !m.quitting || !isQuit(cmd) {
				t.Error("key should quit the picker")
			}
		})
	}
}

func TestPicker_View(t *testing.T) {
	m := newPickerModel(pickerLocations())
	next, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	view := next.(pickerModel).View()
	if !strings.Contains(view, "Select a location") || !strings.Contains(view, "Germany - Frankfurt") {
		t.Errorf("View() = %q", view)
	}
}

func TestLocationItem(t *testing.T) {
	locs := pickerLocations()

	de := locationItem{loc: locs[0]}
	if de.Title() != "Germany - Frankfurt" {
		t.Errorf("Title() = %q", de.Title())
	}
	if de.Description() != "DE · recommended" {
		t.Errorf("Description() = %q", de.Description())
	}
	if !strings.Contains(de.FilterValue(), "Germany") || !strings.Contains(de.FilterValue(), "DE") {
		t.Errorf("FilterValue() = %q", de.FilterValue())
	}

	smart := locationItem{loc: locs[2]}
	if smart.Description() != "smart location" {
		t.Errorf("Description() = %q", smart.Description())
	}
}

func TestRunPicker_Empty(t *testing.T) {
	if _, _, err := runPicker(nil, strings.NewReader(""), &bytes.Buffer{}); err == nil {
		t.Error("runPicker() should fail without locations")
	}
}
