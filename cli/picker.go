package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/yllada/xvpn-control/vpn"
)

// locationItem adapts a Location to the list component.
type locationItem struct {
	loc vpn.Location
}

func (i locationItem) Title() string { return i.loc.Name }

func (i locationItem) Description() string {
	parts := []string{}
	if i.loc.CountryCode != "" {
		parts = append(parts, i.loc.CountryCode)
	}
	if i.loc.Recommended {
		parts = append(parts, "recommended")
	}
	if i.loc.IsSmartLocation {
		parts = append(parts, "smart location")
	}
	return strings.Join(parts, " · ")
}

func (i locationItem) FilterValue() string {
	return i.loc.Name + " " + i.loc.Country + " " + i.loc.CountryCode
}

// pickerModel is the bubbletea model behind -pick.
type pickerModel struct {
	list     list.Model
	choice   *vpn.Location
	quitting bool
}

func newPickerModel(locations []vpn.Location) pickerModel {
	items := make([]list.Item, len(locations))
	for i, loc := range locations {
		items[i] = locationItem{loc: loc}
	}

	l := list.New(items, list.NewDefaultDelegate(), 80, 24)
	l.Title = "Select a location"
	l.SetStatusBarItemName("location", "locations")
	return pickerModel{list: l}
}

func (m pickerModel) Init() tea.Cmd {
	return nil
}

func (m pickerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.list.SetSize(msg.Width, msg.Height)
		return m, nil

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			m.quitting = true
			return m, tea.Quit
		}
		// While typing a filter, keys belong to the filter input.
		if m.list.FilterState() == list.Filtering {
			break
		}
		switch msg.String() {
		case "enter":
			if item, ok := m.list.SelectedItem().(locationItem); ok {
				loc := item.loc
				m.choice = &loc
			}
			return m, tea.Quit
		case "q":
			m.quitting = true
			return m, tea.Quit
		case "esc":
			if m.list.FilterState() == list.Unfiltered {
				m.quitting = true
				return m, tea.Quit
			}
		}
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m pickerModel) View() string {
	if m.choice != nil || m.quitting {
		return ""
	}
	return m.list.View()
}

// runPicker shows the location list and returns the chosen location.
// ok is false when the user quits without choosing.
func runPicker(locations []vpn.Location, in io.Reader, out io.Writer) (vpn.Location, bool, error) {
	if len(locations) == 0 {
		return vpn.Location{}, false, fmt.Errorf("no locations to choose from")
	}

	p := tea.NewProgram(newPickerModel(locations),
		tea.WithAltScreen(),
		tea.WithInput(in),
		tea.WithOutput(out),
	)
	final, err := p.Run()
	if err != nil {
		return vpn.Location{}, false, fmt.Errorf("location picker failed: %w", err)
	}

	m, ok := final.(pickerModel)
	if !ok || m.choice == nil {
		return vpn.Location{}, false, nil
	}
	return *m.choice, true, nil
}
