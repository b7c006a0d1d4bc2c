// SPDX-License-Identifier: MIT
package tui

import (
	"fmt"
	"strings"

	"pitchscope/internal/audio"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// hostDevices is swapped out in tests.
var hostDevices = audio.HostDevices

type deviceKeyMap struct {
	Up     key.Binding
	Down   key.Binding
	Select key.Binding
	Quit   key.Binding
}

var deviceKeys = deviceKeyMap{
	Up:     key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
	Down:   key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
	Select: key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "select")),
	Quit:   key.NewBinding(key.WithKeys("q", "esc", "ctrl+c"), key.WithHelp("q", "quit")),
}

// DeviceListModel represents the Bubble Tea model for picking an input device
type DeviceListModel struct {
	devices       []audio.Device
	selectedIndex int
	chosen        bool
	viewport      viewport.Model
	ready         bool
	err           error
}

// NewDeviceListModel creates a new device list model
func NewDeviceListModel() DeviceListModel {
	return DeviceListModel{}
}

// Init initializes the Bubble Tea model
func (m DeviceListModel) Init() tea.Cmd {
	return fetchDevices
}

type devicesMsg struct {
	devices []audio.Device
}

type errMsg struct {
	err error
}

// fetchDevices gets the available input devices
func fetchDevices() tea.Msg {
	devices, err := hostDevices()
	if err != nil {
		return errMsg{err}
	}
	return devicesMsg{audio.InputDevices(devices)}
}

// Update handles input and updates the model
func (m DeviceListModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-4)
			m.viewport.Style = lipgloss.NewStyle()
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - 4
		}
		m.refresh()

	case devicesMsg:
		m.devices = msg.devices
		m.selectedIndex = defaultIndex(m.devices)
		m.refresh()

	case errMsg:
		m.err = msg.err

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, deviceKeys.Quit):
			return m, tea.Quit

		case m.err != nil:
			// Any key leaves the error screen.
			return m, tea.Quit

		case key.Matches(msg, deviceKeys.Up):
			if m.selectedIndex > 0 {
				m.selectedIndex--
				m.refresh()
			}
			return m, nil

		case key.Matches(msg, deviceKeys.Down):
			if m.selectedIndex < len(m.devices)-1 {
				m.selectedIndex++
				m.refresh()
			}
			return m, nil

		case key.Matches(msg, deviceKeys.Select):
			if len(m.devices) > 0 {
				m.chosen = true
				return m, tea.Quit
			}
			return m, nil
		}
	}

	// Handle viewport updates (scrolling)
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *DeviceListModel) refresh() {
	if m.ready {
		m.viewport.SetContent(m.renderDevices())
	}
}

// Selected returns the device picked with enter.
func (m DeviceListModel) Selected() (audio.Device, bool) {
	if !m.chosen || m.selectedIndex >= len(m.devices) {
		return audio.Device{}, false
	}
	return m.devices[m.selectedIndex], true
}

// Err returns the device enumeration error, if any.
func (m DeviceListModel) Err() error {
	return m.err
}

// View renders the UI
func (m DeviceListModel) View() string {
	if !m.ready {
		return "Initializing..."
	}

	if m.err != nil {
		return fmt.Sprintf("Error: %v\n\nPress any key to exit.", m.err)
	}

	title := titleStyle.Render("Select Input Device")
	help := infoStyle.Render(strings.Join([]string{
		helpText(deviceKeys.Up),
		helpText(deviceKeys.Down),
		helpText(deviceKeys.Select),
		helpText(deviceKeys.Quit),
	}, " • "))

	return fmt.Sprintf("%s\n\n%s\n\n%s", title, m.viewport.View(), help)
}

func helpText(b key.Binding) string {
	return b.Help().Key + ": " + b.Help().Desc
}

// renderDevices formats the device list
func (m DeviceListModel) renderDevices() string {
	var sb strings.Builder

	if len(m.devices) == 0 {
		return "No input devices found."
	}

	for i, device := range m.devices {
		marker := " "
		if device.IsDefaultInput {
			marker = "*"
		}

		deviceInfo := fmt.Sprintf("%s[%d] %s (%s)\n", marker, device.ID, device.Name, device.HostAPI)
		deviceInfo += fmt.Sprintf("    Input channels: %d, Default sample rate: %.0f Hz\n",
			device.MaxInputChannels, device.DefaultSampleRate)
		deviceInfo += fmt.Sprintf("    Latency: %v low, %v high\n",
			device.LowInputLatency, device.HighInputLatency)

		if i == m.selectedIndex {
			deviceInfo = highlightStyle.Render(deviceInfo)
		}

		sb.WriteString(deviceInfo)
		sb.WriteString("\n")
	}

	return sb.String()
}

// defaultIndex positions the cursor on the system default input.
func defaultIndex(devices []audio.Device) int {
	for i, d := range devices {
		if d.IsDefaultInput {
			return i
		}
	}
	return 0
}

// PickInputDevice launches the picker and returns the chosen device. ok is
// false if the user quit without choosing.
func PickInputDevice() (device audio.Device, ok bool, err error) {
	p := tea.NewProgram(
		NewDeviceListModel(),
		tea.WithAltScreen(),
	)
	final, err := p.Run()
	if err != nil {
		return audio.Device{}, false, err
	}

	m := final.(DeviceListModel)
	if m.Err() != nil {
		return audio.Device{}, false, m.Err()
	}
	device, ok = m.Selected()
	return device, ok, nil
}
