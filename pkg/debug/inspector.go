// Package debug provides a read-only terminal inspector over a running
// engine: buffer-pool residency, lock queues, and the waits-for graph,
// refreshed on a timer. The waits-for view shows the lock manager's edge
// list, which the deadlock detector clears at the end of every detection
// pass, so it is empty between passes.
package debug

import (
	"fmt"
	"strings"
	"time"

	"coredb/pkg/concurrency/lock"
	"coredb/pkg/concurrency/transaction"
	"coredb/pkg/memory"
	"coredb/pkg/primitives"
	"coredb/pkg/storage/disk"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
)

// Sources bundles the engine components the inspector reads from.
type Sources struct {
	Pool  *memory.BufferPool
	Locks *lock.Manager
	Disk  *disk.Manager
	Txns  *transaction.Manager
}

type tab int

const (
	tabFrames tab = iota
	tabLocks
	tabWaitsFor
	tabCount
)

var tabNames = [tabCount]string{"Frames", "Locks", "Waits-for"}

type keyMap struct {
	NextTab key.Binding
	Quit    key.Binding
}

var keys = keyMap{
	NextTab: key.NewBinding(
		key.WithKeys("tab"),
		key.WithHelp("tab", "next view"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}

type tickMsg time.Time

// Model is the bubbletea model for the inspector.
type Model struct {
	sources Sources
	active  tab
	tables  [tabCount]table.Model
	width   int
}

// NewModel builds the inspector over the given engine components.
func NewModel(sources Sources) Model {
	m := Model{sources: sources}

	m.tables[tabFrames] = table.New(
		table.WithColumns([]table.Column{
			{Title: "Frame", Width: 8},
			{Title: "Page", Width: 10},
			{Title: "Pins", Width: 6},
			{Title: "Dirty", Width: 6},
		}),
		table.WithFocused(true),
		table.WithHeight(16),
	)
	m.tables[tabLocks] = table.New(
		table.WithColumns([]table.Column{
			{Title: "Resource", Width: 18},
			{Title: "Holders", Width: 28},
			{Title: "Waiters", Width: 28},
		}),
		table.WithFocused(true),
		table.WithHeight(16),
	)
	m.tables[tabWaitsFor] = table.New(
		table.WithColumns([]table.Column{
			{Title: "Waiter", Width: 12},
			{Title: "Holder", Width: 12},
		}),
		table.WithFocused(true),
		table.WithHeight(16),
	)

	m.refresh()
	return m
}

func tick() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) Init() tea.Cmd {
	return tick()
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tickMsg:
		m.refresh()
		return m, tick()

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, keys.NextTab):
			m.active = (m.active + 1) % tabCount
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.tables[m.active], cmd = m.tables[m.active].Update(msg)
	return m, cmd
}

func (m *Model) refresh() {
	var frameRows []table.Row
	for _, info := range m.sources.Pool.Snapshot() {
		pid := "free"
		if info.Page != primitives.InvalidPageID {
			pid = fmt.Sprintf("%d", info.Page)
		}
		frameRows = append(frameRows, table.Row{
			fmt.Sprintf("%d", info.Frame),
			pid,
			fmt.Sprintf("%d", info.PinCount),
			fmt.Sprintf("%v", info.Dirty),
		})
	}
	m.tables[tabFrames].SetRows(frameRows)

	var lockRows []table.Row
	for _, q := range m.sources.Locks.Snapshot() {
		lockRows = append(lockRows, table.Row{
			q.Resource,
			strings.Join(q.Granted, ", "),
			strings.Join(q.Waiting, ", "),
		})
	}
	m.tables[tabLocks].SetRows(lockRows)

	var edgeRows []table.Row
	for _, e := range m.sources.Locks.GetEdgeList() {
		edgeRows = append(edgeRows, table.Row{
			fmt.Sprintf("txn %d", e.Waiter),
			fmt.Sprintf("txn %d", e.Holder),
		})
	}
	m.tables[tabWaitsFor].SetRows(edgeRows)
}

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("coredb inspector"))
	b.WriteString("\n")

	var tabs []string
	for i, name := range tabNames {
		if tab(i) == m.active {
			tabs = append(tabs, activeTabStyle.Render(name))
		} else {
			tabs = append(tabs, tabStyle.Render(name))
		}
	}
	b.WriteString(strings.Join(tabs, ""))
	b.WriteString("\n")

	b.WriteString(statStyle.Render(fmt.Sprintf(
		"pool %d frames | disk reads %d writes %d | %d live txns",
		m.sources.Pool.Size(), m.sources.Disk.NumReads(), m.sources.Disk.NumWrites(),
		m.sources.Txns.LiveCount())))
	b.WriteString("\n")

	b.WriteString(paneStyle.Render(m.tables[m.active].View()))
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("tab: switch view · q: quit"))
	return b.String()
}

// Run launches the inspector and blocks until the user quits.
func Run(sources Sources) error {
	p := tea.NewProgram(NewModel(sources), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
