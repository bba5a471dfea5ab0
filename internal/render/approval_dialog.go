package render

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/truncate"

	"github.com/codefionn/nullterm/internal/approval"
)

var (
	dialogStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("170")).
			Padding(1, 2).
			Width(80)

	dialogTitleStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("170")).
				MarginBottom(1)

	dialogParamStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("86")).
				MarginLeft(2)

	choiceItemStyle         = lipgloss.NewStyle().PaddingLeft(2)
	choiceSelectedItemStyle = lipgloss.NewStyle().PaddingLeft(0).Foreground(lipgloss.Color("170")).Bold(true)
	choiceDescStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// Choice is the outcome of an ApprovalDialog.
type Choice string

const (
	ChoiceNone        Choice = ""
	ChoiceApprove     Choice = "approve"
	ChoiceAlwaysAllow Choice = "always"
	ChoiceDeny        Choice = "deny"
)

func (c Choice) Approved() bool { return c == ChoiceApprove || c == ChoiceAlwaysAllow }

type choiceItem struct {
	label string
	value Choice
	desc  string
}

func (i choiceItem) FilterValue() string { return i.label }

type choiceDelegate struct{}

func (d choiceDelegate) Height() int                             { return 2 }
func (d choiceDelegate) Spacing() int                            { return 1 }
func (d choiceDelegate) Update(_ tea.Msg, _ *list.Model) tea.Cmd { return nil }
func (d choiceDelegate) Render(w io.Writer, m list.Model, index int, listItem list.Item) {
	item, ok := listItem.(choiceItem)
	if !ok {
		return
	}

	var title string
	if index == m.Index() {
		title = choiceSelectedItemStyle.Render(fmt.Sprintf("▸ %s", item.label))
	} else {
		title = choiceItemStyle.Render(fmt.Sprintf("  %s", item.label))
	}
	desc := choiceItemStyle.Render(choiceDescStyle.Render(item.desc))
	fmt.Fprintf(w, "%s\n%s", title, desc)
}

// ApprovalDialog asks whether a tool call may run.
type ApprovalDialog struct {
	request approval.Request
	params  []string
	list    list.Model
	choice  Choice
}

const denyIndex = 2

func NewApprovalDialog(req approval.Request) ApprovalDialog {
	items := []list.Item{
		choiceItem{label: "Approve", value: ChoiceApprove, desc: "Run this call once."},
		choiceItem{label: "Always allow", value: ChoiceAlwaysAllow, desc: fmt.Sprintf("Run %s without asking for the rest of the session.", req.ToolName)},
		choiceItem{label: "Deny", value: ChoiceDeny, desc: "Skip the call and tell the model it was denied."},
	}

	l := list.New(items, choiceDelegate{}, 76, 12)
	l.Title = "Approval required"
	l.Styles.Title = dialogTitleStyle
	l.DisableQuitKeybindings()
	l.SetShowStatusBar(false)
	l.SetShowHelp(false)
	l.SetFilteringEnabled(false)
	l.SetShowTitle(false)
	l.Select(denyIndex)

	return ApprovalDialog{request: req, params: formatParams(req.Arguments), list: l}
}

func (m ApprovalDialog) Init() tea.Cmd { return nil }

func (m ApprovalDialog) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.list.SetSize(min(msg.Width-4, 76), 12)

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc", "n":
			m.choice = ChoiceDeny
			return m, tea.Quit
		case "y":
			m.choice = ChoiceApprove
			return m, tea.Quit
		case "a":
			m.choice = ChoiceAlwaysAllow
			return m, tea.Quit
		case "enter":
			if item, ok := m.list.SelectedItem().(choiceItem); ok {
				m.choice = item.value
				return m, tea.Quit
			}
		}
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m ApprovalDialog) View() string {
	if m.choice != ChoiceNone {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(dialogTitleStyle.Render("⚠️  Approval required"))
	sb.WriteString("\n\n")
	sb.WriteString(lipgloss.NewStyle().Bold(true).Render("Tool: "))
	sb.WriteString(toolNameStyle.Render(m.request.ToolName))
	sb.WriteString("\n\n")

	if len(m.params) > 0 {
		sb.WriteString(lipgloss.NewStyle().Bold(true).Render("Arguments:"))
		sb.WriteString("\n")
		for _, line := range m.params {
			sb.WriteString(dialogParamStyle.Render(line))
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	sb.WriteString(m.list.View())
	sb.WriteString("\n")
	sb.WriteString(statusStyle.Render("enter select · y approve · a always · n/esc deny"))
	return dialogStyle.Render(sb.String())
}

// Choice is ChoiceNone until the user picks.
func (m ApprovalDialog) Choice() Choice { return m.choice }

// formatParams renders top-level arguments as sorted "key: value" lines.
func formatParams(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		return []string{truncate.StringWithTail(string(raw), 96, "...")}
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		v := params[k]
		var s string
		switch v := v.(type) {
		case string:
			s = v
		default:
			b, _ := json.Marshal(v)
			s = string(b)
		}
		s = strings.ReplaceAll(s, "\n", "⏎")
		lines = append(lines, truncate.StringWithTail(fmt.Sprintf("%s: %s", k, s), 96, "..."))
	}
	return lines
}
