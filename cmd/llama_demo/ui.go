package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/lazyllama/samplers"
	"github.com/gomlx/lazyllama/transformers"
	"github.com/gomlx/lazyllama/weights"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// loadProgressMsg is sent for each weight visited by the budgeted load.
type loadProgressMsg struct {
	name         string
	materialized bool
	remaining    uint64
}

// loadDoneMsg is sent when the budgeted load finishes.
type loadDoneMsg struct {
	remaining uint64
	err       error
}

// generatedMsg carries the result of a generation.
type generatedMsg struct {
	text string
	err  error
}

type uiModel struct {
	model   *transformers.Model
	sampler *samplers.Sampler

	// Budgeted load state.
	loading                bool
	progress               progress.Model
	loadEvents             chan tea.Msg
	numWeights, numVisited int
	numLoaded              int
	lastWeight             string
	budget, remaining      uint64

	textarea              textarea.Model
	viewport              viewport.Model
	submitted, generating bool
	err                   error
}

func newUIModel(model *transformers.Model) *uiModel {
	ta := textarea.New()
	ta.Placeholder = "LLaMA Prompt:"
	ta.Focus()

	vp := viewport.New(0, 0)
	vp.Style = lipgloss.NewStyle().Margin(1, 2).
		Border(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("99"))

	budget := Budget()
	return &uiModel{
		model:      model,
		sampler:    BuildSampler(model),
		loading:    true,
		progress:   progress.New(progress.WithDefaultGradient()),
		loadEvents: make(chan tea.Msg, 16),
		numWeights: len(model.LoadOrder()),
		budget:     budget,
		remaining:  budget,
		textarea:   ta,
		viewport:   vp,
	}
}

func (m *uiModel) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.startLoading(), m.waitForLoadEvent())
}

// startLoading runs the budgeted load in the background, reporting on m.loadEvents.
func (m *uiModel) startLoading() tea.Cmd {
	return func() tea.Msg {
		visit := func(w *weights.Weight, materialized bool, remaining uint64) {
			m.loadEvents <- loadProgressMsg{name: w.Name, materialized: materialized, remaining: remaining}
		}
		remaining, err := m.model.TryMaterialize(m.budget, backend(), visit)
		m.loadEvents <- loadDoneMsg{remaining: remaining, err: err}
		return nil
	}
}

func (m *uiModel) waitForLoadEvent() tea.Cmd {
	return func() tea.Msg {
		return <-m.loadEvents
	}
}

func (m *uiModel) generate(prompt string) tea.Cmd {
	return func() tea.Msg {
		outputs, err := m.sampler.Sample([]string{prompt})
		if err != nil {
			return generatedMsg{err: err}
		}
		return generatedMsg{text: prompt + outputs[0]}
	}
}

func (m *uiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		taCmd  tea.Cmd
		vpCmd  tea.Cmd
		cmds   []tea.Cmd
		resize bool
	)

	switch msg := msg.(type) {
	case loadProgressMsg:
		m.numVisited++
		if msg.materialized {
			m.numLoaded++
		}
		m.lastWeight, m.remaining = msg.name, msg.remaining
		return m, m.waitForLoadEvent()

	case loadDoneMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, tea.Quit
		}
		m.loading = false
		m.remaining = msg.remaining
		return m, nil

	case generatedMsg:
		m.generating = false
		if msg.err != nil {
			m.err = msg.err
			return m, tea.Quit
		}
		m.viewport.SetContent(msg.text)
		m.textarea.SetValue(msg.text)
		return m, nil

	case tea.KeyMsg:
		switch {
		case msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyEsc:
			return m, tea.Quit
		case m.loading || m.generating:
			return m, nil
		case msg.Type == tea.KeyCtrlL:
			m.textarea.Reset()

		case msg.Type == tea.KeyCtrlD && !m.submitted:
			m.submitted, m.generating = true, true
			m.textarea.Blur()
			m.viewport.SetContent("Generating...")
			return m, m.generate(m.textarea.Value())

		case m.submitted && msg.Type == tea.KeyEnter: // Enter while submitted to edit
			m.submitted = false
			m.textarea.Focus()
			return m, nil
		}

	case tea.WindowSizeMsg:
		resize = true
		m.progress.Width = max(msg.Width-8, 10)
		m.viewport.Width = msg.Width
		m.viewport.Height = msg.Height - 3 // Account for textarea and margins
		m.textarea.SetWidth(msg.Width - 4) // Account for textarea margins
		m.textarea.SetHeight(msg.Height - 8)
	}

	m.textarea, taCmd = m.textarea.Update(msg)
	m.viewport, vpCmd = m.viewport.Update(msg)

	if resize {
		cmds = append(cmds, vpCmd)
	}

	return m, tea.Batch(append(cmds, taCmd)...)
}

func (m *uiModel) View() string {
	if m.loading {
		var percent float64
		if m.numWeights > 0 {
			percent = float64(m.numVisited) / float64(m.numWeights)
		}
		return fmt.Sprintf("\n%s\n\n  %s\n\n  %s\n",
			titleStyle.Render(fmt.Sprintf("Loading weights within %s", humanize.IBytes(m.budget))),
			m.progress.ViewAs(percent),
			dimStyle.Render(fmt.Sprintf("%d of %d weights loaded, %s left: %s",
				m.numLoaded, m.numVisited, humanize.IBytes(m.remaining), m.lastWeight)))
	}

	status := dimStyle.Render(fmt.Sprintf("%s of %s resident, the rest is loaded when first used.",
		humanize.IBytes(m.model.ResidentBytes()), humanize.IBytes(m.model.TotalBytes())))
	if m.submitted {
		footer := "Press Enter to edit..."
		if m.generating {
			footer = "Generating..."
		}
		return fmt.Sprintf("\n%s\n\n%s\n%s", m.viewport.View(), footer, status)
	}

	return strings.Join([]string{
		"",
		m.textarea.View(),
		"",
		"\t• Ctrl+C or ESC to quit;",
		"\t• Ctrl+D to submit;",
		"\t• Ctrl+L to clear the prompt.",
		status,
	}, "\n")
}
