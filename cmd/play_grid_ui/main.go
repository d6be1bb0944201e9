// Command play_grid_ui is a terminal front end for a step grid project:
// it shows every sequence's 64-step rows, tracks the playhead while the
// grid plays, and maps the transport onto a handful of keys.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"path/filepath"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/cbegin/stepgrid-go"
)

const labelWidth = 10

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#88C0D0"))
	seqStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#8FBCBB"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#81A1C1"))
	onStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#A3BE8C"))
	offStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#4C566A"))
	headStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#2E3440")).Background(lipgloss.Color("#EBCB8B"))
	statusStyle = lipgloss.NewStyle().Faint(true)
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#BF616A"))
	helpStyle   = lipgloss.NewStyle().Faint(true)
)

// playbackMsg wraps an engine event for the update loop.
type playbackMsg stepgrid.PlaybackEvent

// playResultMsg reports the outcome of an asynchronous Play call.
type playResultMsg struct {
	err error
}

type model struct {
	player *stepgrid.Player
	events <-chan stepgrid.PlaybackEvent
	file   string
	width  int

	playing bool
	loading bool
	curSeq  int
	curStep int
	cycles  int
	volume  float64

	status    string
	statusErr bool
}

func newModel(pl *stepgrid.Player, file string, volume float64) model {
	return model{
		player:  pl,
		events:  pl.Watch(),
		file:    file,
		width:   100,
		curSeq:  -1,
		curStep: -1,
		volume:  volume,
		status:  "Ready",
	}
}

// waitForEvent blocks on the player's event channel and feeds the next
// event into the program as a message. Update re-arms it after each one.
func waitForEvent(events <-chan stepgrid.PlaybackEvent) tea.Cmd {
	return func() tea.Msg {
		return playbackMsg(<-events)
	}
}

func (m model) Init() tea.Cmd {
	return waitForEvent(m.events)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case playbackMsg:
		switch msg.Kind {
		case stepgrid.EventStep:
			m.curSeq = msg.Sequence
			m.curStep = msg.Step
		case stepgrid.EventCycleCompleted:
			m.cycles++
		case stepgrid.EventPlaybackEnded:
			m.playing = false
			m.curSeq, m.curStep = -1, -1
			if !m.statusErr {
				m.setStatus("Playback ended")
			}
		}
		return m, waitForEvent(m.events)

	case playResultMsg:
		m.loading = false
		if msg.err != nil {
			m.playing = false
			m.setError(msg.err.Error())
			return m, nil
		}
		m.playing = true
		m.setStatus("Playing")
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		_ = m.player.Stop()
		return m, tea.Quit

	case " ":
		if m.loading {
			return m, nil
		}
		if m.playing {
			_ = m.player.Stop()
			m.playing = false
			m.curSeq, m.curStep = -1, -1
			m.setStatus("Stopped")
			return m, nil
		}
		if project := m.player.Project(); project == nil || len(project.SourceURLs) == 0 {
			m.setError("project has no channel sources")
			return m, nil
		}
		m.loading = true
		m.cycles = 0
		m.setStatus("Loading sources...")
		pl := m.player
		return m, func() tea.Msg {
			return playResultMsg{err: pl.Play(context.Background())}
		}

	case "l":
		looping := !m.player.Looping()
		m.player.SetLooping(looping)
		if looping {
			m.setStatus("Loop on")
		} else {
			m.setStatus("Loop off")
		}
		return m, nil

	case "+", "=":
		m.volume += 0.1
		if m.volume > 2 {
			m.volume = 2
		}
		m.player.SetMasterVolume(m.volume)
		m.setStatus(fmt.Sprintf("Volume %d%%", int(m.volume*100+0.5)))
		return m, nil

	case "-":
		m.volume -= 0.1
		if m.volume < 0 {
			m.volume = 0
		}
		m.player.SetMasterVolume(m.volume)
		m.setStatus(fmt.Sprintf("Volume %d%%", int(m.volume*100+0.5)))
		return m, nil

	case "m":
		project := m.player.Project()
		if project == nil {
			m.setError("no project loaded")
			return m, nil
		}
		out := strings.TrimSuffix(m.file, filepath.Ext(m.file)) + ".mid"
		if err := stepgrid.ExportSMF(project, out); err != nil {
			m.setError(err.Error())
			return m, nil
		}
		m.setStatus("Wrote " + filepath.Base(out))
		return m, nil
	}
	return m, nil
}

func (m model) View() string {
	project := m.player.Project()
	var b strings.Builder

	name := "(no project)"
	if project != nil && project.Name != "" {
		name = project.Name
	}
	b.WriteString(titleStyle.Render("stepgrid") + "  " + name + "\n")
	b.WriteString(m.transportLine(project) + "\n")

	if project != nil {
		for seqIdx, seq := range project.Sequences {
			b.WriteString("\n" + seqStyle.Render(seq.Name) + "\n")
			for _, ch := range seq.Channels {
				b.WriteString(labelStyle.Render(padName(ch.Name, labelWidth)) + " ")
				b.WriteString(m.renderSteps(seqIdx, ch.Steps))
				b.WriteByte('\n')
			}
		}
	}

	b.WriteString("\n")
	if m.statusErr {
		b.WriteString(errStyle.Render("ERROR: "+m.status) + "\n")
	} else {
		b.WriteString(statusStyle.Render(m.status) + "\n")
	}
	b.WriteString(helpStyle.Render("space play/stop  l loop  +/- volume  m export midi  q quit"))
	return b.String()
}

func (m model) transportLine(project *stepgrid.Project) string {
	bpm := 0.0
	if project != nil {
		bpm = project.BPM
	}
	state := "stopped"
	if m.loading {
		state = "loading"
	} else if m.playing {
		state = "playing"
	}
	loop := "off"
	if m.player.Looping() {
		loop = "on"
	}
	return statusStyle.Render(fmt.Sprintf("BPM %g   loop %s   vol %d%%   cycle %d   %s",
		bpm, loop, int(m.volume*100+0.5), m.cycles, state))
}

// renderSteps draws one channel row. The playhead column of the sequence
// being played is drawn inverted; rows wrap at 32 steps on narrow terminals.
func (m model) renderSteps(seqIdx int, steps []bool) string {
	perRow := 64
	if m.width > 0 && m.width < labelWidth+70 {
		perRow = 32
	}
	var b strings.Builder
	for si, on := range steps {
		if si > 0 && si%perRow == 0 {
			b.WriteString("\n" + strings.Repeat(" ", labelWidth+1))
		} else if si > 0 && si%16 == 0 {
			b.WriteByte(' ')
		}
		atHead := m.playing && seqIdx == m.curSeq && si == m.curStep
		switch {
		case atHead && on:
			b.WriteString(headStyle.Render("#"))
		case atHead:
			b.WriteString(headStyle.Render(" "))
		case on:
			b.WriteString(onStyle.Render("#"))
		default:
			b.WriteString(offStyle.Render("."))
		}
	}
	return b.String()
}

func padName(s string, n int) string {
	r := []rune(s)
	if len(r) > n {
		return string(r[:n-1]) + "~"
	}
	return s + strings.Repeat(" ", n-len(r))
}

func (m *model) setStatus(s string) {
	m.status = s
	m.statusErr = false
}

func (m *model) setError(s string) {
	m.status = s
	m.statusErr = true
}

func main() {
	var (
		sampleRate  = flag.Int("sample-rate", 44100, "output sample rate")
		projectPath = flag.String("file", "", "path to a project JSON file")
		loop        = flag.Bool("loop", true, "loop playback")
		volume      = flag.Float64("volume", 1.0, "master volume scalar")
	)
	flag.Parse()
	if *projectPath == "" {
		flag.Usage()
		log.Fatal("missing required -file")
	}

	pl, err := stepgrid.NewPlayer(*sampleRate, stepgrid.WithLoopPlayback(*loop))
	if err != nil {
		log.Fatal(err)
	}
	pl.SetMasterVolume(*volume)
	if err := pl.LoadProjectFile(*projectPath); err != nil {
		log.Fatalf("load %q: %v", *projectPath, err)
	}

	p := tea.NewProgram(newModel(pl, *projectPath, *volume), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		log.Fatal(err)
	}
	_ = pl.Stop()
}
