// Package tui provides the interactive BubbleTea session browser:
// search-as-you-type with debouncing, a stats pane, and a setup view that
// streams initial-indexing progress. Selecting a result prints its session
// id on exit so shell wrappers can build the resume command.
//
// Layout:
//
//	┌─────────────────────────────────────┐
//	│  smartfork  resume a past session   │  ← header
//	│  ❯ <query input>                    │  ← search bar
//	│  ─────────────────────────────────  │  ← divider
//	│  0.91  acme-api  <session id>       │  ← results
//	│        "...working solution for..." │
//	│  ...                                │
//	│  ─────────────────────────────────  │  ← divider
//	│  [3 results]  ↑↓ enter  ^i  ^q       │  ← status bar
//	└─────────────────────────────────────┘
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/smartfork/smartfork/internal/chunker"
	"github.com/smartfork/smartfork/internal/core"
	"github.com/smartfork/smartfork/internal/search"
	"github.com/smartfork/smartfork/internal/setup"
)

// ── Palette ──────────────────────────────────────────────────────────────────

var (
	colorAccent  = lipgloss.Color("#7C6AF7")
	colorDim     = lipgloss.Color("#555555")
	colorMuted   = lipgloss.Color("#888888")
	colorText    = lipgloss.Color("#DDDDDD")
	colorSubdued = lipgloss.Color("#444444")
	colorScore   = lipgloss.Color("#5ECEF5")
	colorErr     = lipgloss.Color("#FF6B6B")
	colorGreen   = lipgloss.Color("#5AF078")

	sTitle  = lipgloss.NewStyle().Bold(true).Foreground(colorText)
	sAccent = lipgloss.NewStyle().Foreground(colorAccent)
	sDim    = lipgloss.NewStyle().Foreground(colorDim)
	sMuted  = lipgloss.NewStyle().Foreground(colorMuted)
	sScore  = lipgloss.NewStyle().Foreground(colorScore).Bold(true)
	sProj   = lipgloss.NewStyle().Foreground(colorText)
	sSnip   = lipgloss.NewStyle().Foreground(colorMuted)
	sErr    = lipgloss.NewStyle().Foreground(colorErr)
	sGreen  = lipgloss.NewStyle().Foreground(colorGreen)
	sSel    = lipgloss.NewStyle().
		Background(lipgloss.Color("#1E1A3A")).
		Foreground(colorText)
	sHint = lipgloss.NewStyle().
		Foreground(colorDim).
		Background(lipgloss.Color("#111111"))
	sDivider = lipgloss.NewStyle().Foreground(colorSubdued)
)

// ── Spinner ───────────────────────────────────────────────────────────────────

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

type spinTickMsg struct{}

func spinTick() tea.Cmd {
	return tea.Tick(80*time.Millisecond, func(t time.Time) tea.Msg { return spinTickMsg{} })
}

// ── Messages ─────────────────────────────────────────────────────────────────

type mode int

const (
	modeSearch mode = iota
	modeStats
	modeSetup
)

type (
	searchResultMsg []search.Result
	errMsg          struct{ err error }
	debounceMsg     struct {
		query string
		id    int
	}
	setupProgressMsg setup.Progress
)

// ── Model ─────────────────────────────────────────────────────────────────────

// Model is the BubbleTea application model.
type Model struct {
	ctx        *core.Context
	input      textinput.Model
	results    []search.Result
	cursor     int
	mode       mode
	err        error
	width      int
	height     int
	searching  bool
	spinFrame  int
	stats      *core.Stats
	debounceID int
	lastQuery  string
	selected   string

	setupProgress setup.Progress
	setupCh       chan setup.Progress
}

// Selected returns the session id chosen with enter, or "" if the program
// quit without a selection. Call after (*tea.Program).Run returns.
func (m Model) Selected() string {
	return m.selected
}

// New creates a TUI model backed by a wired core.Context.
func New(ctx *core.Context) Model {
	ti := textinput.New()
	ti.Placeholder = "what were you working on…"
	ti.Focus()
	ti.CharLimit = 256
	ti.Width = 60
	ti.PromptStyle = sAccent
	ti.Prompt = "❯ "
	ti.TextStyle = lipgloss.NewStyle().Foreground(colorText)

	return Model{ctx: ctx, input: ti, mode: modeSearch}
}

// Init is the BubbleTea init hook.
func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, spinTick())
}

// Update processes messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.input.Width = m.width - 8
		return m, nil

	case spinTickMsg:
		m.spinFrame = (m.spinFrame + 1) % len(spinnerFrames)
		return m, spinTick()

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "ctrl+q":
			return m, tea.Quit

		case "ctrl+i":
			if m.mode != modeStats {
				m.mode = modeStats
				s := m.ctx.GetStats()
				m.stats = &s
				m.input.Blur()
			} else {
				m.mode = modeSearch
				m.input.Focus()
				m.stats = nil
			}
			return m, nil

		case "ctrl+s":
			if m.mode == modeSetup {
				return m, nil
			}
			m.mode = modeSetup
			m.input.Blur()
			m.setupProgress = setup.Progress{}
			m.setupCh = make(chan setup.Progress, 16)
			return m, tea.Batch(runSetupCmd(m.ctx, m.setupCh), listenSetupCmd(m.setupCh))

		case "esc":
			m.mode = modeSearch
			m.input.Focus()
			m.stats = nil
			m.err = nil
			return m, nil

		case "up", "ctrl+p":
			if m.cursor > 0 {
				m.cursor--
			}
			return m, nil

		case "down", "ctrl+n":
			if m.cursor < len(m.results)-1 {
				m.cursor++
			}
			return m, nil

		case "enter":
			if m.mode == modeSearch && len(m.results) > 0 {
				m.selected = m.results[m.cursor].SessionID
				return m, tea.Quit
			}
			return m, nil
		}

	case debounceMsg:
		if msg.id == m.debounceID && msg.query == m.input.Value() {
			if strings.TrimSpace(msg.query) == "" {
				m.searching = false
				m.results = nil
				return m, nil
			}
			m.searching = true
			m.lastQuery = msg.query
			return m, searchCmd(m.ctx, msg.query)
		}
		return m, nil

	case searchResultMsg:
		m.searching = false
		m.results = []search.Result(msg)
		m.cursor = 0
		m.err = nil
		return m, nil

	case errMsg:
		m.searching = false
		m.err = msg.err
		return m, nil

	case setupProgressMsg:
		m.setupProgress = setup.Progress(msg)
		if m.setupProgress.IsComplete {
			return m, nil
		}
		return m, listenSetupCmd(m.setupCh)
	}

	if m.mode == modeSearch {
		prevVal := m.input.Value()
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		if m.input.Value() != prevVal {
			m.debounceID++
			id := m.debounceID
			q := m.input.Value()
			return m, tea.Batch(cmd, debounceCmd(q, id, 280*time.Millisecond))
		}
		return m, cmd
	}

	return m, nil
}

// ── Views ─────────────────────────────────────────────────────────────────────

func (m Model) View() string {
	if m.width == 0 {
		return ""
	}
	switch m.mode {
	case modeStats:
		return m.statsView()
	case modeSetup:
		return m.setupView()
	default:
		return m.searchView()
	}
}

func (m Model) searchView() string {
	var b strings.Builder
	w := m.width
	divider := sDivider.Render(strings.Repeat("─", clamp(w-2, 10, 200)))

	left := "  " + sTitle.Render("smartfork") + "  " + sMuted.Render("resume a past session")
	s := m.ctx.GetStats()
	right := sDim.Render(fmt.Sprintf("%d chunks · %d sessions", s.VectorDB.ActiveChunks, s.Registry.TotalSessions))
	fmt.Fprintln(&b, padBetween(left, right, w))

	fmt.Fprintln(&b, "  "+m.input.View())
	fmt.Fprintln(&b, "  "+divider)

	switch {
	case m.err != nil:
		fmt.Fprintln(&b, sErr.Render("  error: "+m.err.Error()))
	case m.searching:
		frame := spinnerFrames[m.spinFrame]
		fmt.Fprintln(&b, "  "+sAccent.Render(frame)+"  "+sMuted.Render("searching…"))
	case len(m.results) == 0 && m.input.Value() == "":
		fmt.Fprintln(&b, "")
		fmt.Fprintln(&b, sMuted.Render("  Start typing to find a past session semantically."))
		fmt.Fprintln(&b, sDim.Render("  Natural language works: ")+sMuted.Render("\"fix the auth retry bug\""))
	case len(m.results) == 0:
		fmt.Fprintln(&b, "")
		fmt.Fprintln(&b, sMuted.Render("  no sessions match ")+sAccent.Render("\""+m.lastQuery+"\""))
		fmt.Fprintln(&b, sDim.Render("  try rephrasing, or run `smartfork setup` if this is a fresh index"))
	default:
		bodyHeight := m.height - 7
		m.renderResults(&b, bodyHeight)
	}

	b.WriteString("\n  " + divider + "\n")
	m.renderStatusBar(&b)

	return b.String()
}

func (m *Model) renderResults(b *strings.Builder, maxRows int) {
	maxResults := maxRows / 2
	if maxResults < 1 {
		maxResults = 1
	}

	for i, r := range m.results {
		if i >= maxResults {
			remaining := len(m.results) - i
			fmt.Fprintf(b, "  %s\n", sDim.Render(fmt.Sprintf("  … %d more results", remaining)))
			break
		}

		score := fmt.Sprintf("%.2f", r.Score.Final)
		project := r.Project
		if project == "" {
			project = "unknown"
		}

		snippet := strings.Join(strings.Fields(r.Preview), " ")
		maxSnip := clamp(m.width-8, 20, 160)
		if len(snippet) > maxSnip {
			snippet = snippet[:maxSnip-1] + "…"
		}

		idLabel := r.SessionID
		if len(idLabel) > 40 {
			idLabel = idLabel[:40] + "…"
		}

		line1 := fmt.Sprintf("  %s  %s  %s", sScore.Render(score), sProj.Render(project), sDim.Render(idLabel))
		line2 := fmt.Sprintf("  %s  %s", sDim.Render("    "), sSnip.Render(snippet))

		if i == m.cursor {
			raw1 := score + "  " + project + "  " + idLabel
			raw2 := "       " + snippet
			pad1 := clamp(m.width-len(raw1)-3, 0, m.width)
			pad2 := clamp(m.width-len(raw2)-3, 0, m.width)
			line1 = sSel.Render("  " + sScore.Render(score) + "  " + sProj.Render(project) + "  " + sDim.Render(idLabel) + strings.Repeat(" ", pad1))
			line2 = sSel.Render("  " + "       " + sSnip.Render(snippet) + strings.Repeat(" ", pad2))
		}

		fmt.Fprintln(b, line1)
		fmt.Fprintln(b, line2)
	}
}

func (m *Model) renderStatusBar(b *strings.Builder) {
	var left string
	switch {
	case len(m.results) > 0:
		left = sGreen.Render(fmt.Sprintf("  %d result", len(m.results)))
		if len(m.results) != 1 {
			left += sGreen.Render("s")
		}
	case m.err != nil:
		left = "  " + sErr.Render(m.err.Error())
	default:
		left = sDim.Render("  no results")
	}

	right := sHint.Render("^i info  ^s setup  esc clear  ↑↓ nav  enter fork  ^q quit  ")
	fmt.Fprint(b, padBetween(left, right, m.width))
}

func (m Model) statsView() string {
	var b strings.Builder
	w := clamp(m.width, 10, 200)
	divider := sDivider.Render(strings.Repeat("─", w-2))

	fmt.Fprintln(&b, "  "+sTitle.Render("smartfork")+" "+sMuted.Render("— index info"))
	fmt.Fprintln(&b, "  "+divider)

	if m.stats != nil {
		s := m.stats
		fmt.Fprintln(&b, "")
		row := func(label, value string) {
			fmt.Fprintf(&b, "  %-22s %s\n", sDim.Render(label), value)
		}
		row("active chunks", sAccent.Render(fmt.Sprintf("%d", s.VectorDB.ActiveChunks)))
		row("archived chunks", sAccent.Render(fmt.Sprintf("%d", s.VectorDB.ArchiveChunks)))
		row("sessions tracked", sAccent.Render(fmt.Sprintf("%d", s.Registry.TotalSessions)))
		row("cache hit rate", sMuted.Render(fmt.Sprintf("%.1f%%", s.Cache.HitRate())))
		row("embedding model", sMuted.Render("BGE-small-en-v1.5 (384-dim)"))
		row("hnsw parameters", sMuted.Render(fmt.Sprintf("M=%d  ef_build=%d  ef_search=%d",
			m.ctx.Config.HNSW.M, m.ctx.Config.HNSW.EfConstruction, m.ctx.Config.HNSW.EfSearch)))
	}

	fmt.Fprintln(&b, "")
	fmt.Fprintln(&b, "  "+divider)
	fmt.Fprint(&b, sHint.Render("  esc back to search  ctrl+q quit"+strings.Repeat(" ", clamp(w-35, 0, 200))))
	return b.String()
}

// setupView renders the live InitialSetup scan, driven by setupProgressMsg
// updates streamed off the run started on ctrl+s.
func (m Model) setupView() string {
	var b strings.Builder
	w := clamp(m.width, 10, 200)
	divider := sDivider.Render(strings.Repeat("─", w-2))
	p := m.setupProgress

	fmt.Fprintln(&b, "  "+sTitle.Render("smartfork")+" "+sMuted.Render("— indexing session history"))
	fmt.Fprintln(&b, "  "+divider)
	fmt.Fprintln(&b, "")

	if p.TotalFiles == 0 {
		frame := spinnerFrames[m.spinFrame]
		fmt.Fprintln(&b, "  "+sAccent.Render(frame)+"  "+sMuted.Render("scanning session directory…"))
	} else {
		barWidth := clamp(w-20, 10, 60)
		filled := 0
		if p.TotalFiles > 0 {
			filled = barWidth * p.ProcessedFiles / p.TotalFiles
		}
		bar := "[" + strings.Repeat("█", clamp(filled, 0, barWidth)) + strings.Repeat("░", clamp(barWidth-filled, 0, barWidth)) + "]"
		fmt.Fprintf(&b, "  %s  %d/%d files\n", sAccent.Render(bar), p.ProcessedFiles, p.TotalFiles)
		fmt.Fprintf(&b, "  %s %s\n", sDim.Render("current:"), sMuted.Render(p.CurrentFile))
		fmt.Fprintf(&b, "  %s %d\n", sDim.Render("chunks indexed:"), p.TotalChunks)
		if !p.IsComplete {
			fmt.Fprintf(&b, "  %s %s\n", sDim.Render("eta:"), sMuted.Render(p.EstimatedRemaining.Round(time.Second).String()))
		}
		if p.Err != nil {
			fmt.Fprintln(&b, "  "+sErr.Render("error: "+p.Err.Error()))
		}
	}

	if p.IsComplete {
		fmt.Fprintln(&b, "")
		fmt.Fprintln(&b, "  "+sGreen.Render("done — press esc to search"))
	}

	fmt.Fprintln(&b, "")
	fmt.Fprintln(&b, "  "+divider)
	fmt.Fprint(&b, sHint.Render("  esc back to search  ctrl+q quit"+strings.Repeat(" ", clamp(w-35, 0, 200))))
	return b.String()
}

// ── Commands ──────────────────────────────────────────────────────────────────

func debounceCmd(query string, id int, delay time.Duration) tea.Cmd {
	return func() tea.Msg {
		time.Sleep(delay)
		return debounceMsg{query: query, id: id}
	}
}

func searchCmd(ctx *core.Context, query string) tea.Cmd {
	return func() tea.Msg {
		results, err := ctx.Search.Search(search.Query{Text: query, TopN: 10})
		if err != nil {
			return errMsg{err}
		}
		return searchResultMsg(results)
	}
}

// runSetupCmd launches InitialSetup.Run in a goroutine, threading its
// progress callback into ch; the caller drains ch with listenSetupCmd.
func runSetupCmd(ctx *core.Context, ch chan<- setup.Progress) tea.Cmd {
	return func() tea.Msg {
		go func() {
			sv := setup.New(ctx.Config.StorageRoot, ctx.Config.SessionRoot, ctx.Store, ctx.Registry, ctx.Embed, setup.Options{
				Workers: ctx.Config.Setup.Workers,
				Chunk: chunker.Options{
					TargetTokens:  ctx.Config.Chunk.TargetTokens,
					MaxTokens:     ctx.Config.Chunk.MaxTokens,
					OverlapTokens: ctx.Config.Chunk.OverlapTokens,
				},
				Progress: func(p setup.Progress) {
					ch <- p
				},
			})
			result, err := sv.Run(sv.HasIncompleteSetup())
			final := setup.Progress{IsComplete: true, TotalChunks: result.TotalChunks, ProcessedFiles: result.FilesProcessed}
			if err != nil {
				final.Err = err
			}
			ch <- final
		}()
		return nil
	}
}

// listenSetupCmd blocks for the next progress update off ch and re-issues
// itself from Update until a final (IsComplete) message arrives.
func listenSetupCmd(ch <-chan setup.Progress) tea.Cmd {
	return func() tea.Msg {
		p, ok := <-ch
		if !ok {
			return setupProgressMsg{IsComplete: true}
		}
		return setupProgressMsg(p)
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func padBetween(left, right string, width int) string {
	lv := visibleLen(left)
	rv := visibleLen(right)
	gap := width - lv - rv - 2
	if gap < 1 {
		gap = 1
	}
	return left + strings.Repeat(" ", gap) + right
}

func visibleLen(s string) int {
	n := 0
	inEsc := false
	for _, c := range s {
		if c == '\x1b' {
			inEsc = true
		}
		if inEsc {
			if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') {
				inEsc = false
			}
			continue
		}
		n++
	}
	return n
}
