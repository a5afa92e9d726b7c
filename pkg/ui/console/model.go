package console

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"lotbot/pkg/bus"
)

const (
	roleUser  = "user"
	roleBot   = "bot"
	roleError = "error"
)

// replyWait is how long the spinner runs after a submit with no answer.
const replyWait = 4 * time.Second

type chatMessage struct {
	role    string
	content string
	buttons []bus.Button
}

type submitResultMsg struct {
	err error
}

type outboundMsg struct {
	msg bus.OutboundMessage
	ok  bool
}

type replyTimeoutMsg struct {
	seq int
}

type bootTickMsg struct{}

type model struct {
	ctx  context.Context
	chat Chat

	theme     theme
	spinner   spinner.Model
	input     textinput.Model
	viewport  viewport.Model
	messages  []chatMessage
	width     int
	height    int
	isReady   bool
	isLoading bool
	submitSeq int
	lastErr   string
	booting   bool
	bootStep  int
	followLog bool
	received  int
}

func newModel(ctx context.Context, chat Chat) *model {
	spin := spinner.New()
	spin.Spinner = spinner.Points
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	in := textinput.New()
	in.Prompt = ""
	in.Placeholder = "#up LOT-1, !img photo.jpg, !tap 1 ..."
	in.Focus()
	in.CharLimit = 0

	vp := viewport.New(80, 12)

	return &model{
		ctx:       ctx,
		chat:      chat,
		theme:     defaultTheme(),
		spinner:   spin,
		input:     in,
		viewport:  vp,
		width:     100,
		height:    28,
		booting:   true,
		followLog: true,
	}
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(bootTickCmd(), waitOutboundCmd(m.chat))
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		m.resizeComponents()
		m.refreshViewport(false)
		m.isReady = true
		return m, nil
	case bootTickMsg:
		if !m.booting {
			return m, nil
		}

		m.bootStep++
		if m.bootStep < len(bootScriptLines())+1 {
			return m, bootTickCmd()
		}

		m.booting = false
		return m, textinput.Blink
	case outboundMsg:
		if !typed.ok {
			return m, nil
		}
		m.isLoading = false
		m.received++
		m.messages = append(m.messages, botMessages(typed.msg)...)
		m.refreshViewport(false)
		return m, waitOutboundCmd(m.chat)
	case submitResultMsg:
		if typed.err != nil {
			m.isLoading = false
			m.lastErr = typed.err.Error()
			m.messages = append(m.messages, chatMessage{role: roleError, content: typed.err.Error()})
			m.refreshViewport(false)
		}
		return m, nil
	case replyTimeoutMsg:
		if typed.seq == m.submitSeq {
			m.isLoading = false
		}
		return m, nil
	case tea.MouseMsg:
		if m.handleViewportMouse(typed) {
			return m, nil
		}
	case tea.KeyMsg:
		switch typed.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		}

		if m.booting {
			return m, nil
		}

		if handled := m.handleViewportKey(typed); handled {
			return m, nil
		}

		if typed.String() == "enter" {
			line := strings.TrimSpace(m.input.Value())
			if line == "" {
				return m, nil
			}
			if isExitCommand(line) {
				return m, tea.Quit
			}

			m.lastErr = ""
			m.messages = append(m.messages, chatMessage{role: roleUser, content: line})
			m.input.SetValue("")
			m.isLoading = true
			m.submitSeq++
			m.followLog = true
			m.refreshViewport(true)
			return m, tea.Batch(m.spinner.Tick, submitCmd(m.ctx, m.chat, line), replyTimeoutCmd(m.submitSeq))
		}
	}

	m.input, cmd = m.input.Update(msg)

	if typed, ok := msg.(spinner.TickMsg); ok {
		if !m.isLoading {
			return m, nil
		}
		m.spinner, cmd = m.spinner.Update(typed)
		return m, cmd
	}

	return m, cmd
}

func (m *model) View() string {
	if !m.isReady {
		m.resizeComponents()
		m.refreshViewport(false)
	}
	if m.booting {
		return m.bootView()
	}

	header := m.theme.header.Width(m.width - 2).Render("📷 LotBot Console")
	meta := m.theme.headerMeta.Render(fmt.Sprintf(
		"user:%s · chat:%s · sent:%d · received:%d",
		displayOrNA(m.chat.UserID()),
		displayOrNA(m.chat.ChatID()),
		sentCount(m.messages),
		m.received,
	))
	line := m.theme.divider.Width(m.width - 2).Render(strings.Repeat("═", max(8, m.width-2)))

	status := m.theme.status.Render("💡 Enter send  ·  PgUp/PgDn scroll  ·  End jump latest  ·  🛑 Ctrl+C/Esc quit")
	if m.isLoading {
		status = m.theme.statusBusy.Render(fmt.Sprintf("%s waiting for the bot...", m.spinner.View()))
	}
	if m.lastErr != "" {
		status = m.theme.statusErr.Render("🚨 " + m.lastErr)
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		meta,
		line,
		m.theme.viewport.Width(m.width-2).Render(m.viewport.View()),
		status,
		m.theme.inputLabel.Render("You")+" "+m.theme.hint.Render("(!img PATH · !tap N · !follow · !unfollow · /exit)"),
		m.theme.input.Width(m.width-2).Render(m.input.View()),
	)
}

func (m *model) resizeComponents() {
	w := m.width - 6
	if w < 50 {
		w = 50
	}
	h := m.height - 10
	if h < 8 {
		h = 8
	}

	m.viewport.Width = w
	m.viewport.Height = h
	m.input.Width = w - 2
}

func (m *model) refreshViewport(forceBottom bool) {
	previousOffset := m.viewport.YOffset
	var sections []string
	for _, item := range m.messages {
		switch item.role {
		case roleUser:
			sections = append(sections, m.renderCard(
				m.theme.userTitle.Render("[ you ]"),
				m.theme.userBox.Width(m.viewport.Width).Render(strings.TrimSpace(item.content)),
			))
		case roleBot:
			body := strings.TrimSpace(item.content)
			if len(item.buttons) > 0 {
				body = strings.TrimSpace(body + "\n\n" + m.renderButtons(item.buttons))
			}
			sections = append(sections, m.renderCard(
				m.theme.botTitle.Render("[ bot ]"),
				m.theme.botBox.Width(m.viewport.Width).Render(body),
			))
		case roleError:
			sections = append(sections, m.renderCard(
				m.theme.errorTitle.Render("[ERROR]"),
				m.theme.errorBox.Width(m.viewport.Width).Render(strings.TrimSpace(item.content)),
			))
		}
	}

	m.viewport.SetContent(strings.Join(sections, "\n\n"))
	if m.followLog || forceBottom {
		m.viewport.GotoBottom()
		m.followLog = true
		return
	}

	maxOffset := m.viewport.TotalLineCount() - m.viewport.Height
	if maxOffset < 0 {
		maxOffset = 0
	}
	if previousOffset > maxOffset {
		previousOffset = maxOffset
	}
	m.viewport.SetYOffset(previousOffset)
}

func (m *model) renderCard(title string, body string) string {
	return lipgloss.JoinVertical(lipgloss.Left, title, body)
}

func (m *model) renderButtons(buttons []bus.Button) string {
	rows := make([]string, 0, len(buttons))
	for i, button := range buttons {
		rows = append(rows, m.theme.button.Render(fmt.Sprintf("[%d] %s", i+1, button.Label)))
	}
	return strings.Join(rows, "\n") + "\n" + m.theme.hint.Render("tap with !tap N")
}

func (m *model) bootView() string {
	header := m.theme.header.Width(m.width - 2).Render("📷 LotBot Console")
	meta := m.theme.headerMeta.Render("starting")
	line := m.theme.divider.Width(m.width - 2).Render(strings.Repeat("═", max(8, m.width-2)))

	script := bootScriptLines()
	count := min(m.bootStep, len(script))
	visible := make([]string, 0, count+1)
	for i := 0; i < count; i++ {
		visible = append(visible, m.theme.bootLine.Render(script[i]))
	}
	if m.bootStep > len(script) {
		visible = append(visible, m.theme.bootDone.Render("✅ console online"))
	}

	body := m.theme.viewport.Width(m.width - 2).Render(strings.Join(visible, "\n"))
	return lipgloss.JoinVertical(lipgloss.Left, header, meta, line, body)
}

func (m *model) handleViewportKey(msg tea.KeyMsg) bool {
	switch msg.String() {
	case "pgup", "ctrl+b", "alt+up", "ctrl+up":
		m.viewport.PageUp()
		m.followLog = false
		return true
	case "pgdown", "ctrl+f", "alt+down", "ctrl+down":
		m.viewport.PageDown()
		if m.viewport.AtBottom() {
			m.followLog = true
		}
		return true
	case "home":
		m.viewport.GotoTop()
		m.followLog = false
		return true
	case "end":
		m.viewport.GotoBottom()
		m.followLog = true
		return true
	default:
		return false
	}
}

func (m *model) handleViewportMouse(msg tea.MouseMsg) bool {
	if msg.Action != tea.MouseActionPress {
		return false
	}

	switch msg.Button {
	case tea.MouseButtonWheelUp:
		m.viewport.LineUp(3)
		m.followLog = false
		return true
	case tea.MouseButtonWheelDown:
		m.viewport.LineDown(3)
		if m.viewport.AtBottom() {
			m.followLog = true
		}
		return true
	default:
		return false
	}
}

func botMessages(msg bus.OutboundMessage) []chatMessage {
	out := make([]chatMessage, 0, len(msg.Messages))
	for _, item := range msg.Messages {
		out = append(out, chatMessage{role: roleBot, content: item.Text, buttons: item.Buttons})
	}
	return out
}

func bootTickCmd() tea.Cmd {
	return tea.Tick(80*time.Millisecond, func(_ time.Time) tea.Msg {
		return bootTickMsg{}
	})
}

func replyTimeoutCmd(seq int) tea.Cmd {
	return tea.Tick(replyWait, func(_ time.Time) tea.Msg {
		return replyTimeoutMsg{seq: seq}
	})
}

func bootScriptLines() []string {
	return []string{
		"[BOOT] opening image store",
		"[BOOT] starting dispatch worker",
		"[BOOT] scheduling sweeps",
	}
}

func submitCmd(ctx context.Context, chat Chat, line string) tea.Cmd {
	return func() tea.Msg {
		return submitResultMsg{err: chat.Submit(ctx, line)}
	}
}

func waitOutboundCmd(chat Chat) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-chat.Outbox()
		return outboundMsg{msg: msg, ok: ok}
	}
}

func displayOrNA(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "n/a"
	}

	return trimmed
}

func sentCount(messages []chatMessage) int {
	count := 0
	for _, message := range messages {
		if message.role == roleUser {
			count++
		}
	}

	return count
}

func isExitCommand(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "/exit", "quit", ":q":
		return true
	default:
		return false
	}
}
