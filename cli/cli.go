package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"deepchat/chat"
	"deepchat/db"
	"deepchat/llm"
	"deepchat/util"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

type State int

const (
	Loading State = iota
	ReceivingInput
	ReceivingResponse
)

// programRef lets commands running off the UI goroutine reach the program
// that was created after the model.
type programRef struct {
	p *tea.Program
}

func (r *programRef) send(msg tea.Msg) {
	if r != nil && r.p != nil {
		r.p.Send(msg)
	}
}

type model struct {
	ctx              context.Context
	sender           *chat.Sender
	repo             *db.Repository
	program          *programRef
	markdownRenderer *glamour.TermRenderer

	session       *db.ChatSession
	sessionType   db.SessionType
	modelName     string
	showReasoning bool
	titleWidth    int

	textInput textinput.Model
	spinner   spinner.Model

	state                    State
	query                    string
	latestCommandResponse    string
	partialReasoning         string
	partialContent           string
	formattedPartialResponse string
	cancel                   context.CancelFunc
	stopping                 bool

	maxWidth    int
	runWithArgs bool
}

type startQueryMsg struct{}

type deltaMsg struct {
	delta llm.Delta
}

type sendDoneMsg struct {
	session   *db.ChatSession
	assistant *db.ChatMessage
	// err is a storage failure; streamErr a transport failure reported
	// after the assistant row already existed
	err       error
	streamErr error
	cancelled bool
}

func (m model) makeQuery(ctx context.Context, query string) tea.Cmd {
	var session *db.ChatSession
	if m.session != nil {
		s := *m.session
		session = &s
	}
	sender, repo, program := m.sender, m.repo, m.program
	typ, width := m.sessionType, m.titleWidth

	return func() tea.Msg {
		done := sendDoneMsg{session: session}
		if done.session == nil {
			s, err := repo.CreateSession(ctx, "", typ)
			if err != nil {
				done.err = err
				return done
			}
			done.session = s
		}

		_, assistant, err := sender.Send(ctx, done.session.ID, query, chat.Hooks{
			OnDelta: func(d llm.Delta) { program.send(deltaMsg{d}) },
			OnError: func(err error) { done.streamErr = err },
		})
		done.assistant = assistant
		done.err = err
		done.cancelled = ctx.Err() != nil

		if err == nil && done.streamErr == nil && !done.cancelled {
			// a failed rename leaves the default title; the chat itself succeeded
			_, _ = chat.AutoTitle(context.WithoutCancel(ctx), repo, done.session, query, width)
		}
		return done
	}
}

func (m model) startQuery() (model, tea.Cmd) {
	ctx, cancel := context.WithCancel(m.ctx)
	m.cancel = cancel
	m.stopping = false
	m.state = Loading
	m.partialReasoning = ""
	m.partialContent = ""
	m.formattedPartialResponse = ""
	return m, tea.Batch(m.spinner.Tick, m.makeQuery(ctx, m.query))
}

func (m model) handleKeyEnter() (tea.Model, tea.Cmd) {
	if m.state != ReceivingInput {
		return m, nil
	}
	v := m.textInput.Value()

	if strings.TrimSpace(v) == "" {
		if m.latestCommandResponse == "" {
			return m, tea.Quit
		}
		err := clipboard.WriteAll(m.latestCommandResponse)
		if err != nil {
			return m, tea.Quit
		}
		placeholderStyle := lipgloss.NewStyle().Faint(true)
		message := placeholderStyle.Render("Copied to clipboard.")
		return m, tea.Sequence(tea.Printf("%s", message), tea.Quit)
	}

	m.textInput.SetValue("")
	m.query = v
	placeholderStyle := lipgloss.NewStyle().Faint(true).Width(m.maxWidth)
	message := placeholderStyle.Render(fmt.Sprintf("> %s", v))
	m, cmd := m.startQuery()
	return m, tea.Sequence(tea.Printf("%s", message), cmd)
}

// handleKeyEsc stops a running stream; at the prompt it quits.
func (m model) handleKeyEsc() (tea.Model, tea.Cmd) {
	if m.state == ReceivingInput || m.cancel == nil {
		return m, tea.Quit
	}
	m.cancel()
	m.stopping = true
	return m, nil
}

func (m model) formatResponse(response string, isCode bool) (string, error) {
	formatted, err := m.markdownRenderer.Render(response)
	if err != nil {
		return response, nil
	}

	formatted = strings.TrimPrefix(formatted, "\n")
	formatted = strings.TrimSuffix(formatted, "\n")

	if isCode {
		codeStyle := lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1)
		formatted = codeStyle.Render(formatted)
	} else {
		formatted = "\n" + formatted
	}
	return formatted, nil
}

// formatAnswer renders reasoning (faint, when enabled) above the answer.
func (m model) formatAnswer(reasoning, content string) string {
	var b strings.Builder
	if m.showReasoning && reasoning != "" {
		reasoningStyle := lipgloss.NewStyle().Faint(true).Italic(true).Width(m.maxWidth).PaddingLeft(2)
		b.WriteString(reasoningStyle.Render(strings.TrimSpace(reasoning)))
		b.WriteString("\n")
	}
	if content != "" {
		formatted, _ := m.formatResponse(content, util.StartsWithCodeBlock(content))
		b.WriteString(formatted)
	}
	return b.String()
}

func (m model) getConnectionError(err error) string {
	styleRed := lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	styleGreen := lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	styleDim := lipgloss.NewStyle().Faint(true).Width(m.maxWidth).PaddingLeft(2)

	message := fmt.Sprintf("\n  %v\n\n%v\n",
		styleRed.Render(fmt.Sprintf("Error talking to %s", m.modelName)),
		styleDim.Render(err.Error()))

	if hint := errorHint(err); hint != "" {
		message += fmt.Sprintf("\n  %v %v\n", styleGreen.Render("Hint:"), hint)
	}
	return message
}

func errorHint(err error) string {
	var statusErr *llm.StatusError
	switch {
	case errors.Is(err, llm.ErrNoAPIKey):
		return "Run 'deepchat config set api_key <your key>'"
	case errors.As(err, &statusErr):
		switch statusErr.StatusCode {
		case http.StatusUnauthorized:
			return "Check your key with 'deepchat config show'"
		case http.StatusPaymentRequired:
			return "Your account balance is exhausted"
		case http.StatusTooManyRequests:
			return "Rate limited; wait a moment and try again"
		}
	case strings.Contains(err.Error(), "connection refused"):
		return "Check api_base with 'deepchat config show'"
	}
	return ""
}

func (m model) handleDeltaMsg(msg deltaMsg) (tea.Model, tea.Cmd) {
	m.state = ReceivingResponse
	switch msg.delta.Channel {
	case llm.ChannelReasoning:
		m.partialReasoning += msg.delta.Text
	default:
		m.partialContent += msg.delta.Text
	}
	m.formattedPartialResponse = m.formatAnswer(m.partialReasoning, m.partialContent)
	return m, nil
}

func (m model) handleSendDoneMsg(msg sendDoneMsg) (tea.Model, tea.Cmd) {
	m.state = ReceivingInput
	m.cancel = nil
	m.stopping = false
	m.formattedPartialResponse = ""
	if msg.session != nil {
		m.session = msg.session
	}

	if msg.err != nil {
		message := m.getConnectionError(msg.err)
		return m, tea.Sequence(tea.Printf("%s", message), textinput.Blink)
	}

	var reasoning, content string
	if msg.assistant != nil {
		reasoning, content = msg.assistant.ReasoningContent, msg.assistant.Content
	}
	formatted := m.formatAnswer(reasoning, content)
	if msg.cancelled {
		formatted += "\n" + lipgloss.NewStyle().Faint(true).PaddingLeft(2).Render("(stopped)")
	}
	if msg.streamErr != nil {
		formatted += m.getConnectionError(msg.streamErr)
	}

	if code, _ := util.ExtractFirstCodeBlock(content); code != "" {
		m.latestCommandResponse = code
	} else if content != "" {
		m.latestCommandResponse = content
	}

	m.textInput.Placeholder = "Ask anything... (ENTER to copy, Esc to quit)"
	if m.latestCommandResponse != "" {
		m.textInput.Placeholder = "Follow up... (ENTER to copy answer, Esc to quit)"
	}
	return m, tea.Sequence(tea.Printf("%s", formatted), textinput.Blink)
}

func (m model) Init() tea.Cmd {
	if m.runWithArgs {
		return func() tea.Msg { return startQueryMsg{} }
	}
	return textinput.Blink
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyCtrlD:
			if m.cancel != nil {
				m.cancel()
			}
			return m, tea.Quit
		case tea.KeyEsc:
			return m.handleKeyEsc()
		case tea.KeyEnter:
			return m.handleKeyEnter()
		}

	case startQueryMsg:
		return m.startQuery()

	case deltaMsg:
		return m.handleDeltaMsg(msg)

	case sendDoneMsg:
		return m.handleSendDoneMsg(msg)
	}

	switch m.state {
	case Loading:
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case ReceivingInput:
		m.textInput, cmd = m.textInput.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m model) renderStatusBar() string {
	modelStyle := lipgloss.NewStyle().
		Background(lipgloss.Color("62")).
		Foreground(lipgloss.Color("230")).
		Padding(0, 1)
	titleStyle := lipgloss.NewStyle().Faint(true).PaddingLeft(1)

	bar := modelStyle.Render(m.modelName)
	if m.session != nil {
		bar += titleStyle.Render(m.session.Title)
	}
	if m.stopping {
		bar += titleStyle.Render("stopping...")
	}
	return bar
}

func (m model) View() string {
	statusBar := m.renderStatusBar()

	switch m.state {
	case Loading:
		return statusBar + "\n" + m.spinner.View()
	case ReceivingInput:
		return statusBar + "\n" + m.textInput.View()
	case ReceivingResponse:
		return statusBar + "\n" + m.formattedPartialResponse + "\n"
	}
	return ""
}

type chatOptions struct {
	prompt        string
	session       *db.ChatSession
	sessionType   db.SessionType
	modelName     string
	showReasoning bool
	titleWidth    int
}

func initialModel(ctx context.Context, a *app, opts chatOptions, program *programRef) model {
	maxWidth := util.GetTermSafeMaxWidth()
	ti := textinput.New()
	ti.Placeholder = "Ask anything..."
	ti.Focus()
	ti.Width = maxWidth

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	r, _ := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(maxWidth),
	)

	m := model{
		ctx:              ctx,
		program:          program,
		markdownRenderer: r,
		session:          opts.session,
		sessionType:      opts.sessionType,
		modelName:        opts.modelName,
		showReasoning:    opts.showReasoning,
		titleWidth:       opts.titleWidth,
		textInput:        ti,
		spinner:          s,
		state:            ReceivingInput,
		maxWidth:         maxWidth,
	}
	if a != nil {
		m.sender = a.sender
		m.repo = a.repo
	}

	if opts.prompt != "" {
		m.runWithArgs = true
		m.state = Loading
		m.query = opts.prompt
	}
	return m
}

func printAPIKeyNotSetMessage() {
	r, _ := glamour.NewTermRenderer(glamour.WithAutoStyle())

	styleRed := lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	msg1 := styleRed.Render("API key not set.")

	messageString := `
Get your API key from https://platform.deepseek.com/api_keys

Set it:

` + "```bash\ndeepchat config set api_key [your key]\n```"

	msg2, _ := r.Render(messageString)
	fmt.Printf("\n  %v%v\n", msg1, msg2)
}

func readStdin() string {
	stat, err := os.Stdin.Stat()
	if err != nil || (stat.Mode()&os.ModeCharDevice) != 0 {
		return ""
	}
	reader := bufio.NewReader(os.Stdin)
	var builder strings.Builder
	for {
		b, err := reader.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		builder.WriteByte(b)
	}
	return builder.String()
}

// withStdin folds piped input into the prompt.
func withStdin(prompt, stdinData string) string {
	if stdinData == "" {
		return prompt
	}
	if prompt != "" {
		return fmt.Sprintf("Here's some input:\n```\n%s\n```\n\n%s", stdinData, prompt)
	}
	return fmt.Sprintf("Here's some input:\n```\n%s\n```\n\nWhat would you like me to do with this?", stdinData)
}

func runChatProgram(ctx context.Context, a *app, prompt, sessionID string, typ db.SessionType) error {
	cfg, err := a.settings.LoadFullConfig(ctx)
	if err != nil {
		return err
	}
	if cfg.APIKey == "" {
		printAPIKeyNotSetMessage()
		return llm.ErrNoAPIKey
	}

	opts := chatOptions{
		prompt:        withStdin(prompt, readStdin()),
		sessionType:   typ,
		modelName:     cfg.Model,
		showReasoning: cfg.ShowReasoning,
		titleWidth:    a.cfg.TitleWidth,
	}
	if sessionID != "" {
		s, err := resolveSession(ctx, a.repo, sessionID)
		if err != nil {
			return err
		}
		opts.session = s
	}

	ref := &programRef{}
	p := tea.NewProgram(initialModel(ctx, a, opts, ref))
	ref.p = p

	a.log.Info("chat started", "session", sessionID, "model", cfg.Model)
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("error running program: %w", err)
	}
	return nil
}
