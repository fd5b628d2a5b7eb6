package config

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"deepchat/db"
	"deepchat/types"
	"deepchat/util"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
)

const listHeight = 14

var (
	styleRed          = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	styleGreen        = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	greyStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	titleStyle        = lipgloss.NewStyle().MarginLeft(2).Foreground(lipgloss.Color("240"))
	itemStyle         = lipgloss.NewStyle().PaddingLeft(4)
	selectedItemStyle = lipgloss.NewStyle().PaddingLeft(2).Foreground(lipgloss.Color("170"))
	paginationStyle   = list.DefaultStyles().PaginationStyle.PaddingLeft(4)
	helpStyle         = list.DefaultStyles().HelpStyle.PaddingLeft(4).PaddingBottom(1)
)

var fieldLabels = map[string]string{
	db.KeyAPIKey:        "API Key",
	db.KeyAPIBase:       "API Base URL",
	db.KeyModel:         "Model",
	db.KeySystemPrompt:  "System Prompt",
	db.KeyTemperature:   "Temperature",
	db.KeyMaxTokens:     "Max Tokens",
	db.KeyShowReasoning: "Show Reasoning",
}

// ChatConfigStore is the database side of the editor; *db.ConfigStore
// satisfies it.
type ChatConfigStore interface {
	LoadFullConfig(ctx context.Context) (types.Config, error)
	SetConfig(ctx context.Context, key string, value string) error
	SaveFullConfig(ctx context.Context, cfg types.Config) error
}

type itemDelegate struct{}

func (d itemDelegate) Height() int                             { return 1 }
func (d itemDelegate) Spacing() int                            { return 0 }
func (d itemDelegate) Update(_ tea.Msg, _ *list.Model) tea.Cmd { return nil }
func (d itemDelegate) Render(w io.Writer, m list.Model, index int, listItem list.Item) {
	i, ok := listItem.(menuItem)
	if !ok {
		return
	}

	fn := itemStyle.Render
	if index == m.Index() {
		fn = func(s ...string) string { return selectedItemStyle.Render("> " + strings.Join(s, " ")) }
	}
	text := fn(i.title)
	if i.data != "" {
		text = fmt.Sprintf("%s %s", text, greyStyle.Render("("+i.data+")"))
	}

	fmt.Fprint(w, text)
}

type menuItem struct {
	title     string
	selectCmd tea.Cmd
	data      string
}

func (i menuItem) FilterValue() string { return i.title }

// settings is everything a menu renders from.
type settings struct {
	chat types.Config
	app  AppConfig
}

type menuFunc func(s settings) list.Model

type inputMode int

const (
	inputNone inputMode = iota
	inputText
)

type setMenuMsg struct{ menu menuFunc }
type backMsg struct{}
type quitMsg struct{}
type editorFinishedMsg struct{ err error }
type setValueMsg struct{ key, value string }
type toggleReasoningMsg struct{}
type resetChatConfigMsg struct{}
type setInputModeMsg struct {
	prompt   string
	initial  string
	onSubmit func(string) tea.Cmd
}

type state struct {
	menu      menuFunc
	listIndex int
}

type model struct {
	ctx   context.Context
	store ChatConfigStore

	state         state
	list          list.Model
	backstack     []state
	settings      settings
	status        string
	statusErr     bool
	quitting      bool
	inputMode     inputMode
	textInput     textinput.Model
	onInputSubmit func(string) tea.Cmd
	inputPrompt   string
}

func cmdSetMenu(menu menuFunc) tea.Cmd { return func() tea.Msg { return setMenuMsg{menu} } }
func cmdBack() tea.Cmd                 { return func() tea.Msg { return backMsg{} } }
func cmdQuit() tea.Cmd                 { return func() tea.Msg { return quitMsg{} } }
func cmdSetValue(key, value string) tea.Cmd {
	return func() tea.Msg { return setValueMsg{key: key, value: value} }
}
func cmdToggleReasoning() tea.Cmd { return func() tea.Msg { return toggleReasoningMsg{} } }
func cmdResetChatConfig() tea.Cmd { return func() tea.Msg { return resetChatConfigMsg{} } }
func cmdSetInput(prompt, initial string, onSubmit func(string) tea.Cmd) tea.Cmd {
	return func() tea.Msg { return setInputModeMsg{prompt: prompt, initial: initial, onSubmit: onSubmit} }
}

func openEditor() tea.Cmd {
	fullPath, err := FullFilePath(configFilePath)
	if err != nil {
		return func() tea.Msg { return editorFinishedMsg{err: err} }
	}
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = "vim"
	}
	cmd := exec.Command(editor, fullPath) //nolint:gosec
	return tea.ExecProcess(cmd, func(err error) tea.Msg { return editorFinishedMsg{err: err} })
}

func newModel(ctx context.Context, store ChatConfigStore, app AppConfig) (model, error) {
	chat, err := store.LoadFullConfig(ctx)
	if err != nil {
		return model{}, err
	}
	s := settings{chat: chat, app: app}
	return model{
		ctx:      ctx,
		store:    store,
		settings: s,
		list:     mainMenu(s),
		state:    state{menu: mainMenu},
	}, nil
}

func (m model) Init() tea.Cmd { return nil }

func (m *model) setStatus(msg string, isErr bool) {
	m.status = msg
	m.statusErr = isErr
}

func (m *model) reload() {
	chat, err := m.store.LoadFullConfig(m.ctx)
	if err != nil {
		m.setStatus(err.Error(), true)
		return
	}
	m.settings.chat = chat
	m.list = m.state.menu(m.settings)
	m.list.Select(m.state.listIndex)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if m.inputMode == inputText {
		return m.updateInput(msg)
	}

	switch msg := msg.(type) {
	case quitMsg:
		m.quitting = true
		return m, tea.Quit
	case backMsg:
		if len(m.backstack) > 0 {
			m.state = m.backstack[len(m.backstack)-1]
			m.backstack = m.backstack[:len(m.backstack)-1]
			m.list = m.state.menu(m.settings)
			m.list.Select(m.state.listIndex)
		}
		return m, nil
	case setMenuMsg:
		m.backstack = append(m.backstack, m.state)
		m.list = msg.menu(m.settings)
		m.state = state{menu: msg.menu}
		return m, nil
	case setValueMsg:
		value, err := Normalize(msg.key, msg.value)
		if err != nil {
			m.setStatus(err.Error(), true)
			return m, nil
		}
		if err := m.store.SetConfig(m.ctx, msg.key, value); err != nil {
			m.setStatus(err.Error(), true)
			return m, nil
		}
		m.setStatus(fieldLabels[msg.key]+" saved", false)
		m.reload()
		return m, nil
	case toggleReasoningMsg:
		next := fmt.Sprint(!m.settings.chat.ShowReasoning)
		return m.Update(setValueMsg{key: db.KeyShowReasoning, value: next})
	case resetChatConfigMsg:
		cfg := db.DefaultConfig()
		cfg.APIKey = m.settings.chat.APIKey
		if err := m.store.SaveFullConfig(m.ctx, cfg); err != nil {
			m.setStatus(err.Error(), true)
			return m, nil
		}
		m.setStatus("Chat settings reset to defaults", false)
		m.reload()
		return m, cmdBack()
	case setInputModeMsg:
		m.inputMode = inputText
		m.inputPrompt = msg.prompt
		m.onInputSubmit = msg.onSubmit
		ti := textinput.New()
		ti.Placeholder = msg.prompt
		ti.SetValue(msg.initial)
		ti.Focus()
		ti.Width = 64
		m.textInput = ti
		return m, textinput.Blink
	case editorFinishedMsg:
		if msg.err != nil {
			m.setStatus(msg.err.Error(), true)
			return m, nil
		}
		if cfg, err := LoadAppConfig(); err == nil {
			m.settings.app = cfg
			m.list = m.state.menu(m.settings)
			m.setStatus("Settings file reloaded; restart to apply", false)
		} else {
			m.setStatus(err.Error(), true)
		}
		return m, nil
	}

	if km, ok := msg.(tea.KeyMsg); ok {
		switch km.Type {
		case tea.KeyCtrlC, tea.KeyCtrlD:
			return m, cmdQuit()
		case tea.KeyEsc:
			if len(m.backstack) > 0 {
				return m, cmdBack()
			}
			return m, cmdQuit()
		case tea.KeyEnter:
			i, _ := m.list.SelectedItem().(menuItem)
			if i.selectCmd != nil {
				return m, i.selectCmd
			}
		}
	}

	var cmd tea.Cmd
	if !m.quitting {
		m.list, cmd = m.list.Update(msg)
	}
	m.state.listIndex = m.list.Index()
	return m, cmd
}

func (m model) updateInput(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch km := msg.(type) {
	case tea.KeyMsg:
		switch km.Type {
		case tea.KeyEnter:
			value := strings.TrimSpace(m.textInput.Value())
			m.inputMode = inputNone
			if m.onInputSubmit != nil {
				return m, m.onInputSubmit(value)
			}
			return m, nil
		case tea.KeyEsc:
			m.inputMode = inputNone
			return m, nil
		case tea.KeyCtrlC:
			return m, cmdQuit()
		}
	}
	var cmd tea.Cmd
	m.textInput, cmd = m.textInput.Update(msg)
	return m, cmd
}

func (m model) View() string {
	if m.quitting {
		return ""
	}
	if m.inputMode == inputText {
		return fmt.Sprintf("\n  %s\n\n  %s\n", m.inputPrompt, m.textInput.View())
	}
	view := "\n" + m.list.View()
	if m.status != "" {
		style := styleGreen
		if m.statusErr {
			style = styleRed
		}
		view += "\n" + style.PaddingLeft(4).Render(m.status) + "\n"
	}
	return view
}

func defaultList(title string, items []menuItem) list.Model {
	listItems := make([]list.Item, len(items))
	for i, item := range items {
		listItems[i] = item
	}
	l := list.New(listItems, itemDelegate{}, 20, listHeight)
	l.Title = title
	l.SetShowStatusBar(false)
	l.SetFilteringEnabled(false)
	l.Styles.Title = titleStyle
	l.SetWidth(100)
	l.Styles.PaginationStyle = paginationStyle
	l.Styles.HelpStyle = helpStyle
	l.SetShowHelp(false)
	return l
}

func boolStatus(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

func displayValue(cfg types.Config, key string) string {
	v, _ := db.ConfigValue(cfg, key)
	switch key {
	case db.KeyAPIKey:
		return MaskSecret(v)
	case db.KeyShowReasoning:
		return boolStatus(cfg.ShowReasoning)
	case db.KeySystemPrompt:
		return truncateString(v, 40)
	}
	return v
}

func mainMenu(s settings) list.Model {
	var items []menuItem
	for _, key := range db.ConfigKeys() {
		item := menuItem{title: fieldLabels[key], data: displayValue(s.chat, key)}
		if key == db.KeyShowReasoning {
			item.selectCmd = cmdToggleReasoning()
		} else {
			initial, _ := db.ConfigValue(s.chat, key)
			if key == db.KeyAPIKey {
				initial = ""
			}
			item.selectCmd = cmdSetInput(fieldLabels[key], initial, func(v string) tea.Cmd {
				if key == db.KeyAPIKey && v == "" {
					return nil
				}
				return cmdSetValue(key, v)
			})
		}
		items = append(items, item)
	}
	items = append(items,
		menuItem{title: "App Settings", selectCmd: cmdSetMenu(appSettingsMenu)},
		menuItem{title: "Reset to Defaults", data: "keeps API key", selectCmd: cmdSetMenu(resetConfirmMenu)},
		menuItem{title: "Quit", data: "esc", selectCmd: cmdQuit()},
	)
	return defaultList("DeepChat Settings", items)
}

func appSettingsMenu(s settings) list.Model {
	dataDir, _ := s.app.ResolvedDataDir()
	filePath, _ := FullFilePath(configFilePath)
	items := []menuItem{
		{title: "Data Directory", data: dataDir},
		{title: "Log Mode", data: s.app.LogMode},
		{title: "Request Timeout", data: s.app.RequestTimeout().String()},
		{title: "Retries", data: fmt.Sprint(s.app.RetryMax)},
		{title: "Title Width", data: fmt.Sprint(s.app.TitleWidth)},
		{title: "Edit Settings File", data: filePath, selectCmd: openEditor()},
		{title: "← Back", selectCmd: cmdBack()},
	}
	return defaultList("App Settings", items)
}

func resetConfirmMenu(s settings) list.Model {
	items := []menuItem{{title: "Yes, reset chat settings", selectCmd: cmdResetChatConfig()}, {title: "No, cancel", selectCmd: cmdBack()}}
	return defaultList("Reset chat settings to defaults?", items)
}

func truncateString(s string, maxLen int) string {
	s = strings.Join(strings.Fields(s), " ")
	return runewidth.Truncate(s, maxLen, "...")
}

// PrintConfigErrorMessage explains how to recover from a broken settings file.
func PrintConfigErrorMessage(err error) {
	maxWidth := util.GetTermSafeMaxWidth()
	styleRed := lipgloss.NewStyle().Foreground(lipgloss.Color("9")).PaddingLeft(2)
	styleDim := lipgloss.NewStyle().Faint(true).Width(maxWidth).PaddingLeft(2)

	r, _ := glamour.NewTermRenderer(glamour.WithAutoStyle())

	msg1 := styleRed.Render("Failed to load settings file.")
	filePath, _ := FullFilePath(configFilePath)
	msg2 := styleDim.Render(err.Error())

	messageString := fmt.Sprintf(
		"---\n"+
			"# Options:\n\n"+
			"1. Run `deepchat settings revert` to load the automatic backup.\n"+
			"2. Run `deepchat settings reset` to reset to defaults.\n"+
			"3. Fix manually at: `%s`\n\n",
		filePath)

	msg3, _ := r.Render(messageString)
	fmt.Printf("\n%s\n\n%s%s", msg1, msg2, msg3)
}

// ConfirmSettingsReset asks on out and reads the answer from in before
// resetting ("reset") or reverting ("revert") the settings file.
func ConfirmSettingsReset(arg string, in io.Reader, out io.Writer) error {
	if arg != "reset" && arg != "revert" {
		return fmt.Errorf("unknown action %q", arg)
	}
	greyStylePadded := greyStyle.PaddingLeft(2)
	reader := bufio.NewReader(in)
	warningMessage, confirmationMessage := getMessages(arg, greyStylePadded)
	fmt.Fprint(out, "\n"+styleRed.PaddingLeft(2).Render(warningMessage)+"\n\n"+confirmationMessage+" ")
	response, _ := reader.ReadString('\n')
	response = strings.ToLower(strings.TrimSpace(response))
	if response != "yes" && response != "y" {
		fmt.Fprintln(out, "\n"+styleRed.PaddingLeft(2).Render("Operation cancelled.\n"))
		return nil
	}
	return handleResetOrRevert(arg, out)
}

func getMessages(arg string, greyStylePadded lipgloss.Style) (string, string) {
	warningMessage := "WARNING: You are about to "
	confirmationMessage := greyStylePadded.Render("Do you want to continue? (y/N):")
	switch arg {
	case "reset":
		warningMessage += "reset the settings file to the default."
	case "revert":
		warningMessage += "revert the settings file to the last working automatic backup."
	}
	return warningMessage, confirmationMessage
}

func handleResetOrRevert(arg string, out io.Writer) error {
	var err error
	var message string
	switch arg {
	case "reset":
		err = ResetAppConfigToDefault()
		message = "Settings reset to default.\n"
	case "revert":
		err = RevertAppConfigToBackup()
		message = "Settings reverted to backup.\n"
	}
	if err != nil {
		fmt.Fprintln(out, "\n"+styleRed.PaddingLeft(2).Render("Operation failed.\n"))
		return err
	}
	fmt.Fprintln(out, "\n"+greyStyle.PaddingLeft(2).Render(message))
	return nil
}

// RunConfigProgram opens the interactive editor over the chat settings.
func RunConfigProgram(ctx context.Context, store ChatConfigStore, app AppConfig) error {
	m, err := newModel(ctx, store, app)
	if err != nil {
		return err
	}
	if _, err := tea.NewProgram(m).Run(); err != nil {
		return fmt.Errorf("error running program: %w", err)
	}
	return nil
}
