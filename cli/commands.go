package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"deepchat/config"
	"deepchat/db"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"
)

var (
	groupStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	dimStyle   = lipgloss.NewStyle().Faint(true)
	roleStyle  = lipgloss.NewStyle().Bold(true)
)

// appFactory builds the components a command needs; tests swap it.
var appFactory = newApp

var RootCmd = newRootCmd()

func withApp(fn func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := appFactory()
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd.Context(), a, cmd, args)
	}
}

func newRootCmd() *cobra.Command {
	var sessionID, sessionType string

	root := &cobra.Command{
		Use:          "deepchat [message]",
		Short:        "Chat with DeepSeek models from the terminal",
		Long:         `DeepChat: a terminal chat client that keeps every conversation in a local SQLite file.`,
		SilenceUsage: true,
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			typ := db.SessionType(sessionType)
			if !typ.Valid() {
				return fmt.Errorf("unknown session type %q (want one of %s)", sessionType, sessionTypeList())
			}
			return runChatProgram(ctx, a, strings.Join(args, " "), sessionID, typ)
		}),
	}
	root.Flags().StringVarP(&sessionID, "session", "s", "", "continue an existing session (id or unique id prefix)")
	root.Flags().StringVarP(&sessionType, "type", "t", string(db.SessionConsultation), "type of a new session: "+sessionTypeList())

	root.AddCommand(newSessionsCmd(), newConfigCmd(), newSettingsCmd())
	return root
}

func sessionTypeList() string {
	names := make([]string, len(db.SessionTypes))
	for i, t := range db.SessionTypes {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}

// resolveSession finds a session by full id or by a prefix matching exactly one.
func resolveSession(ctx context.Context, repo *db.Repository, idOrPrefix string) (*db.ChatSession, error) {
	s, err := repo.GetSession(ctx, idOrPrefix)
	if err != nil || s != nil {
		return s, err
	}
	all, err := repo.GetAllSessions(ctx)
	if err != nil {
		return nil, err
	}
	var match *db.ChatSession
	for i := range all {
		if strings.HasPrefix(all[i].ID, idOrPrefix) {
			if match != nil {
				return nil, fmt.Errorf("session prefix %q is ambiguous", idOrPrefix)
			}
			match = &all[i]
		}
	}
	if match == nil {
		return nil, fmt.Errorf("%w: %s", db.ErrSessionNotFound, idOrPrefix)
	}
	return match, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func newSessionsCmd() *cobra.Command {
	var typeFilter string

	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"ls"},
		Short:   "List saved sessions grouped by date",
		Args:    cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
			var sessions []db.ChatSession
			var err error
			if typeFilter != "" {
				sessions, err = a.repo.GetSessionsByType(ctx, db.SessionType(typeFilter))
			} else {
				sessions, err = a.repo.GetAllSessions(ctx)
			}
			if err != nil {
				return err
			}
			printSessionGroups(cmd.OutOrStdout(), db.GroupSessionsByDate(sessions, time.Now()), a.cfg.TitleWidth)
			return nil
		}),
	}
	cmd.Flags().StringVar(&typeFilter, "type", "", "only list sessions of this type")

	var raw bool
	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a session's messages",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			s, err := resolveSession(ctx, a.repo, args[0])
			if err != nil {
				return err
			}
			cfg, err := a.settings.LoadFullConfig(ctx)
			if err != nil {
				return err
			}
			printSession(cmd.OutOrStdout(), s, cfg.ShowReasoning, raw)
			return nil
		}),
	}
	show.Flags().BoolVar(&raw, "raw", false, "print plain text without markdown rendering")

	rename := &cobra.Command{
		Use:   "rename <id> <title>",
		Short: "Rename a session",
		Args:  cobra.MinimumNArgs(2),
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			s, err := resolveSession(ctx, a.repo, args[0])
			if err != nil {
				return err
			}
			title := strings.TrimSpace(strings.Join(args[1:], " "))
			if title == "" {
				return errors.New("title is empty")
			}
			if err := a.repo.UpdateSessionTitle(ctx, s.ID, title); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Renamed %s to %q\n", shortID(s.ID), title)
			return nil
		}),
	}

	del := &cobra.Command{
		Use:     "delete <id>",
		Aliases: []string{"rm"},
		Short:   "Delete a session and its messages",
		Args:    cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			s, err := resolveSession(ctx, a.repo, args[0])
			if err != nil {
				return err
			}
			if err := a.repo.DeleteSession(ctx, s.ID); err != nil {
				return err
			}
			a.log.Info("session deleted", "session", s.ID)
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s (%s)\n", shortID(s.ID), s.Title)
			return nil
		}),
	}

	var days int
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete sessions not updated for a number of days",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
			if days < 1 {
				return errors.New("--days must be at least 1")
			}
			n, err := a.repo.DeleteOldSessions(ctx, time.Duration(days)*24*time.Hour)
			if err != nil {
				return err
			}
			a.log.Info("sessions pruned", "count", n, "days", days)
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d session(s)\n", n)
			return nil
		}),
	}
	prune.Flags().IntVar(&days, "days", 30, "age in days")

	cmd.AddCommand(show, rename, del, prune)
	return cmd
}

func printSessionGroups(w io.Writer, groups []db.ChatSessionGroup, titleWidth int) {
	if len(groups) == 0 {
		fmt.Fprintln(w, dimStyle.Render("No sessions yet."))
		return
	}
	for _, g := range groups {
		fmt.Fprintln(w, groupStyle.Render(g.Key))
		for _, s := range g.Sessions {
			title := runewidth.FillRight(runewidth.Truncate(s.Title, titleWidth, "..."), titleWidth)
			meta := fmt.Sprintf("%s  %d msgs  %s", s.Type, len(s.Messages), s.UpdatedTime.Format("2006-01-02 15:04"))
			fmt.Fprintf(w, "  %s  %s  %s\n", shortID(s.ID), title, dimStyle.Render(meta))
		}
	}
}

func printSession(w io.Writer, s *db.ChatSession, showReasoning, raw bool) {
	fmt.Fprintf(w, "%s  %s\n", groupStyle.Render(s.Title), dimStyle.Render(s.ID+"  "+string(s.Type)))
	if len(s.Messages) == 0 {
		fmt.Fprintln(w, dimStyle.Render("No messages."))
		return
	}

	var m *model
	for _, msg := range s.Messages {
		fmt.Fprintf(w, "\n%s %s\n", roleStyle.Render(msg.Role), dimStyle.Render(msg.SendTime.Format("2006-01-02 15:04")))
		if raw {
			if showReasoning && msg.ReasoningContent != "" {
				fmt.Fprintf(w, "[reasoning] %s\n", msg.ReasoningContent)
			}
			fmt.Fprintln(w, msg.Content)
			continue
		}
		if m == nil {
			r := initialModel(context.Background(), nil, chatOptions{showReasoning: showReasoning}, nil)
			m = &r
		}
		fmt.Fprintln(w, m.formatAnswer(msg.ReasoningContent, msg.Content))
	}
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Edit chat settings interactively",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, _ *cobra.Command, _ []string) error {
			return config.RunConfigProgram(ctx, a.settings, a.cfg)
		}),
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print chat settings",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, _ []string) error {
			cfg, err := a.settings.LoadFullConfig(ctx)
			if err != nil {
				return err
			}
			for _, key := range db.ConfigKeys() {
				v, _ := db.ConfigValue(cfg, key)
				if key == db.KeyAPIKey {
					v = config.MaskSecret(v)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-15s %s\n", key, v)
			}
			return nil
		}),
	}

	set := &cobra.Command{
		Use:       "set <key> <value>",
		Short:     "Change one chat setting",
		Args:      cobra.MinimumNArgs(2),
		ValidArgs: db.ConfigKeys(),
		RunE: withApp(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
			key := args[0]
			value, err := config.Normalize(key, strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			if err := a.settings.SetConfig(ctx, key, value); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s updated\n", key)
			return nil
		}),
	}

	cmd.AddCommand(show, set)
	return cmd
}

func newSettingsCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "settings <reset|revert>",
		Short:     "Reset the settings file or restore its automatic backup",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"reset", "revert"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return config.ConfirmSettingsReset(args[0], cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}
