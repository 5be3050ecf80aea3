package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/ashureev/change-assist/internal/assistant"
	"github.com/ashureev/change-assist/internal/backend"
	"github.com/ashureev/change-assist/internal/config"
	"github.com/ashureev/change-assist/internal/convlog"
	"github.com/ashureev/change-assist/internal/domain"
	"github.com/ashureev/change-assist/internal/orchestrator"
	"github.com/ashureev/change-assist/internal/tools"
	"github.com/ashureev/change-assist/internal/wizard"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const replHelp = `Type a message to talk to the assistant in the current mode.

Commands:
  /tools                       list the guided tools
  /tool <id>                   start a guided tool
  /agent                       start the technology change wizard
  /exit                        leave the active tool or wizard
  /release                     drop back to chat without a message
  /depts                       list departments and the current selection
  /dept <id>                   toggle a department
  /confirm                     confirm departments or training sessions
  /yes, /no                    answer a yes/no question
  /sessions                    list training sessions
  /add                         add a training session
  /edit <id> <field> <value>   change a session field (title, description, date, start_time, end_time, location)
  /rm <id>                     remove a training session
  /feedback <1-5> [text]       rate the assistant
  /state                       show the assistant state
  /help                        show this help
  /quit                        leave`

var errUnknownCommand = errors.New("unknown command")

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Start an interactive assistant session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		d, cleanup, err := newLocalDispatcher(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		r := newREPL(d, cmd.OutOrStdout(), newRenderer(plain))
		return r.run(cmd.Context(), cmd.InOrStdin())
	},
}

// newLocalDispatcher wires a dispatcher to the configured backend the same
// way the server does, minus the database.
func newLocalDispatcher(cfg *config.Config) (*assistant.Dispatcher, func(), error) {
	logger := slog.Default()
	client := backend.NewClient(backend.ClientConfig{
		APIBaseURL:          cfg.APIBaseURL,
		IntegrationsBaseURL: cfg.IntegrationsBaseURL,
		Timeout:             cfg.ServiceTimeout,
	}, logger)

	var closers []func()
	var chat assistant.ChatService = client
	if cfg.ChatGRPCAddr != "" {
		grpcChat, err := backend.NewGRPCChat(backend.DefaultGRPCChatConfig(cfg.ChatGRPCAddr), logger)
		if err != nil {
			slog.Warn("Failed to connect to gRPC chat, falling back to HTTP", "error", err)
		} else {
			closers = append(closers, grpcChat.Close)
			chat = grpcChat
		}
	}

	cl, err := convlog.New(convlog.Config{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("conversation log: %w", err)
	}
	closers = append(closers, func() {
		if err := cl.Close(); err != nil {
			slog.Warn("Failed to close conversation logger", "error", err)
		}
	})

	const userID = "cli"
	sessionID := uuid.NewString()
	d := assistant.New(assistant.Services{
		Chat:      chat,
		Tools:     client,
		Directory: client,
		Feedback:  client,
		Finalizer: orchestrator.New(client, client, client, cfg.DefaultJiraProjectKey, logger),
	},
		assistant.WithLogger(logger),
		assistant.WithOwner(userID),
		assistant.WithObserver(convlog.Observer(cl, userID, sessionID, "cli")),
	)

	cleanup := func() {
		d.Close()
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	return d, cleanup, nil
}

// renderer turns assistant markdown into terminal output.
type renderer func(string) string

func newRenderer(plain bool) renderer {
	if plain {
		return strings.TrimSpace
	}
	tr, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(88),
	)
	if err != nil {
		slog.Debug("Markdown rendering unavailable", "error", err)
		return strings.TrimSpace
	}
	return func(s string) string {
		out, err := tr.Render(s)
		if err != nil {
			return strings.TrimSpace(s)
		}
		return strings.TrimRight(out, "\n")
	}
}

type replStyles struct {
	assistant lipgloss.Style
	err       lipgloss.Style
	prompt    lipgloss.Style
	notice    lipgloss.Style
}

func defaultStyles() replStyles {
	return replStyles{
		assistant: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		err:       lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9")),
		prompt:    lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		notice:    lipgloss.NewStyle().Faint(true),
	}
}

type repl struct {
	d      *assistant.Dispatcher
	out    io.Writer
	render renderer
	styles replStyles
}

func newREPL(d *assistant.Dispatcher, out io.Writer, render renderer) *repl {
	return &repl{d: d, out: out, render: render, styles: defaultStyles()}
}

func (r *repl) run(ctx context.Context, in io.Reader) error {
	turns, err := r.d.Start(ctx)
	if err != nil {
		return err
	}
	r.printTurns(turns)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for {
		fmt.Fprint(r.out, r.styles.prompt.Render(r.prompt()))
		if !scanner.Scan() {
			break
		}
		quit, err := r.exec(ctx, scanner.Text())
		if err != nil {
			fmt.Fprintln(r.out, r.styles.err.Render("error:"), err)
		}
		if quit || ctx.Err() != nil {
			return nil
		}
	}
	fmt.Fprintln(r.out)
	return scanner.Err()
}

func (r *repl) prompt() string {
	st := r.d.State()
	switch {
	case st.Wizard != nil:
		return fmt.Sprintf("agent[%s]> ", st.Wizard.StepName)
	case st.Mode.IsTool():
		return st.Mode.String() + "> "
	default:
		return "chat> "
	}
}

// exec runs one line of input and reports whether the session should end.
func (r *repl) exec(ctx context.Context, line string) (bool, error) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "/") {
		if trimmed == "" && !r.d.State().Mode.IsAgent() {
			return false, nil
		}
		return false, r.show(r.d.HandleUserInput(ctx, line))
	}

	fields := strings.Fields(trimmed)
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "/quit", "/q":
		return true, nil
	case "/help":
		fmt.Fprintln(r.out, replHelp)
	case "/tools":
		return false, printTools(r.out, "table")
	case "/tool":
		if len(args) != 1 {
			return false, usage("/tool <id>")
		}
		def, _ := tools.Lookup(args[0])
		return false, r.show(r.d.ActivateTool(args[0], def.Intro))
	case "/agent":
		return false, r.show(r.d.ActivateAgent(ctx))
	case "/exit":
		mode := r.d.State().Mode
		switch {
		case mode.IsAgent():
			return false, r.show(r.d.ExitAgent())
		case mode.IsTool():
			return false, r.show(r.d.ExitTool())
		default:
			r.notice("Already in chat.")
		}
	case "/release":
		if err := r.d.ForceChat(); err != nil {
			return false, err
		}
		r.notice("Back in chat.")
	case "/depts":
		r.printDepartments()
	case "/dept":
		id, err := intArg(args, "/dept <id>")
		if err != nil {
			return false, err
		}
		if err := r.d.ToggleDepartment(id); err != nil {
			return false, err
		}
		r.printDepartments()
	case "/confirm":
		return false, r.confirm(ctx)
	case "/yes", "/no":
		return false, r.show(r.d.Choose(ctx, cmd == "/yes"))
	case "/sessions":
		r.printSessions()
	case "/add":
		s, err := r.d.AddSession()
		if err != nil {
			return false, err
		}
		r.notice(fmt.Sprintf("Added session %d on %s.", s.ID, s.Date))
	case "/rm":
		id, err := intArg(args, "/rm <id>")
		if err != nil {
			return false, err
		}
		return false, r.show(r.d.RemoveSession(ctx, id))
	case "/edit":
		if len(args) < 3 {
			return false, usage("/edit <id> <field> <value>")
		}
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return false, usage("/edit <id> <field> <value>")
		}
		if err := r.d.EditSession(id, args[1], strings.Join(args[2:], " ")); err != nil {
			return false, err
		}
		r.printSessions()
	case "/feedback":
		rating, err := intArg(args, "/feedback <1-5> [text]")
		if err != nil {
			return false, err
		}
		return false, r.show(r.d.SubmitFeedback(ctx, rating, strings.Join(args[1:], " ")))
	case "/state":
		return false, r.printState()
	default:
		return false, fmt.Errorf("%w %s (try /help)", errUnknownCommand, cmd)
	}
	return false, nil
}

func (r *repl) confirm(ctx context.Context) error {
	st := r.d.State()
	if st.Wizard == nil {
		return assistant.ErrNotInAgentMode
	}
	switch st.Wizard.Step {
	case wizard.StepDepartments:
		return r.show(r.d.ConfirmDepartments(ctx))
	case wizard.StepCalendarSessions:
		return r.show(r.d.ConfirmSessions(ctx))
	default:
		return fmt.Errorf("nothing to confirm at step %s", st.Wizard.StepName)
	}
}

func (r *repl) show(turns []domain.Turn, err error) error {
	r.printTurns(turns)
	return err
}

func (r *repl) printTurns(turns []domain.Turn) {
	for _, t := range turns {
		if t.Role != domain.RoleAssistant {
			continue
		}
		label := r.styles.assistant.Render("assistant:")
		if t.IsError {
			label = r.styles.err.Render("assistant:")
		}
		fmt.Fprintln(r.out, label)
		fmt.Fprintln(r.out, r.render(t.Content))
		for _, s := range t.Sources {
			fmt.Fprintln(r.out, r.styles.notice.Render("  source: "+s.Title+" "+s.Location()))
		}
	}
}

func (r *repl) notice(msg string) {
	fmt.Fprintln(r.out, r.styles.notice.Render(msg))
}

func (r *repl) printDepartments() {
	st := r.d.State()
	var selected domain.WizardData
	if st.Wizard != nil {
		selected = st.Wizard.Data
	}
	if len(st.Directory.Departments) == 0 {
		r.notice("No departments available.")
		return
	}
	for _, dep := range st.Directory.Departments {
		mark := " "
		if selected.HasDepartment(dep.ID) {
			mark = "x"
		}
		fmt.Fprintf(r.out, "  [%s] %d  %s\n", mark, dep.ID, dep.Name)
	}
}

func (r *repl) printSessions() {
	st := r.d.State()
	if st.Wizard == nil || len(st.Wizard.Data.Integrations.CalendarSessions) == 0 {
		r.notice("No training sessions.")
		return
	}
	for _, s := range st.Wizard.Data.Integrations.CalendarSessions {
		fmt.Fprintf(r.out, "  %d  %s  %s %s-%s  %s\n", s.ID, s.Title, s.Date, s.StartTime, s.EndTime, s.Location)
	}
}

type stateView struct {
	ConversationID string   `yaml:"conversation_id"`
	Mode           string   `yaml:"mode"`
	Step           string   `yaml:"step,omitempty"`
	InputHint      string   `yaml:"input_hint,omitempty"`
	Turns          int      `yaml:"turns"`
	Departments    []int    `yaml:"departments,omitempty"`
	Tools          []string `yaml:"tools_in_progress,omitempty"`
}

func (r *repl) printState() error {
	st := r.d.State()
	view := stateView{
		ConversationID: st.ConversationID,
		Mode:           st.Mode.String(),
		InputHint:      st.InputHint,
		Turns:          len(st.Turns),
	}
	if st.Wizard != nil {
		view.Step = st.Wizard.StepName
		view.Departments = st.Wizard.Data.DepartmentIDs
	}
	for _, def := range tools.Catalog() {
		if _, ok := st.ToolStates[def.ID]; ok {
			view.Tools = append(view.Tools, def.ID)
		}
	}
	out, err := yaml.Marshal(view)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	_, err = r.out.Write(out)
	return err
}

func usage(s string) error {
	return fmt.Errorf("usage: %s", s)
}

func intArg(args []string, help string) (int, error) {
	if len(args) < 1 {
		return 0, usage(help)
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, usage(help)
	}
	return n, nil
}
