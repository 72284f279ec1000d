package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ashureev/streamchat/internal/controller"
	"github.com/ashureev/streamchat/internal/domain"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	activeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	dimStyle    = lipgloss.NewStyle().Faint(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

const helpText = `commands:
  /new              start a new chat
  /list             list chats
  /open <n|id>      open a chat by list number or id
  /rename <title>   rename the active chat
  /delete [n|id]    delete a chat (default: active)
  /retry            resend the last failed message
  /help             show this help
  /quit             exit
anything else is sent as a message`

type repl struct {
	ctrl   *controller.Controller
	in     *bufio.Scanner
	out    io.Writer
	render func(string) string
}

func newREPL(ctrl *controller.Controller, in io.Reader, out io.Writer) *repl {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &repl{ctrl: ctrl, in: scanner, out: out}
}

func newMarkdownRenderer() func(string) string {
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)
	if err != nil {
		return nil
	}
	return func(md string) string {
		rendered, err := renderer.Render(md)
		if err != nil {
			return md
		}
		return rendered
	}
}

func (r *repl) run(ctx context.Context) error {
	if err := r.ctrl.LoadChats(ctx); err != nil {
		return fmt.Errorf("load chats: %w", err)
	}
	r.printf("%s\n", dimStyle.Render("type /help for commands"))

	for {
		r.printf("> ")
		if !r.in.Scan() {
			r.printf("\n")
			return r.in.Err()
		}
		line := strings.TrimSpace(r.in.Text())
		if line == "" {
			continue
		}
		quit, err := r.handle(ctx, line)
		if err != nil {
			r.printf("%s\n", errorStyle.Render("error: "+err.Error()))
		}
		if quit || ctx.Err() != nil {
			return nil
		}
	}
}

// handle runs one input line. It reports whether the REPL should exit.
func (r *repl) handle(ctx context.Context, line string) (bool, error) {
	if !strings.HasPrefix(line, "/") {
		r.ctrl.SetInput(line)
		return false, r.submit(ctx)
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		r.printf("%s\n", helpText)
	case "/new":
		if err := r.ctrl.NewChat(); err != nil {
			return false, err
		}
		r.printf("%s\n", dimStyle.Render("new chat"))
	case "/list":
		if err := r.ctrl.LoadChats(ctx); err != nil {
			return false, err
		}
		r.printList()
	case "/open":
		id, err := r.resolve(arg)
		if err != nil {
			return false, err
		}
		if err := r.ctrl.SelectChat(ctx, id); err != nil {
			return false, err
		}
		r.printTranscript()
	case "/rename":
		active := r.ctrl.Snapshot().ActiveChatID
		if active == "" {
			return false, errors.New("no active chat")
		}
		return false, r.ctrl.Rename(ctx, active, arg)
	case "/delete":
		id := r.ctrl.Snapshot().ActiveChatID
		if arg != "" {
			var err error
			if id, err = r.resolve(arg); err != nil {
				return false, err
			}
		}
		if id == "" {
			return false, errors.New("no chat to delete")
		}
		return false, r.ctrl.Delete(ctx, id)
	case "/retry":
		return false, r.submit(ctx)
	default:
		return false, fmt.Errorf("unknown command %s (try /help)", cmd)
	}
	return false, nil
}

func (r *repl) submit(ctx context.Context) error {
	printed := 0
	err := r.ctrl.Submit(ctx, func(s controller.State) {
		switch s.Phase {
		case controller.PhaseStreaming:
			if len(s.StreamingBuffer) > printed {
				r.printf("%s", s.StreamingBuffer[printed:])
				printed = len(s.StreamingBuffer)
			}
		case controller.PhaseReconciling:
			r.printf("\n")
			if r.render != nil && len(s.ActiveMessages) > 0 {
				r.printf("%s", r.render(s.ActiveMessages[len(s.ActiveMessages)-1].Content))
			}
		case controller.PhaseFailed:
			if printed > 0 {
				r.printf("\n")
			}
		}
	})
	if err != nil && !errors.Is(err, controller.ErrEmptyInput) && !errors.Is(err, controller.ErrBusy) {
		return fmt.Errorf("%w (message kept, /retry to resend)", err)
	}
	return err
}

// resolve maps a 1-based list position or a literal id onto a chat id.
func (r *repl) resolve(arg string) (string, error) {
	if arg == "" {
		return "", errors.New("chat number or id required")
	}
	chats := r.ctrl.Snapshot().Chats
	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(chats) {
			return "", fmt.Errorf("no chat #%d", n)
		}
		return chats[n-1].ID, nil
	}
	return arg, nil
}

func (r *repl) printList() {
	s := r.ctrl.Snapshot()
	if len(s.Chats) == 0 {
		r.printf("%s\n", dimStyle.Render("no chats yet"))
		return
	}
	for i, c := range s.Chats {
		line := fmt.Sprintf("%2d. %s  %s", i+1, c.Title, dimStyle.Render(c.CreatedAt.Format("2006-01-02 15:04")))
		if c.ID == s.ActiveChatID {
			line = activeStyle.Render(line)
		}
		r.printf("%s\n", line)
	}
}

func (r *repl) printTranscript() {
	for _, t := range r.ctrl.Snapshot().ActiveMessages {
		r.printf("%s\n", titleStyle.Render(string(t.Role)+":"))
		if r.render != nil && t.Role == domain.RoleAssistant {
			r.printf("%s", r.render(t.Content))
			continue
		}
		r.printf("%s\n", t.Content)
	}
}

func (r *repl) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(r.out, format, args...)
}
