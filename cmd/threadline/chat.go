package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/ehrlich-b/threadline/internal/config"
	"github.com/ehrlich-b/threadline/internal/logger"
	"github.com/ehrlich-b/threadline/internal/relay"
	"github.com/ehrlich-b/threadline/internal/session"
	"github.com/ehrlich-b/threadline/internal/store"
	"github.com/ehrlich-b/threadline/internal/thread"
	"github.com/ehrlich-b/threadline/internal/ws"
)

const chatHelp = `commands:
  /threads          list threads
  /switch <n|id>    switch to a thread by list number or id
  /new <title>      create a thread
  /cancel           cancel a loading switch
  /retry            retry the last failed switch
  /state            show connection and switch state
  /quit             exit
anything else is sent to the active thread`

func chatCmd(load loadFunc, configPath *string) *cobra.Command {
	var draftsFlag string

	cmd := &cobra.Command{
		Use:   "chat [thread]",
		Short: "Interactive chat client",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if draftsFlag == "" {
				dir, err := config.UserConfigDir()
				if err != nil {
					return err
				}
				if err := os.MkdirAll(dir, 0755); err != nil {
					return err
				}
				draftsFlag = filepath.Join(dir, "drafts.db")
			}
			local, err := store.Open(draftsFlag)
			if err != nil {
				return fmt.Errorf("open drafts db: %w", err)
			}
			defer local.Close()
			drafts := thread.NewDrafts(local)
			if err := drafts.Load(); err != nil {
				logger.Warn("load drafts", "err", err)
			}

			client := ws.NewClient(relay.WebSocketURL(cfg.Session.URL), cfg.ClientOptions(logger.L()))
			loader := &relay.HTTPLoader{BaseURL: cfg.Session.URL, Token: cfg.Session.Token}
			s := session.New(session.Config{
				Client:        client,
				Loader:        loader,
				Lister:        loader,
				Drafts:        drafts,
				Switch:        cfg.SwitchOptions(),
				Logger:        logger.L(),
				LoadTimeout:   cfg.Timeouts.Load.D(),
				CommitTimeout: cfg.Timeouts.Commit.D(),
			})
			defer s.Close()

			lr, out, restore, err := openLineReader()
			if err != nil {
				return err
			}
			defer restore()

			ui := newChatUI(s, out)
			ui.observe()

			go func() {
				err := config.Watch(ctx, *configPath, func(next *config.Config, err error) {
					if err != nil {
						ui.printf("config: %v", err)
						return
					}
					logger.SetLevel(next.Logging.Level)
					client.SetPolicy(next.ReconnectPolicy())
					ui.printf("config reloaded")
				})
				if err != nil {
					logger.L().Debug("config watch disabled", zap.Error(err))
				}
			}()

			if err := s.Start(ctx); err != nil {
				ui.printf("start: %v", err)
			}
			if len(args) == 1 {
				ui.exec(ctx, "/switch "+args[0])
			}
			ui.printf("type /help for commands")

			lines := make(chan string)
			go func() {
				defer close(lines)
				for {
					line, err := lr()
					if err != nil {
						return
					}
					select {
					case lines <- line:
					case <-ctx.Done():
						return
					}
				}
			}()
			for {
				select {
				case <-ctx.Done():
					return nil
				case line, ok := <-lines:
					if !ok || ui.exec(ctx, line) {
						return nil
					}
				}
			}
		},
	}
	cmd.Flags().StringVar(&draftsFlag, "drafts", "", "drafts database (default ~/.threadline/drafts.db)")
	return cmd
}

// openLineReader uses an x/term line editor when stdin is a terminal and
// plain line scanning otherwise.
func openLineReader() (read func() (string, error), out io.Writer, restore func(), err error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		sc := bufio.NewScanner(os.Stdin)
		read = func() (string, error) {
			if sc.Scan() {
				return sc.Text(), nil
			}
			if err := sc.Err(); err != nil {
				return "", err
			}
			return "", io.EOF
		}
		return read, os.Stdout, func() {}, nil
	}
	old, err := term.MakeRaw(fd)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("raw mode: %w", err)
	}
	t := term.NewTerminal(struct {
		io.Reader
		io.Writer
	}{os.Stdin, os.Stdout}, "> ")
	if w, h, err := term.GetSize(fd); err == nil {
		t.SetSize(w, h)
	}
	return t.ReadLine, t, func() { term.Restore(fd, old) }, nil
}

type chatUI struct {
	s   *session.Session
	out io.Writer

	mu          sync.Mutex
	shownThread string
	shown       map[string]bool
}

func newChatUI(s *session.Session, out io.Writer) *chatUI {
	return &chatUI{s: s, out: out, shown: make(map[string]bool)}
}

func (u *chatUI) printf(format string, args ...any) {
	u.mu.Lock()
	defer u.mu.Unlock()
	fmt.Fprintf(u.out, format+"\n", args...)
}

func (u *chatUI) observe() {
	u.s.Switcher().OnMessages(u.showView)
	u.s.Switcher().OnState(func(st thread.State) {
		switch {
		case st.IsLoading:
			u.printf("loading %s...", st.LoadingThreadID)
		case st.Err != nil:
			u.printf("switch failed: %v (/retry)", st.Err)
		}
	})
	u.s.Client().OnState(func(ch ws.StateChange) {
		if ch.Err != nil {
			u.printf("[%s] %v", ch.To, ch.Err)
			return
		}
		u.printf("[%s]", ch.To)
	})
	u.s.OnError(func(err error) { u.printf("error: %v", err) })
}

// showView prints confirmed messages of the visible thread that have not
// been printed yet. Pending sends are skipped; the user just typed them.
func (u *chatUI) showView(v thread.View) {
	if v.ThreadID == "" {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if v.ThreadID != u.shownThread {
		u.shownThread = v.ThreadID
		u.shown = make(map[string]bool)
		fmt.Fprintf(u.out, "-- %s --\n", v.ThreadID)
	}
	for _, m := range v.Messages {
		if u.shown[m.ID] || u.s.IsPending(m.ID) {
			continue
		}
		u.shown[m.ID] = true
		fmt.Fprintln(u.out, formatMessage(m))
	}
}

func formatMessage(m thread.Message) string {
	ts := m.Timestamp.Local().Format("15:04")
	if m.Role == "user" {
		return fmt.Sprintf("[%s] > %s", ts, m.Content)
	}
	return fmt.Sprintf("[%s] %s: %s", ts, m.Role, m.Content)
}

// exec runs one input line and reports whether the user asked to quit.
func (u *chatUI) exec(ctx context.Context, line string) (quit bool) {
	name, arg := parseCommand(line)
	switch name {
	case "":
		if strings.TrimSpace(arg) == "" {
			return false
		}
		u.s.SetInput(arg)
		go func() {
			if _, err := u.s.SendMessage(ctx); err != nil && !errors.Is(err, context.Canceled) {
				u.printf("send failed: %v", err)
			}
		}()
	case "help", "h", "?":
		u.printf("%s", chatHelp)
	case "quit", "q", "exit":
		return true
	case "threads", "ls":
		var b strings.Builder
		printThreads(&b, u.s.Threads(), u.s.State().ActiveThreadID)
		u.printf("%s", strings.TrimRight(b.String(), "\n"))
	case "switch", "s":
		id, err := resolveThread(u.s.Threads(), arg)
		if err != nil {
			u.printf("%v", err)
			return false
		}
		go func() {
			err := u.s.SwitchTo(ctx, id)
			switch {
			case err == nil:
			case errors.Is(err, thread.ErrProcessing):
				u.printf("the agent is still working on this thread")
			case errors.Is(err, thread.ErrSuperseded):
			default:
				u.printf("switch: %v", err)
			}
		}()
	case "new":
		if arg == "" {
			u.printf("usage: /new <title>")
			return false
		}
		go func() {
			t, err := u.s.CreateThread(ctx, arg)
			if err != nil {
				u.printf("create failed: %v", err)
				return
			}
			u.printf("created %s (%s)", t.Title, t.ID)
		}()
	case "cancel":
		u.s.Cancel()
	case "retry":
		go func() {
			if err := u.s.Retry(ctx); err != nil {
				u.printf("retry: %v", err)
			}
		}()
	case "state":
		st := u.s.State()
		u.printf("connection=%s buffered=%d thread=%q loading=%v processing=%v",
			u.s.Connection(), u.s.Client().Buffered(), st.ActiveThreadID, st.IsLoading, u.s.Processing())
	default:
		u.printf("unknown command /%s (try /help)", name)
	}
	return false
}

// parseCommand splits "/name arg..." into name and arg. Plain text returns
// an empty name and the line as arg. "//" escapes a leading slash.
func parseCommand(line string) (name, arg string) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, "/") {
		return "", line
	}
	if strings.HasPrefix(line, "//") {
		return "", line[1:]
	}
	name, arg, _ = strings.Cut(line[1:], " ")
	return strings.ToLower(name), strings.TrimSpace(arg)
}

// resolveThread accepts a 1-based list position or a thread id.
func resolveThread(threads []ws.ThreadInfo, arg string) (string, error) {
	if arg == "" {
		return "", errors.New("usage: /switch <n|id>")
	}
	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(threads) {
			return "", fmt.Errorf("no thread #%d (have %d)", n, len(threads))
		}
		return threads[n-1].ID, nil
	}
	return arg, nil
}
