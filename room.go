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

	"github.com/spf13/cobra"

	"github.com/tonimelisma/researchroom/internal/assistant"
	"github.com/tonimelisma/researchroom/internal/identity"
	"github.com/tonimelisma/researchroom/internal/record"
	"github.com/tonimelisma/researchroom/internal/room"
)

const roomHelp = `Commands:
  select <n>        focus paper n        clear          unfocus
  upload <file>     add a pdf/txt/md     delete <n>     delete paper n
  tab <name>        summary, qa, notes   ask <question> ask about the paper
  note <text>       annotate the paper   unnote <n>     delete your note n
  refresh           refetch now          dismiss        hide the notice
  help              this text            quit           leave the room
`

func newRoomCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "room <room-id>",
		Short: "Open a live room",
		Long:  "Open a room and keep it live. Type help inside the room for commands.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoom(cmd, strings.TrimPrefix(args[0], "/room/"))
		},
	}
}

func runRoom(cmd *cobra.Command, roomID string) error {
	if resolvedCfg == nil {
		return errors.New("no configuration loaded")
	}

	ident, err := identity.Load(identity.Path(resolvedCfg.DataDir))
	if err != nil {
		return err
	}

	if ident == nil {
		return errors.New("no name or colour saved yet; run: researchroom join --name <you> --room " + roomID)
	}

	logger := buildLogger(resolvedCfg)
	ctx := shutdownContext(cmd.Context(), logger)

	backend, closeBackend, err := openBackend(ctx, resolvedCfg, logger)
	if err != nil {
		return err
	}
	defer closeBackend()

	asst, err := assistant.New(assistant.Options{
		BaseURL:           resolvedCfg.AssistantBaseURL,
		Model:             resolvedCfg.AssistantModel,
		APIKey:            resolvedCfg.AssistantAPIKey,
		RequestsPerMinute: resolvedCfg.AssistantRPM,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	c, err := room.Open(ctx, backend, asst, *ident, roomID, room.Options{
		PollInterval: resolvedCfg.PollInterval,
		MaxInFlight:  resolvedCfg.MaxInFlight,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	defer c.Close()

	return repl(ctx, c, cmd.InOrStdin(), newScreen(cmd.OutOrStdout()))
}

// roomActions is the part of room.Controller the REPL drives.
type roomActions interface {
	State() room.State
	Updates() <-chan struct{}
	SelectPaper(id string) error
	ClearSelection()
	SetTab(t room.Tab)
	Refresh(ctx context.Context) error
	Upload(ctx context.Context, path string) (record.Paper, error)
	DeletePaper(ctx context.Context, id string) error
	Ask(ctx context.Context, question string) (string, error)
	AddNote(ctx context.Context, content string) (record.Annotation, error)
	DeleteNote(ctx context.Context, id string) error
	DismissNotice()
}

// repl renders the room on every update and runs one command per input
// line until quit, EOF or cancellation.
func repl(ctx context.Context, c roomActions, in io.Reader, sc *screen) error {
	lines := make(chan string)

	go func() {
		defer close(lines)

		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	sc.render(c.State())

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.Updates():
			sc.render(c.State())
		case line, ok := <-lines:
			if !ok {
				return nil
			}

			if quit := execute(ctx, c, line, sc.out); quit {
				return nil
			}

			sc.last = ""
			sc.render(c.State())
		}
	}
}

// execute runs one command line. Failures are printed, never returned: the
// room stays open.
func execute(ctx context.Context, c roomActions, line string, out io.Writer) (quit bool) {
	name, arg := parseCommand(line)

	var err error

	switch name {
	case "":
		return false
	case "quit", "exit", "q":
		return true
	case "help", "?":
		fmt.Fprint(out, roomHelp)
	case "select", "s":
		var id string
		if id, err = paperRef(c.State(), arg); err == nil {
			err = c.SelectPaper(id)
		}
	case "clear", "back":
		c.ClearSelection()
	case "tab":
		var t room.Tab
		if t, err = room.ParseTab(arg); err == nil {
			c.SetTab(t)
		}
	case "upload":
		_, err = c.Upload(ctx, arg)
	case "delete":
		var id string
		if id, err = paperRef(c.State(), arg); err == nil {
			err = c.DeletePaper(ctx, id)
		}
	case "ask":
		_, err = c.Ask(ctx, arg)
	case "note":
		_, err = c.AddNote(ctx, arg)
	case "unnote":
		var id string
		if id, err = noteRef(c.State(), arg); err == nil {
			err = c.DeleteNote(ctx, id)
		}
	case "refresh":
		err = c.Refresh(ctx)
	case "dismiss":
		c.DismissNotice()
	default:
		err = fmt.Errorf("unknown command %q (type help): %w", name, record.ErrInvalidInput)
	}

	if err != nil {
		fmt.Fprintf(out, "%s: %v\n", record.KindOf(err), err)
		slog.Debug("room command failed", slog.String("command", name), slog.String("error", err.Error()))
	}

	return false
}

// parseCommand splits a line into a lower-cased command and the rest.
func parseCommand(line string) (name, arg string) {
	line = strings.TrimSpace(line)
	name, arg, _ = strings.Cut(line, " ")

	return strings.ToLower(name), strings.TrimSpace(arg)
}

// paperRef resolves a 1-based list position or a paper id.
func paperRef(st room.State, arg string) (string, error) {
	ids := make([]string, len(st.Papers))
	for i, p := range st.Papers {
		ids[i] = p.ID
	}

	return listRef(ids, arg, "paper")
}

// noteRef resolves a 1-based position in the focused paper's notes or a
// note id.
func noteRef(st room.State, arg string) (string, error) {
	ids := make([]string, len(st.Notes))
	for i, n := range st.Notes {
		ids[i] = n.ID
	}

	return listRef(ids, arg, "note")
}

func listRef(ids []string, arg, what string) (string, error) {
	if arg == "" {
		return "", fmt.Errorf("which %s? %w", what, record.ErrInvalidInput)
	}

	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(ids) {
			return "", fmt.Errorf("no %s number %d: %w", what, n, record.ErrNotFound)
		}

		return ids[n-1], nil
	}

	return arg, nil
}
