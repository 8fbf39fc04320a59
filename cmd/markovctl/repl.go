package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
)

var errQuit = errors.New("quit")

var replCommands = []string{"genome", "inspect", "run", "runs", "parity", "graph", "help", "quit"}

func replCompleter() readline.AutoCompleter {
	genome := readline.PcItem("genome",
		readline.PcItem("new"),
		readline.PcItem("put"),
		readline.PcItem("show"),
		readline.PcItem("list"),
		readline.PcItem("delete"),
	)
	items := []readline.PrefixCompleterInterface{genome}
	for _, cmd := range replCommands[1:] {
		items = append(items, readline.PcItem(cmd))
	}
	return readline.NewPrefixCompleter(items...)
}

// runREPL reads commands against one client, so memory stores keep their
// contents between lines.
func (a *app) runREPL(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("repl", flag.ContinueOnError)
	historyFile := fs.String("history", "", "readline history file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	prompt := "markov> "
	if a.tty {
		prompt = "\033[32mmarkov>\033[0m "
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     *historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
		AutoComplete:    replCompleter(),
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := a.execLine(ctx, line); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			fmt.Fprintf(a.out, "error: %v\n", err)
		}
	}
}

// execLine runs one REPL line. It returns errQuit on quit or exit.
func (a *app) execLine(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	switch fields[0] {
	case "quit", "exit":
		return errQuit
	case "help":
		fmt.Fprintf(a.out, "commands: %s\n", strings.Join(replCommands, ", "))
		return nil
	case "repl", "serve", "init":
		return fmt.Errorf("%s is not available inside the repl", fields[0])
	}
	return a.dispatch(ctx, fields)
}
