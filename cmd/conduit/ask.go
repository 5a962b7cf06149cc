package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nugget/conduit/internal/agent"
	"github.com/nugget/conduit/internal/config"
	"github.com/nugget/conduit/internal/stream"
)

// runAsk handles "conduit ask <question>". It connects to every
// configured server, runs one conversation, and prints the event stream
// as it arrives: the answer on stdout, tool activity on stderr. With
// -o json every event is written to stdout as one JSON object per line.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath, outputFmt, question string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Logs go to stderr so stdout carries only the answer.
	level := slog.LevelWarn
	if cfg.LogLevel != "" {
		level, _ = config.ParseLogLevel(cfg.LogLevel)
	}
	logger := config.NewLogger(stderr, level, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st := buildStack(ctx, cfg, logger)
	defer st.close(logger)

	out := stream.New(64)
	type result struct {
		resp *agent.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := st.loop.Run(ctx, &agent.Request{
			Messages: []agent.Message{{Role: "user", Content: question}},
		}, out)
		done <- result{resp, err}
	}()

	var consumeErr error
	if outputFmt == "json" {
		consumeErr = printJSON(ctx, out, stdout)
	} else {
		consumeErr = stream.Consume(ctx, out, &textPrinter{out: stdout, info: stderr})
	}
	res := <-done
	if res.err != nil {
		return fmt.Errorf("ask: %w", res.err)
	}
	if consumeErr != nil {
		return fmt.Errorf("ask: %w", consumeErr)
	}
	return nil
}

// textPrinter renders events for a terminal.
type textPrinter struct {
	out     io.Writer // answer text
	info    io.Writer // tool activity and diagnostics
	written bool
}

func (p *textPrinter) Thinking(uint64, stream.Thinking) error { return nil }

func (p *textPrinter) Token(_ uint64, b stream.Token) error {
	p.written = true
	_, err := io.WriteString(p.out, b.Text)
	return err
}

func (p *textPrinter) ToolCall(_ uint64, b stream.ToolCall) error {
	_, err := fmt.Fprintf(p.info, "→ %s %s\n", b.Name, b.ArgsSummary)
	return err
}

func (p *textPrinter) ToolResult(uint64, stream.ToolResult) error { return nil }

func (p *textPrinter) Observation(_ uint64, b stream.Observation) error {
	_, err := fmt.Fprintf(p.info, "← %s\n", firstLine(b.Text, 120))
	return err
}

func (p *textPrinter) RAGContext(_ uint64, b stream.RAGContext) error {
	_, err := fmt.Fprintf(p.info, "context: %d passages\n", len(b.Chunks))
	return err
}

func (p *textPrinter) Done(_ uint64, b stream.Done) error {
	if p.written {
		if _, err := fmt.Fprintln(p.out); err != nil {
			return err
		}
	}
	if b.Truncated {
		_, err := fmt.Fprintf(p.info, "(stopped after %d iterations)\n", b.Iterations)
		return err
	}
	return nil
}

func (p *textPrinter) Error(_ uint64, b stream.Error) error {
	_, err := fmt.Fprintf(p.info, "error (%s): %s\n", b.Kind, b.Message)
	return err
}

// printJSON writes each event as one line of JSON until the terminal
// event.
func printJSON(ctx context.Context, s *stream.Stream, w io.Writer) error {
	enc := json.NewEncoder(w)
	for {
		select {
		case <-ctx.Done():
			s.Detach()
			return ctx.Err()
		case e, ok := <-s.Events():
			if !ok {
				return nil
			}
			if err := enc.Encode(e); err != nil {
				s.Detach()
				return err
			}
		}
	}
}

// firstLine returns the first line of s, cut to n runes.
func firstLine(s string, n int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i] + " …"
	}
	if r := []rune(s); len(r) > n {
		s = string(r[:n]) + "…"
	}
	return s
}
