package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/peterh/liner"
	"golang.org/x/term"

	"ragline/internal/domain"
)

// CLI implements domain.Channel for interactive terminal chat. Answers
// stream token by token as the backend produces them. On a real
// terminal the prompt is readline-style with persistent input history;
// piped input falls back to a plain line reader.
type CLI struct {
	bus         domain.MessageBus
	logger      *slog.Logger
	in          io.Reader
	out         io.Writer
	historyFile string
	interactive bool

	inFlight atomic.Bool
	settled  chan struct{}
	streamed int // fragments printed for the exchange in flight

	thinking  bool
	thinkMu   sync.Mutex
	thinkStop chan struct{}
}

type CLIConfig struct {
	Logger *slog.Logger
	In     io.Reader
	Out    io.Writer

	// HistoryFile persists prompt input history between sessions.
	// Empty disables persistence.
	HistoryFile string
}

func NewCLI(cfg CLIConfig) *CLI {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	interactive := false
	if cfg.In == nil {
		cfg.In = os.Stdin
		interactive = term.IsTerminal(int(os.Stdin.Fd()))
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	return &CLI{
		logger:      cfg.Logger,
		in:          cfg.In,
		out:         cfg.Out,
		historyFile: cfg.HistoryFile,
		interactive: interactive,
		settled:     make(chan struct{}, 1),
	}
}

func (c *CLI) Name() string { return "cli" }

// Start runs the interactive REPL and blocks until the context is
// cancelled, the input ends, or the user quits.
func (c *CLI) Start(ctx context.Context, bus domain.MessageBus) error {
	c.bus = bus
	bus.OnOutbound("cli", c.render)

	_, _ = fmt.Fprintln(c.out, "ragline interactive chat. Type a message and press Enter. /help lists commands, /quit exits.")

	if c.interactive {
		return c.runLiner(ctx)
	}
	return c.runScanner(ctx)
}

// runLiner is the terminal path: line editing, arrow-key history, and
// Ctrl+C to stop a streaming answer.
func (c *CLI) runLiner(ctx context.Context) error {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	c.loadHistory(line)
	defer func() {
		c.saveHistory(line)
		_ = line.Close()
	}()

	// At the prompt liner turns Ctrl+C into ErrPromptAborted itself, so
	// a signal only lands here mid-stream, where it means "stop this
	// answer", not "exit".
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		for range sigs {
			if c.inFlight.Load() {
				c.publish("/cancel")
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		input, err := line.Prompt("You> ")
		if err != nil {
			// ErrPromptAborted (Ctrl+C) or EOF (Ctrl+D): exit cleanly.
			_, _ = fmt.Fprintln(c.out)
			return nil
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)
		if isQuit(input) {
			c.logger.Info("user requested quit")
			return nil
		}
		c.dispatch(ctx, input)
	}
}

// runScanner is the non-terminal path used for piped input.
func (c *CLI) runScanner(ctx context.Context) error {
	scanner := bufio.NewScanner(c.in)
	_, _ = fmt.Fprint(c.out, "You> ")
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return err
			}
			return nil // EOF
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			_, _ = fmt.Fprint(c.out, "You> ")
			continue
		}
		if isQuit(input) {
			c.logger.Info("user requested quit")
			return nil
		}
		c.dispatch(ctx, input)
		_, _ = fmt.Fprint(c.out, "You> ")
	}
}

// dispatch publishes one line and blocks until the exchange settles:
// a terminal stream state or a command reply. Keeping the prompt away
// until then stops tokens from interleaving with user input.
func (c *CLI) dispatch(ctx context.Context, input string) {
	select {
	case <-c.settled:
	default:
	}
	c.streamed = 0
	c.inFlight.Store(true)
	defer c.inFlight.Store(false)

	c.startThinking()
	c.publish(input)

	select {
	case <-ctx.Done():
		c.clearSpinner()
	case <-c.settled:
	}
}

func (c *CLI) publish(text string) {
	c.bus.Publish(domain.InboundMessage{
		Channel:  "cli",
		ChatID:   "direct",
		SenderID: "user",
		Content:  text,
	})
}

// render draws one outbound update. Text deltas print as they arrive;
// terminal states and command replies release the prompt.
func (c *CLI) render(msg domain.OutboundMessage) {
	if msg.Delta != nil {
		switch {
		case msg.Delta.Kind == domain.DeltaText && msg.Delta.Text != "":
			c.clearSpinner()
			_, _ = fmt.Fprint(c.out, msg.Delta.Text)
			c.streamed++
		case msg.Delta.Kind == domain.DeltaTools && len(msg.Delta.ToolCalls) > 0:
			c.clearSpinner()
			names := make([]string, 0, len(msg.Delta.ToolCalls))
			for _, tc := range msg.Delta.ToolCalls {
				names = append(names, tc.Name)
			}
			_, _ = fmt.Fprintf(c.out, "\n[retrieval: %s]", strings.Join(names, ", "))
		}
		return
	}

	switch {
	case msg.State.Terminal():
		c.clearSpinner()
		c.finishExchange(msg)
		c.signalSettled()
	case msg.State == domain.StateIdle && msg.Content != "":
		// Command reply.
		c.clearSpinner()
		_, _ = fmt.Fprintln(c.out, msg.Content)
		c.signalSettled()
	}
}

func (c *CLI) finishExchange(msg domain.OutboundMessage) {
	switch msg.State {
	case domain.StateCompleted:
		if c.streamed == 0 && msg.Content != "" {
			_, _ = fmt.Fprintln(c.out, msg.Content)
			return
		}
		_, _ = fmt.Fprintln(c.out)
	case domain.StateCancelled:
		_, _ = fmt.Fprintln(c.out, "\n[stopped]")
	case domain.StateFailed:
		if c.streamed > 0 {
			_, _ = fmt.Fprintf(c.out, "\n\n(answer interrupted: %s)\n", msg.Err)
			return
		}
		if msg.Content != "" {
			_, _ = fmt.Fprintln(c.out, msg.Content)
		}
	}
}

func (c *CLI) signalSettled() {
	select {
	case c.settled <- struct{}{}:
	default:
	}
}

func (c *CLI) loadHistory(line *liner.State) {
	if c.historyFile == "" {
		return
	}
	if f, err := os.Open(c.historyFile); err == nil {
		_, _ = line.ReadHistory(f)
		f.Close()
	}
}

func (c *CLI) saveHistory(line *liner.State) {
	if c.historyFile == "" {
		return
	}
	f, err := os.OpenFile(c.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		c.logger.Warn("saving input history failed", "path", c.historyFile, "error", err)
		return
	}
	defer f.Close()
	_, _ = line.WriteHistory(f)
}

func (c *CLI) startThinking() {
	if !c.interactive {
		return
	}
	c.thinkMu.Lock()
	defer c.thinkMu.Unlock()
	if c.thinking {
		return
	}
	c.thinking = true
	c.thinkStop = make(chan struct{})
	go func(stop chan struct{}) {
		frames := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
		i := 0
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				fmt.Fprintf(c.out, "\r%s waiting...", frames[i%len(frames)])
				i++
			}
		}
	}(c.thinkStop)
}

// clearSpinner stops the spinner and wipes its line so stream output
// starts at column zero.
func (c *CLI) clearSpinner() {
	c.thinkMu.Lock()
	defer c.thinkMu.Unlock()
	if !c.thinking {
		return
	}
	c.thinking = false
	close(c.thinkStop)
	_, _ = fmt.Fprint(c.out, "\r\033[K")
}

// Stop is a no-op; the REPL exits when Start's context is cancelled or
// the user quits.
func (c *CLI) Stop() error { return nil }

func (c *CLI) Send(ctx context.Context, chatID string, content string) error {
	_, err := fmt.Fprintln(c.out, content)
	return err
}

func isQuit(input string) bool {
	switch {
	case input == "/quit" || input == "/exit" || input == "/q":
		return true
	case strings.EqualFold(input, "quit") || strings.EqualFold(input, "exit"):
		return true
	}
	return false
}
