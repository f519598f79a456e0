package relay

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"

	"ragline/internal/domain"
	"ragline/internal/metrics"
)

// ChatCommand represents a parsed chat command.
type ChatCommand struct {
	Name string   // command name without "/"
	Args []string // arguments after the command
	Raw  string   // original full text
}

// CommandResult holds the response for a handled command.
type CommandResult struct {
	Response string // text response to send back
	Handled  bool   // true if the command was handled (don't query the backend)
}

// startTime records when the process started for /uptime.
var startTime = time.Now()

// version is set by the build system. Default fallback.
var version = "dev"

// SetVersion sets the version string used by commands.
func SetVersion(v string) {
	version = v
}

// ParseCommand checks if a message starts with "/" and parses it into
// a ChatCommand. Returns nil if the message is not a command.
func ParseCommand(text string) *ChatCommand {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return nil
	}

	parts := strings.Fields(text)
	if len(parts) == 0 {
		return nil
	}

	name := strings.TrimPrefix(parts[0], "/")
	name = strings.ToLower(name)
	if name == "" {
		return nil
	}

	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}

	return &ChatCommand{
		Name: name,
		Args: args,
		Raw:  text,
	}
}

// HandleCommand processes a chat command and returns a result. If the
// command is not recognized, returns Handled=false.
func (r *Relay) HandleCommand(ctx context.Context, cmd *ChatCommand, msg domain.InboundMessage) CommandResult {
	switch cmd.Name {
	case "help":
		return CommandResult{Response: helpText(), Handled: true}

	case "new":
		return CommandResult{Response: r.resetChat(ctx, msg, false), Handled: true}

	case "clear":
		return CommandResult{Response: r.resetChat(ctx, msg, true), Handled: true}

	case "cancel":
		st := r.peekChat(msg.Channel, msg.ChatID)
		if st == nil || !st.ctrl.Busy() {
			return CommandResult{Response: "Nothing is streaming right now.", Handled: true}
		}
		st.ctrl.Cancel()
		r.audit(ctx, msg, "cancel", "")
		return CommandResult{Response: "Stopped. The partial answer stays in the transcript.", Handled: true}

	case "preset":
		return CommandResult{Response: r.presetCmd(ctx, cmd.Args, msg), Handled: true}

	case "presets":
		return CommandResult{Response: r.presetsText(), Handled: true}

	case "search":
		return CommandResult{Response: r.searchText(ctx, cmd.Args), Handled: true}

	case "history":
		return CommandResult{Response: r.historyText(ctx, cmd.Args), Handled: true}

	case "status":
		return CommandResult{Response: r.statusText(ctx, msg), Handled: true}

	case "unpair":
		if r.pairing == nil || !r.pairing.IsRequired() {
			return CommandResult{Response: "Pairing is not enabled on this gateway.", Handled: true}
		}
		if err := r.pairing.Unpair(ctx, msg.Channel, msg.SenderID); err != nil {
			r.logger.Warn("unpair failed", "channel", msg.Channel, "sender", msg.SenderID, "error", err)
			return CommandResult{Response: "Could not unpair. Try again.", Handled: true}
		}
		r.audit(ctx, msg, "pair", "unpaired")
		return CommandResult{Response: "Unpaired. Send any message to start pairing again.", Handled: true}

	case "uptime":
		uptime := time.Since(startTime).Round(time.Second)
		return CommandResult{Response: fmt.Sprintf("Uptime: %s", uptime), Handled: true}

	case "version":
		return CommandResult{Response: fmt.Sprintf("ragline v%s (%s/%s, Go %s)", version, runtime.GOOS, runtime.GOARCH, runtime.Version()), Handled: true}

	default:
		return CommandResult{Handled: false}
	}
}

// handlePair redeems a pairing code. It runs before the pairing gate,
// so it is the one command an unpaired sender can use.
func (r *Relay) handlePair(ctx context.Context, cmd *ChatCommand, msg domain.InboundMessage) string {
	if r.pairing == nil || !r.pairing.IsRequired() {
		return "Pairing is not enabled on this gateway."
	}
	if len(cmd.Args) != 1 {
		return "Usage: /pair <code>"
	}
	ok, err := r.pairing.VerifyCode(ctx, msg.Channel, msg.SenderID, cmd.Args[0])
	if err != nil {
		r.logger.Warn("pairing verification failed",
			"channel", msg.Channel, "sender", msg.SenderID, "error", err)
		return "Pairing failed. Try again."
	}
	if !ok {
		r.audit(ctx, msg, "denied", "bad pairing code")
		return "That code is wrong or expired. Message me again for a fresh one."
	}
	r.audit(ctx, msg, "pair", "")
	return "Paired. You can talk to the backend now, send /help for commands."
}

// resetChat starts a new conversation for the chat. With clear=true
// the current one is deleted first instead of staying listed.
func (r *Relay) resetChat(ctx context.Context, msg domain.InboundMessage, clear bool) string {
	if clear {
		if err := r.convs.Clear(ctx, msg.Channel, msg.ChatID); err != nil {
			r.logger.Warn("clear failed", "channel", msg.Channel, "chat", msg.ChatID, "error", err)
			return "Could not clear the conversation. Check the gateway logs."
		}
	}

	conv, err := r.convs.StartFresh(ctx, msg.Channel, msg.ChatID)
	if err != nil {
		r.logger.Warn("new conversation failed", "channel", msg.Channel, "chat", msg.ChatID, "error", err)
		return "Could not start a new conversation. Check the gateway logs."
	}

	if st := r.peekChat(msg.Channel, msg.ChatID); st != nil {
		st.mu.Lock()
		if st.done != nil {
			close(st.done)
			st.done = nil
			metrics.StreamsCancelled.Inc()
		}
		st.conv = conv
		st.mu.Unlock()
		if err := st.ctrl.SelectConversation(ctx, conv.ID); err != nil {
			r.logger.Warn("select after reset failed", "conversation", conv.ID, "error", err)
		}
	}

	if clear {
		return "Conversation cleared. Starting fresh."
	}
	return "Started a new conversation. The old one stays in /history."
}

func (r *Relay) presetCmd(ctx context.Context, args []string, msg domain.InboundMessage) string {
	if len(args) == 0 {
		name := r.currentPreset(ctx, msg)
		if name == "" {
			name = "(none)"
		}
		return fmt.Sprintf("Current preset: %s. Use /preset <name> to switch, /presets to list.", name)
	}

	name := strings.ToLower(args[0])
	if name == "off" || name == "none" {
		r.setPreset(ctx, msg, "")
		return "Preset cleared."
	}
	if r.presets == nil {
		return "No presets are loaded."
	}
	if _, ok := r.presets.Get(name); !ok {
		return fmt.Sprintf("No preset named %q. Send /presets for the list.", name)
	}
	r.setPreset(ctx, msg, name)
	return fmt.Sprintf("Preset set to %s.", name)
}

func (r *Relay) currentPreset(ctx context.Context, msg domain.InboundMessage) string {
	if st := r.peekChat(msg.Channel, msg.ChatID); st != nil {
		st.mu.Lock()
		p := st.conv.Preset
		st.mu.Unlock()
		if p != "" {
			return p
		}
		return r.defaultPreset
	}
	if conv, err := r.convs.GetOrCreate(ctx, msg.Channel, msg.ChatID); err == nil && conv.Preset != "" {
		return conv.Preset
	}
	return r.defaultPreset
}

func (r *Relay) setPreset(ctx context.Context, msg domain.InboundMessage, name string) {
	if st := r.peekChat(msg.Channel, msg.ChatID); st != nil {
		st.mu.Lock()
		st.conv.Preset = name
		conv := st.conv
		st.mu.Unlock()
		r.convs.Update(ctx, conv)
		return
	}

	conv, err := r.convs.GetOrCreate(ctx, msg.Channel, msg.ChatID)
	if err != nil {
		r.logger.Warn("preset not saved", "channel", msg.Channel, "chat", msg.ChatID, "error", err)
		return
	}
	conv.Preset = name
	r.convs.Update(ctx, conv)
}

func (r *Relay) presetsText() string {
	if r.presets == nil {
		return "No presets are loaded."
	}
	presets := r.presets.List()
	if len(presets) == 0 {
		return "No presets are loaded."
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("**Presets** (%d)\n\n", len(presets)))
	for _, p := range presets {
		sb.WriteString(fmt.Sprintf("• **%s**", p.Name))
		if p.Description != "" {
			sb.WriteString(" — ")
			sb.WriteString(p.Description)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func (r *Relay) searchText(ctx context.Context, args []string) string {
	kind := r.searchKind
	if len(args) > 0 {
		switch k := domain.SearchKind(strings.ToLower(args[0])); k {
		case domain.SearchVector, domain.SearchGraph, domain.SearchHybrid:
			kind = k
			args = args[1:]
		}
	}

	query := strings.Join(args, " ")
	if query == "" {
		return "Usage: /search [vector|graph|hybrid] <query>"
	}

	res, err := r.backend.Search(ctx, domain.SearchRequest{Query: query, Kind: kind, Limit: 5})
	if err != nil {
		return fmt.Sprintf("Search failed: %s", r.redact(err.Error()))
	}
	if len(res.Results) == 0 {
		return fmt.Sprintf("No %s results for %q.", kind, query)
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("**%s search** — %d results in %.0f ms\n\n", kind, res.Total, res.QueryTimeMs))
	for i, hit := range res.Results {
		sb.WriteString(fmt.Sprintf("%d. [%.2f] %s\n", i+1, hit.Score, excerpt(hit.Content, 200)))
		if hit.Source != "" {
			sb.WriteString(fmt.Sprintf("   — %s\n", hit.Source))
		}
	}
	return sb.String()
}

func (r *Relay) historyText(ctx context.Context, args []string) string {
	limit := 5
	if len(args) > 0 {
		if n, err := strconv.Atoi(args[0]); err == nil && n > 0 && n <= 25 {
			limit = n
		}
	}

	convs, err := r.convs.Recent(ctx, limit)
	if err != nil {
		return fmt.Sprintf("Could not list conversations: %s", err)
	}
	if len(convs) == 0 {
		return "No conversations yet."
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("**Recent conversations** (%d)\n\n", len(convs)))
	for _, c := range convs {
		age := time.Since(c.UpdatedAt).Round(time.Minute)
		sb.WriteString(fmt.Sprintf("• %s — %s, %s ago\n", c.Title, c.Channel, age))
	}
	return sb.String()
}

func (r *Relay) statusText(ctx context.Context, msg domain.InboundMessage) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("**ragline v%s**\n\n", version))

	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if h, err := r.backend.Health(hctx); err != nil {
		sb.WriteString(fmt.Sprintf("Backend: unreachable (%s)\n", r.redact(err.Error())))
	} else {
		sb.WriteString(fmt.Sprintf("Backend: %s (v%s)\n", h.Status, h.Version))
		sb.WriteString(fmt.Sprintf("Database: %s  Graph: %s  LLM: %s\n",
			okNo(h.Database), okNo(h.GraphDatabase), okNo(h.LLMConnection)))
	}

	if st := r.peekChat(msg.Channel, msg.ChatID); st != nil {
		st.mu.Lock()
		conv := st.conv
		st.mu.Unlock()
		sb.WriteString(fmt.Sprintf("Conversation: %s\n", conv.Title))
		if p := conv.Preset; p != "" {
			sb.WriteString(fmt.Sprintf("Preset: %s\n", p))
		}
		if st.ctrl.Busy() {
			sb.WriteString("Streaming: yes\n")
		}
	}

	snap := metrics.Collector.Snapshot()
	sb.WriteString(fmt.Sprintf("Queries: %d started, %d failed\n",
		snap["ragline_streams_started_total"], snap["ragline_streams_failed_total"]))
	sb.WriteString(fmt.Sprintf("Uptime: %s\n", time.Since(startTime).Round(time.Second)))
	return sb.String()
}

func helpText() string {
	return `**ragline commands**

/help — this list
/new — start a new conversation (the old one stays listed)
/clear — delete the current conversation and start over
/cancel — stop the answer that is streaming
/preset [name|off] — show or switch this chat's preset
/presets — list available presets
/search [vector|graph|hybrid] <query> — search the corpus directly
/history [n] — list recent conversations
/status — backend health and gateway info
/uptime — gateway uptime
/unpair — forget this chat's pairing
/version — version info`
}

func okNo(b bool) string {
	if b {
		return "ok"
	}
	return "down"
}

// excerpt flattens and truncates content for chat-sized output.
func excerpt(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}
