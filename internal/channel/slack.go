package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"ragline/internal/domain"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

const slackMaxMsgLen = 4000

// Slack implements domain.Channel for Slack using Socket Mode. Answers
// are threaded under the question once the stream settles; deltas are
// not rendered (Slack edits are too rate-limited for token streaming).
type Slack struct {
	botToken string
	appToken string
	client   *slack.Client
	socket   *socketmode.Client
	bus      domain.MessageBus
	logger   *slog.Logger
	botUID   string // the bot's own user ID, to avoid replying to self

	// threads remembers, per channel, the message the settled answer
	// should thread under.
	threadsMu sync.Mutex
	threads   map[string]string
}

// SlackConfig configures the Slack channel.
type SlackConfig struct {
	BotToken string
	AppToken string
	Logger   *slog.Logger
}

// NewSlack creates a new Slack channel handler.
func NewSlack(cfg SlackConfig) *Slack {
	return &Slack{
		botToken: cfg.BotToken,
		appToken: cfg.AppToken,
		logger:   cfg.Logger,
		threads:  make(map[string]string),
	}
}

func (s *Slack) Name() string { return "slack" }

// Start connects to Slack via Socket Mode and begins listening for events.
func (s *Slack) Start(ctx context.Context, bus domain.MessageBus) error {
	s.bus = bus

	api := slack.New(
		s.botToken,
		slack.OptionAppLevelToken(s.appToken),
	)
	s.client = api

	// Get bot user ID.
	authResp, err := api.AuthTest()
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	s.botUID = authResp.UserID
	s.logger.Info("slack bot connected", "user", authResp.User, "user_id", authResp.UserID)

	socketClient := socketmode.New(api)
	s.socket = socketClient

	bus.OnOutbound("slack", s.routeOutbound)

	// Event handling goroutine.
	go func() {
		for evt := range socketClient.Events {
			switch evt.Type {
			case socketmode.EventTypeEventsAPI:
				eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				socketClient.Ack(*evt.Request)
				s.handleEventsAPI(eventsAPIEvent)

			case socketmode.EventTypeSlashCommand:
				cmd, ok := evt.Data.(slack.SlashCommand)
				if !ok {
					continue
				}
				socketClient.Ack(*evt.Request)
				s.handleSlashCommand(cmd)

			case socketmode.EventTypeInteractive:
				socketClient.Ack(*evt.Request)

			default:
				// Acknowledge unknown events to prevent Socket Mode disconnection.
				if evt.Request != nil {
					socketClient.Ack(*evt.Request)
				}
			}
		}
	}()

	// Run Socket Mode client (blocks until context is done).
	errCh := make(chan error, 1)
	go func() {
		errCh <- socketClient.RunContext(ctx)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("slack bot disconnecting")
		return nil
	case err := <-errCh:
		return fmt.Errorf("slack socket mode: %w", err)
	}
}

// routeOutbound delivers settled answers and command replies, threaded
// under the triggering message when one is known.
func (s *Slack) routeOutbound(msg domain.OutboundMessage) {
	if msg.Delta != nil {
		return
	}
	if msg.Content == "" {
		return
	}
	if !msg.State.Terminal() && msg.State != domain.StateIdle {
		return
	}

	s.threadsMu.Lock()
	threadTS := s.threads[msg.ChatID]
	if msg.State.Terminal() {
		delete(s.threads, msg.ChatID)
	}
	s.threadsMu.Unlock()

	s.sendMessage(msg.ChatID, threadTS, msg.Content)
}

func (s *Slack) Stop() error {
	return nil
}

func (s *Slack) Send(ctx context.Context, chatID string, content string) error {
	s.sendMessage(chatID, "", content)
	return nil
}

func (s *Slack) handleEventsAPI(event slackevents.EventsAPIEvent) {
	switch event.Type {
	case slackevents.CallbackEvent:
		innerEvent := event.InnerEvent
		switch ev := innerEvent.Data.(type) {
		case *slackevents.MessageEvent:
			// Ignore bot's own messages and message_changed subtypes.
			if ev.User == s.botUID || ev.User == "" {
				return
			}
			if ev.SubType != "" {
				return
			}

			s.logger.Info("slack message received",
				"user", ev.User,
				"channel", ev.Channel,
				"content_len", len(ev.Text),
			)

			s.rememberThread(ev.Channel, ev.ThreadTimeStamp, ev.TimeStamp)
			s.bus.Publish(domain.InboundMessage{
				Channel:   "slack",
				ChatID:    ev.Channel,
				SenderID:  ev.User,
				Content:   ev.Text,
				Timestamp: time.Now(),
			})

		case *slackevents.AppMentionEvent:
			s.logger.Info("slack mention received",
				"user", ev.User,
				"channel", ev.Channel,
			)

			// Strip the mention prefix.
			content := ev.Text
			if idx := strings.Index(content, ">"); idx >= 0 {
				content = strings.TrimSpace(content[idx+1:])
			}

			s.rememberThread(ev.Channel, ev.ThreadTimeStamp, ev.TimeStamp)
			s.bus.Publish(domain.InboundMessage{
				Channel:   "slack",
				ChatID:    ev.Channel,
				SenderID:  ev.User,
				Content:   content,
				Timestamp: time.Now(),
			})
		}
	}
}

// rememberThread records where the answer for this channel should go:
// the existing thread when the question was asked inside one, otherwise
// a new thread under the question itself.
func (s *Slack) rememberThread(channel, threadTS, ts string) {
	target := threadTS
	if target == "" {
		target = ts
	}
	s.threadsMu.Lock()
	s.threads[channel] = target
	s.threadsMu.Unlock()
}

func (s *Slack) handleSlashCommand(cmd slack.SlashCommand) {
	// A command named /ask carries the question itself; anything else
	// is forwarded by name for the relay command set.
	content := cmd.Command + " " + cmd.Text
	if strings.TrimPrefix(cmd.Command, "/") == "ask" {
		content = cmd.Text
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}

	s.logger.Info("slack slash command",
		"command", cmd.Command,
		"user", cmd.UserID,
		"channel", cmd.ChannelID,
	)

	// Slash commands have no message timestamp; the reply goes to the
	// channel top level.
	s.threadsMu.Lock()
	delete(s.threads, cmd.ChannelID)
	s.threadsMu.Unlock()

	s.bus.Publish(domain.InboundMessage{
		Channel:   "slack",
		ChatID:    cmd.ChannelID,
		SenderID:  cmd.UserID,
		Content:   content,
		Timestamp: time.Now(),
	})
}

func (s *Slack) sendMessage(channelID, threadTS, content string) {
	// Split long messages.
	chunks := splitSlackMessage(content, slackMaxMsgLen)
	for _, chunk := range chunks {
		opts := []slack.MsgOption{slack.MsgOptionText(chunk, false)}
		if threadTS != "" {
			opts = append(opts, slack.MsgOptionTS(threadTS))
		}
		_, _, err := s.client.PostMessage(channelID, opts...)
		if err != nil {
			s.logger.Error("slack send failed", "channel", channelID, "err", err)
		}
	}
}

func splitSlackMessage(msg string, maxLen int) []string {
	if len(msg) <= maxLen {
		return []string{msg}
	}

	var chunks []string
	for len(msg) > 0 {
		if len(msg) <= maxLen {
			chunks = append(chunks, msg)
			break
		}
		cut := maxLen
		if idx := strings.LastIndex(msg[:maxLen], "\n"); idx > maxLen/2 {
			cut = idx + 1
		}
		chunks = append(chunks, msg[:cut])
		msg = msg[cut:]
	}
	return chunks
}
