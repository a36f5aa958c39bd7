// Package telegram bridges a Telegram bot (long polling) to the swarm.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/swarmgate/internal/channels"
	"github.com/nextlevelbuilder/swarmgate/internal/config"
	"github.com/nextlevelbuilder/swarmgate/internal/protocol"
	"github.com/nextlevelbuilder/swarmgate/internal/swarm"
)

// Channel connects to Telegram via the Bot API using long polling.
type Channel struct {
	cfg    config.TelegramConfig
	sw     *swarm.Manager
	dedupe *channels.Dedupe
	log    *slog.Logger

	bot         *telego.Bot
	pollCancel  context.CancelFunc
	pollDone    chan struct{}
	unsubscribe func()
}

func New(cfg config.TelegramConfig, sw *swarm.Manager, dedupe *channels.Dedupe, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		cfg:    cfg,
		sw:     sw,
		dedupe: dedupe,
		log:    logger.With("channel", "telegram"),
	}
}

func (c *Channel) Name() string { return protocol.ChannelTelegram }

// Start connects the bot and begins long polling. Listening happens on
// a dedicated goroutine; Start returns once polling is established.
func (c *Channel) Start(ctx context.Context) error {
	bot, err := telego.NewBot(c.cfg.Token)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	c.bot = bot

	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	go func() {
		defer close(c.pollDone)
		for update := range updates {
			if update.Message == nil {
				continue
			}
			c.handleInbound(pollCtx, update.Message)
		}
	}()

	c.unsubscribe = c.sw.Emitter().Subscribe(c.onSwarmEvent)
	c.log.Info("telegram bot polling")
	return nil
}

func (c *Channel) Stop(ctx context.Context) error {
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	if c.pollCancel != nil {
		c.pollCancel()
		select {
		case <-c.pollDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// handleInbound filters, dedupes and routes one Telegram message into
// the swarm as a user message.
func (c *Channel) handleInbound(ctx context.Context, msg *telego.Message) {
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if text == "" || msg.From == nil {
		return
	}
	if !senderAllowed(c.cfg.AllowFrom, msg.From) {
		c.log.Debug("sender not allowed", "user", msg.From.ID)
		return
	}

	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	key := channels.EventKey("", "message",
		protocol.ChannelTelegram, fmt.Sprintf("%s:%d", chatID, msg.MessageID))
	if seen, err := c.dedupe.Seen(key); err != nil {
		c.log.Warn("dedupe check failed", "error", err)
	} else if seen {
		return
	}

	sc := &protocol.SourceContext{
		Channel:              protocol.ChannelTelegram,
		ChannelID:            chatID,
		UserID:               strconv.FormatInt(msg.From.ID, 10),
		ChannelType:          chatType(msg.Chat.Type),
		IntegrationProfileID: c.cfg.ProfileID,
	}
	err := c.sw.HandleUserMessage(ctx, swarm.UserMessageInput{
		Text:   text,
		Source: sc,
	})
	if err != nil {
		c.log.Error("routing telegram message failed", "chat", chatID, "error", err)
		c.reply(ctx, msg.Chat.ID, "⚠️ "+err.Error())
	}
}

// onSwarmEvent renders outbound conversation messages addressed to
// Telegram back into their chat.
func (c *Channel) onSwarmEvent(ev swarm.Event) {
	if ev.Name != protocol.EntryConversationMessage {
		return
	}
	entry, ok := ev.Payload.(protocol.ConversationEntry)
	if !ok || entry.SourceContext == nil || entry.SourceContext.Channel != protocol.ChannelTelegram {
		return
	}
	if entry.Role != protocol.RoleAssistant && entry.Role != protocol.RoleSystem {
		return
	}
	chatID, err := strconv.ParseInt(entry.SourceContext.ChannelID, 10, 64)
	if err != nil {
		c.log.Warn("bad telegram channel id", "channelId", entry.SourceContext.ChannelID)
		return
	}
	c.reply(context.Background(), chatID, entry.Text)
}

func (c *Channel) reply(ctx context.Context, chatID int64, text string) {
	if c.bot == nil || text == "" {
		return
	}
	if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text)); err != nil {
		c.log.Error("telegram send failed", "chat", chatID, "error", err)
	}
}

// senderAllowed matches the sender's id or username against the
// allowlist. An empty allowlist accepts everyone.
func senderAllowed(allowFrom []string, from *telego.User) bool {
	if len(allowFrom) == 0 {
		return true
	}
	id := strconv.FormatInt(from.ID, 10)
	for _, allowed := range allowFrom {
		if allowed == id || (from.Username != "" && allowed == from.Username) ||
			(from.Username != "" && allowed == "@"+from.Username) {
			return true
		}
	}
	return false
}

func chatType(t string) string {
	if t == "private" {
		return "dm"
	}
	return "group"
}
