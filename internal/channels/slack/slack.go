// Package slack bridges the Slack Events API to the swarm. Inbound
// events arrive over HTTP with signing-secret verification; outbound
// messages go through the Web API.
package slack

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/nextlevelbuilder/swarmgate/internal/channels"
	"github.com/nextlevelbuilder/swarmgate/internal/config"
	"github.com/nextlevelbuilder/swarmgate/internal/protocol"
	"github.com/nextlevelbuilder/swarmgate/internal/swarm"
)

const (
	maxEventBody     = 1 << 20
	signatureMaxSkew = 5 * time.Minute
	defaultAPIBase   = "https://slack.com/api"
)

// Channel handles Slack event callbacks and outbound replies.
type Channel struct {
	cfg     config.SlackConfig
	sw      *swarm.Manager
	dedupe  *channels.Dedupe
	log     *slog.Logger
	client  *http.Client
	apiBase string

	unsubscribe func()
	now         func() time.Time
}

func New(cfg config.SlackConfig, sw *swarm.Manager, dedupe *channels.Dedupe, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		cfg:     cfg,
		sw:      sw,
		dedupe:  dedupe,
		log:     logger.With("channel", "slack"),
		client:  &http.Client{Timeout: 15 * time.Second},
		apiBase: defaultAPIBase,
		now:     time.Now,
	}
}

func (c *Channel) Name() string { return protocol.ChannelSlack }

// RegisterRoutes mounts the events endpoint. Call before the HTTP
// server starts serving.
func (c *Channel) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/slack/events", c.handleEvents)
}

// Start subscribes the outbound renderer. The inbound path is HTTP
// push, so there is nothing to poll.
func (c *Channel) Start(ctx context.Context) error {
	c.unsubscribe = c.sw.Emitter().Subscribe(c.onSwarmEvent)
	return nil
}

func (c *Channel) Stop(ctx context.Context) error {
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	return nil
}

type eventEnvelope struct {
	Type      string     `json:"type"`
	Challenge string     `json:"challenge,omitempty"`
	EventID   string     `json:"event_id,omitempty"`
	TeamID    string     `json:"team_id,omitempty"`
	Event     innerEvent `json:"event,omitempty"`
}

type innerEvent struct {
	Type        string `json:"type"`
	Subtype     string `json:"subtype,omitempty"`
	BotID       string `json:"bot_id,omitempty"`
	User        string `json:"user,omitempty"`
	Text        string `json:"text,omitempty"`
	Channel     string `json:"channel,omitempty"`
	ChannelType string `json:"channel_type,omitempty"`
	TS          string `json:"ts,omitempty"`
	ThreadTS    string `json:"thread_ts,omitempty"`
}

// handleEvents is the Slack Events API endpoint: URL verification
// handshake plus signed event callbacks.
func (c *Channel) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}
	if !c.verifySignature(r.Header.Get("X-Slack-Request-Timestamp"), r.Header.Get("X-Slack-Signature"), body) {
		c.log.Warn("slack signature rejected")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var envelope eventEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	switch envelope.Type {
	case "url_verification":
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"challenge": envelope.Challenge})

	case "event_callback":
		// Ack immediately; Slack redelivers on slow responses.
		w.WriteHeader(http.StatusOK)
		go c.handleCallback(envelope)

	default:
		w.WriteHeader(http.StatusOK)
	}
}

// verifySignature checks the v0 HMAC-SHA256 request signature and
// bounds the timestamp skew against replay.
func (c *Channel) verifySignature(timestamp, signature string, body []byte) bool {
	if c.cfg.SigningSecret == "" {
		return true
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	skew := time.Duration(math.Abs(float64(c.now().Unix()-ts))) * time.Second
	if skew > signatureMaxSkew {
		return false
	}

	mac := hmac.New(sha256.New, []byte(c.cfg.SigningSecret))
	fmt.Fprintf(mac, "v0:%s:", timestamp)
	mac.Write(body)
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (c *Channel) handleCallback(envelope eventEnvelope) {
	ev := envelope.Event
	if ev.Type != "message" && ev.Type != "app_mention" {
		return
	}
	// Bot echoes and channel-join noise are not user messages.
	if ev.BotID != "" || ev.Subtype != "" || ev.Text == "" {
		return
	}

	key := channels.EventKey(envelope.EventID, ev.Type, ev.Channel, ev.TS)
	if seen, err := c.dedupe.Seen(key); err != nil {
		c.log.Warn("dedupe check failed", "error", err)
	} else if seen {
		return
	}

	threadTS := ev.ThreadTS
	if threadTS == "" {
		threadTS = ev.TS
	}
	sc := &protocol.SourceContext{
		Channel:              protocol.ChannelSlack,
		ChannelID:            ev.Channel,
		UserID:               ev.User,
		ThreadTS:             threadTS,
		ChannelType:          channelType(ev.ChannelType),
		TeamID:               envelope.TeamID,
		IntegrationProfileID: c.cfg.ProfileID,
	}
	err := c.sw.HandleUserMessage(context.Background(), swarm.UserMessageInput{
		Text:   ev.Text,
		Source: sc,
	})
	if err != nil {
		c.log.Error("routing slack message failed", "channel", ev.Channel, "error", err)
		c.postMessage(ev.Channel, threadTS, "⚠️ "+err.Error())
	}
}

// onSwarmEvent renders outbound conversation messages addressed to
// Slack back into their channel, threading when the source had one.
func (c *Channel) onSwarmEvent(ev swarm.Event) {
	if ev.Name != protocol.EntryConversationMessage {
		return
	}
	entry, ok := ev.Payload.(protocol.ConversationEntry)
	if !ok || entry.SourceContext == nil || entry.SourceContext.Channel != protocol.ChannelSlack {
		return
	}
	if entry.Role != protocol.RoleAssistant && entry.Role != protocol.RoleSystem {
		return
	}
	c.postMessage(entry.SourceContext.ChannelID, entry.SourceContext.ThreadTS, entry.Text)
}

func (c *Channel) postMessage(channel, threadTS, text string) {
	if channel == "" || text == "" {
		return
	}
	payload := map[string]string{"channel": channel, "text": text}
	if threadTS != "" {
		payload["thread_ts"] = threadTS
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}

	req, err := http.NewRequest(http.MethodPost, c.apiBase+"/chat.postMessage", bytes.NewReader(raw))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+c.cfg.BotToken)

	resp, err := c.client.Do(req)
	if err != nil {
		c.log.Error("slack post failed", "channel", channel, "error", err)
		return
	}
	defer resp.Body.Close()

	var result struct {
		OK    bool   `json:"ok"`
		Error string `json:"error,omitempty"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil || !result.OK {
		c.log.Error("slack post rejected", "channel", channel, "apiError", result.Error)
	}
}

// channelType maps Slack's channel_type to the source-context closed
// set. "im" is a direct message.
func channelType(t string) string {
	switch t {
	case "im":
		return "dm"
	case "channel", "group", "mpim":
		return t
	default:
		return ""
	}
}
