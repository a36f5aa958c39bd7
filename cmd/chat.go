package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/swarmgate/internal/config"
	"github.com/nextlevelbuilder/swarmgate/internal/protocol"
)

const chatLabelWidth = 10

func chatCmd() *cobra.Command {
	var (
		addr    string
		token   string
		agentID string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive terminal chat against a running gateway",
		Run: func(cmd *cobra.Command, args []string) {
			runChat(addr, token, agentID)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "gateway address (default from config)")
	cmd.Flags().StringVar(&token, "token", "", "gateway auth token (default from config)")
	cmd.Flags().StringVar(&agentID, "agent", "", "agent to subscribe to (default: primary manager)")
	return cmd
}

func runChat(addr, token, agentID string) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		cfg = config.Default()
	}
	if addr == "" {
		addr = fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
	}
	if token == "" {
		token = cfg.Gateway.Token
	}

	wsURL := url.URL{Scheme: "ws", Host: addr, Path: "/ws"}
	if token != "" {
		wsURL.RawQuery = url.Values{"token": {token}}.Encode()
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL.String(), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect %s failed: %v\n", addr, err)
		os.Exit(1)
	}
	defer conn.Close()

	sub := map[string]any{"type": protocol.CmdSubscribe}
	if agentID != "" {
		sub["agentId"] = agentID
	}
	if err := conn.WriteJSON(sub); err != nil {
		fmt.Fprintf(os.Stderr, "subscribe failed: %v\n", err)
		os.Exit(1)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				fmt.Fprintf(os.Stderr, "\nconnection closed: %v\n", err)
				return
			}
			printFrame(raw)
		}
	}()

	fmt.Fprintf(os.Stderr, "swarmgate chat (%s) — type \"exit\" to quit\n\n", addr)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}
		frame := map[string]any{
			"type":      protocol.CmdUserMessage,
			"text":      input,
			"requestId": uuid.NewString()[:8],
		}
		if err := conn.WriteJSON(frame); err != nil {
			fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
			break
		}
	}
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	<-done
}

// printFrame renders a server frame for the terminal. Frames without a
// chat-visible rendering are skipped.
func printFrame(raw []byte) {
	var frame map[string]any
	if err := json.Unmarshal(raw, &frame); err != nil {
		return
	}
	frameType, _ := frame["type"].(string)

	switch frameType {
	case protocol.EventReady:
		id, _ := frame["subscribedAgentId"].(string)
		printLabeled("ready", fmt.Sprintf("subscribed to %s", id))

	case protocol.EventConversationHistory:
		messages, _ := frame["messages"].([]any)
		for _, m := range messages {
			entry, ok := m.(map[string]any)
			if !ok {
				continue
			}
			printEntry(entry)
		}

	case protocol.EntryConversationMessage, protocol.EntryAgentMessage, protocol.EntryAgentToolCall:
		printEntry(frame)

	case protocol.EventAgentStatus:
		agentID, _ := frame["agentId"].(string)
		status, _ := frame["status"].(string)
		printLabeled("status", fmt.Sprintf("%s is %s", agentID, status))

	case protocol.EventConversationReset:
		printLabeled("status", "conversation reset")

	case protocol.EventError:
		code, _ := frame["code"].(string)
		message, _ := frame["message"].(string)
		printLabeled("error", fmt.Sprintf("%s: %s", code, message))
	}
}

func printEntry(entry map[string]any) {
	entryType, _ := entry["type"].(string)
	text, _ := entry["text"].(string)

	switch entryType {
	case protocol.EntryConversationMessage:
		role, _ := entry["role"].(string)
		printLabeled(role, text)
	case protocol.EntryAgentMessage:
		from, _ := entry["fromAgentId"].(string)
		to, _ := entry["toAgentId"].(string)
		printLabeled("agents", fmt.Sprintf("%s -> %s: %s", from, to, text))
	case protocol.EntryAgentToolCall:
		if phase, _ := entry["toolPhase"].(string); phase != "start" {
			return
		}
		name, _ := entry["toolName"].(string)
		printLabeled("tool", name)
	}
}

// printLabeled writes a fixed-width label column so multi-line output
// stays aligned regardless of label display width.
func printLabeled(label, text string) {
	padded := runewidth.FillRight(runewidth.Truncate(label, chatLabelWidth-1, "…"), chatLabelWidth)
	lines := strings.Split(text, "\n")
	fmt.Printf("%s%s\n", padded, lines[0])
	indent := strings.Repeat(" ", chatLabelWidth)
	for _, line := range lines[1:] {
		fmt.Printf("%s%s\n", indent, line)
	}
}
