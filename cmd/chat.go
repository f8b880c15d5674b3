package cmd

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/drostlabs/drost/internal/config"
	"github.com/drostlabs/drost/pkg/control"
)

func chatCmd() *cobra.Command {
	var (
		sessionID string
		message   string
		stream    bool
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the running gateway over the control API",
		Run: func(cmd *cobra.Command, args []string) {
			runChat(sessionID, message, stream)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (default: a new cli session)")
	cmd.Flags().StringVarP(&message, "message", "m", "", "send one message and exit")
	cmd.Flags().BoolVar(&stream, "events", false, "mirror the runtime event stream while chatting")
	return cmd
}

// chatClient talks to the control API with the configured bearer token.
type chatClient struct {
	base  string
	token string
	http  *http.Client
}

func newChatClient() *chatClient {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	cfg.ApplyEnvOverrides()

	host := cfg.ControlAPI.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return &chatClient{
		base:  fmt.Sprintf("http://%s:%d%s", host, cfg.ControlAPI.Port, control.APIPrefix),
		token: cfg.ControlAPI.AuthToken,
		http:  &http.Client{Timeout: 5 * time.Minute},
	}
}

func (c *chatClient) post(path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		var apiErr control.ErrorResponse
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (%s)", apiErr.Error, apiErr.Code)
		}
		return fmt.Errorf("%s: HTTP %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func runChat(sessionID, message string, stream bool) {
	client := newChatClient()

	if sessionID == "" {
		var created control.CreateSessionResponse
		if err := client.post("/sessions", control.CreateSessionRequest{Channel: "cli"}, &created); err != nil {
			fmt.Fprintf(os.Stderr, "create session: %v\n", err)
			os.Exit(1)
		}
		sessionID = created.SessionID
	}

	if stream {
		go client.mirrorEvents(sessionID)
	}

	send := func(input string) {
		var resp control.ChatSendResponse
		err := client.post("/chat/send", control.ChatSendRequest{SessionID: sessionID, Input: input}, &resp)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return
		}
		fmt.Printf("\n%s\n\n", wrapToTerminal(resp.Response))
	}

	if message != "" {
		send(message)
		return
	}

	fmt.Fprintf(os.Stderr, "drost chat (session %s)\n", sessionID)
	fmt.Fprintln(os.Stderr, `Type "exit" to quit, "/new" for a new session`)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(os.Stderr, "you: ")
		if !scanner.Scan() {
			return
		}
		input := strings.TrimSpace(scanner.Text())
		switch {
		case input == "":
			continue
		case input == "exit" || input == "quit":
			return
		case input == "/new":
			var created control.CreateSessionResponse
			if err := client.post("/sessions", control.CreateSessionRequest{Channel: "cli"}, &created); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				continue
			}
			sessionID = created.SessionID
			fmt.Fprintf(os.Stderr, "new session: %s\n\n", sessionID)
		default:
			send(input)
		}
	}
}

// mirrorEvents tails /events/ws and prints events for the chat session to
// stderr so the transcript on stdout stays clean.
func (c *chatClient) mirrorEvents(sessionID string) {
	wsURL := strings.Replace(c.base, "http://", "ws://", 1) + "/events/ws"
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		fmt.Fprintf(os.Stderr, "event stream unavailable: %v\n", err)
		return
	}
	defer conn.Close()
	for {
		var ev control.RuntimeEvent
		if err := conn.ReadJSON(&ev); err != nil {
			return
		}
		if sid, _ := ev.Attrs["sessionId"].(string); sid != "" && sid != sessionID {
			continue
		}
		fmt.Fprintf(os.Stderr, "[%s] %s\n", ev.Timestamp.Format("15:04:05"), ev.Type)
	}
}

// wrapToTerminal soft-wraps at 100 display columns, wide runes counted
// properly.
func wrapToTerminal(text string) string {
	const width = 100
	var out strings.Builder
	for i, line := range strings.Split(text, "\n") {
		if i > 0 {
			out.WriteByte('\n')
		}
		out.WriteString(runewidth.Wrap(line, width))
	}
	return out.String()
}
