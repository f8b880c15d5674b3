package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/drostlabs/drost/internal/tools"
)

// CommandRequest is one slash-command submission from a channel or client.
type CommandRequest struct {
	SessionID string
	Command   string
}

// CommandResult reports dispatch. Handled=false means the input was not a
// command and should run as a normal turn.
type CommandResult struct {
	Handled   bool   `json:"handled"`
	OK        bool   `json:"ok"`
	Text      string `json:"text,omitempty"`
	Action    string `json:"action,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// Command actions surfaced to channel adapters.
const (
	ActionSwitchSession = "switch_session"
	ActionRestart       = "restart"
)

const helpText = `Commands:
/status            gateway and session status
/new [title]       start a fresh session continuing from this one
/provider [id]     show providers or queue a switch for next turn
/session           current session info
/sessions          list stored sessions
/tools             list available tools
/tool <name> [{}]  invoke a tool directly
/restart           request a gateway restart
/help              this help`

// DispatchCommand routes a /-prefixed input. Unknown commands are handled
// with a hint rather than leaking to the model.
func (r *Runtime) DispatchCommand(ctx context.Context, req CommandRequest) CommandResult {
	raw := strings.TrimSpace(req.Command)
	if !strings.HasPrefix(raw, "/") {
		return CommandResult{Handled: false}
	}
	fields := strings.Fields(raw)
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	switch cmd {
	case "/help":
		return CommandResult{Handled: true, OK: true, Text: helpText}
	case "/status":
		return r.cmdStatus(req.SessionID)
	case "/new":
		return r.cmdNew(req.SessionID, strings.Join(args, " "))
	case "/provider":
		return r.cmdProvider(req.SessionID, args)
	case "/session":
		return r.cmdSession(req.SessionID)
	case "/sessions":
		return r.cmdSessions()
	case "/tools":
		return r.cmdTools()
	case "/tool":
		return r.cmdTool(ctx, req.SessionID, args, raw)
	case "/restart":
		return r.cmdRestart(ctx, strings.Join(args, " "))
	default:
		return CommandResult{Handled: true, OK: false, Text: fmt.Sprintf("unknown command %s, try /help", cmd)}
	}
}

func (r *Runtime) cmdStatus(sessionID string) CommandResult {
	var b strings.Builder
	if r.gateway != nil {
		snap := r.gateway.StatusSnapshot()
		keys := make([]string, 0, len(snap))
		for k := range snap {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "%s: %v\n", k, snap[k])
		}
	}
	if sessionID != "" {
		if rec, _, err := r.store.Load(sessionID); err == nil {
			fmt.Fprintf(&b, "session: %s\nprovider: %s\nmessages: %d\n", rec.SessionID, rec.ActiveProviderID, len(rec.History))
			if rec.PendingProviderID != "" {
				fmt.Fprintf(&b, "pending provider: %s\n", rec.PendingProviderID)
			}
		}
	}
	for _, p := range r.providers.ProbeStatus() {
		state := "ok"
		if !p.OK {
			state = p.Code
		}
		fmt.Fprintf(&b, "probe %s: %s\n", p.ProviderID, state)
	}
	return CommandResult{Handled: true, OK: true, Text: strings.TrimRight(b.String(), "\n")}
}

func (r *Runtime) cmdNew(fromSessionID, title string) CommandResult {
	channel := "local"
	if fromSessionID != "" {
		if rec, _, err := r.store.Load(fromSessionID); err == nil && rec.Metadata.Origin != nil {
			channel = rec.Metadata.Origin.Channel
		}
	}
	id, err := r.CreateSession(CreateOptions{Channel: channel, Title: title, FromSessionID: fromSessionID})
	if err != nil {
		return CommandResult{Handled: true, OK: false, Text: "create session: " + err.Error()}
	}
	return CommandResult{
		Handled:   true,
		OK:        true,
		Text:      "started session " + id,
		Action:    ActionSwitchSession,
		SessionID: id,
	}
}

func (r *Runtime) cmdProvider(sessionID string, args []string) CommandResult {
	if len(args) == 0 {
		active := ""
		if rec, _, err := r.store.Load(sessionID); err == nil {
			active = rec.ActiveProviderID
		}
		var lines []string
		for _, id := range r.providers.ProviderIDs() {
			marker := "  "
			if id == active {
				marker = "* "
			}
			lines = append(lines, marker+id)
		}
		return CommandResult{Handled: true, OK: true, Text: "providers:\n" + strings.Join(lines, "\n")}
	}
	target := args[0]
	if err := r.QueueProviderSwitch(sessionID, target); err != nil {
		return CommandResult{Handled: true, OK: false, Text: err.Error()}
	}
	return CommandResult{Handled: true, OK: true, Text: fmt.Sprintf("provider %s takes effect next turn", target)}
}

func (r *Runtime) cmdSession(sessionID string) CommandResult {
	rec, _, err := r.store.Load(sessionID)
	if err != nil {
		return CommandResult{Handled: true, OK: false, Text: "load session: " + err.Error()}
	}
	text := fmt.Sprintf("session %s\nprovider %s\nmessages %d\nrevision %d\nlast activity %s",
		rec.SessionID, rec.ActiveProviderID, len(rec.History), rec.Revision,
		rec.Metadata.LastActivityAt.Format("2006-01-02 15:04:05 MST"))
	return CommandResult{Handled: true, OK: true, Text: text, SessionID: rec.SessionID}
}

func (r *Runtime) cmdSessions() CommandResult {
	entries, err := r.store.ListIndex()
	if err != nil {
		return CommandResult{Handled: true, OK: false, Text: "list sessions: " + err.Error()}
	}
	if len(entries) == 0 {
		return CommandResult{Handled: true, OK: true, Text: "no sessions"}
	}
	var lines []string
	for _, e := range entries {
		line := fmt.Sprintf("%s  %s  %d msgs", e.SessionID, e.ActiveProviderID, e.Messages)
		if e.Title != "" {
			line += "  " + e.Title
		}
		lines = append(lines, line)
	}
	return CommandResult{Handled: true, OK: true, Text: strings.Join(lines, "\n")}
}

func (r *Runtime) cmdTools() CommandResult {
	builtIn, custom := r.tools.Counts()
	text := fmt.Sprintf("%d built-in, %d discovered:\n%s", builtIn, custom, strings.Join(r.tools.Names(), "\n"))
	if diags := r.tools.Diagnostics(); len(diags) > 0 {
		var lines []string
		for _, d := range diags {
			lines = append(lines, fmt.Sprintf("%s: %s", d.Code, d.Message))
		}
		text += "\n\ndiagnostics:\n" + strings.Join(lines, "\n")
	}
	return CommandResult{Handled: true, OK: true, Text: text}
}

func (r *Runtime) cmdTool(ctx context.Context, sessionID string, args []string, raw string) CommandResult {
	if len(args) == 0 {
		return CommandResult{Handled: true, OK: false, Text: "usage: /tool <name> [json-input]"}
	}
	name := args[0]
	input := json.RawMessage("{}")
	if idx := strings.Index(raw, "{"); idx >= 0 {
		input = json.RawMessage(raw[idx:])
	}
	out := r.tools.Execute(ctx, name, input, &tools.Context{
		WorkspaceDir: r.cfg.WorkspaceDir,
		MutableRoots: r.cfg.ToolPolicy.MutableRoots,
		SessionID:    sessionID,
	})
	if !out.OK {
		return CommandResult{Handled: true, OK: false, Text: out.Content()}
	}
	return CommandResult{Handled: true, OK: true, Text: out.Content()}
}

func (r *Runtime) cmdRestart(ctx context.Context, reason string) CommandResult {
	if r.gateway == nil {
		return CommandResult{Handled: true, OK: false, Text: "restart unavailable"}
	}
	if reason == "" {
		reason = "requested via /restart"
	}
	ok, code, err := r.gateway.RequestSelfRestart(ctx, reason)
	if err != nil {
		return CommandResult{Handled: true, OK: false, Text: "restart: " + err.Error()}
	}
	if !ok {
		return CommandResult{Handled: true, OK: false, Text: "restart blocked: " + code, Action: ActionRestart}
	}
	return CommandResult{Handled: true, OK: true, Text: "restarting", Action: ActionRestart}
}
