package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/drostlabs/drost/internal/config"
)

// RestartExitCode is the sentinel exit status asking the supervising
// process to relaunch the gateway.
const RestartExitCode = 42

// maxHistoryRecords bounds the persisted restart history.
const maxHistoryRecords = 50

// Restart intents.
const (
	IntentManual       = "manual"
	IntentSelfMod      = "self_mod"
	IntentConfigChange = "config_change"
	IntentSignal       = "signal"
)

// Restart block codes.
const (
	BlockApprovalRequired    = "approval_required"
	BlockApprovalDenied      = "approval_denied"
	BlockBudgetExceeded      = "budget_exceeded"
	BlockGitCheckpointFailed = "git_checkpoint_failed"
)

// RestartRequest asks the supervisor to restart the process.
type RestartRequest struct {
	Intent string `json:"intent"`
	Reason string `json:"reason,omitempty"`
	DryRun bool   `json:"dryRun,omitempty"`
}

// RestartDecision is the policy outcome. OK=false carries a block code.
type RestartDecision struct {
	OK     bool   `json:"ok"`
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
	DryRun bool   `json:"dryRun,omitempty"`
}

// ApprovalGate decides whether a restart may proceed. Pluggable; the
// default gate approves per config.restartPolicy.approval.mode.
type ApprovalGate func(req RestartRequest) (approved bool, code string)

type restartRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Intent    string    `json:"intent"`
	Reason    string    `json:"reason,omitempty"`
}

type restartHistory struct {
	Version  int             `json:"version"`
	Restarts []restartRecord `json:"restarts"`
}

// restartPolicy evaluates restart requests against the approval gate, the
// intent budget, and the optional git checkpoint, and persists history.
type restartPolicy struct {
	cfg          config.RestartPolicyConfig
	workspaceDir string
	historyPath  string
	approve      ApprovalGate

	mu      sync.Mutex
	history restartHistory
}

func newRestartPolicy(cfg config.RestartPolicyConfig, workspaceDir, dataDir string, gate ApprovalGate) *restartPolicy {
	p := &restartPolicy{
		cfg:          cfg,
		workspaceDir: workspaceDir,
		historyPath:  filepath.Join(dataDir, "restart-history.json"),
		approve:      gate,
	}
	if p.approve == nil {
		p.approve = p.defaultGate
	}
	return p
}

func (p *restartPolicy) defaultGate(req RestartRequest) (bool, string) {
	switch p.cfg.Approval.Mode {
	case "", "auto":
		return true, ""
	case "deny":
		return false, BlockApprovalDenied
	default:
		return false, BlockApprovalRequired
	}
}

// load restores history; a missing or corrupt file starts fresh.
func (p *restartPolicy) load() {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, err := os.ReadFile(p.historyPath)
	if err != nil {
		p.history = restartHistory{Version: 1}
		return
	}
	if err := json.Unmarshal(data, &p.history); err != nil {
		p.history = restartHistory{Version: 1}
	}
}

// evaluate runs the decision chain without committing anything.
func (p *restartPolicy) evaluate(req RestartRequest) RestartDecision {
	if approved, code := p.approve(req); !approved {
		if code == "" {
			code = BlockApprovalDenied
		}
		return RestartDecision{OK: false, Code: code, Reason: "approval gate rejected restart", DryRun: req.DryRun}
	}
	if !p.withinBudget(req.Intent) {
		return RestartDecision{
			OK:     false,
			Code:   BlockBudgetExceeded,
			Reason: fmt.Sprintf("restart budget exhausted: %d per %dms", p.cfg.Budget.MaxRestarts, p.cfg.Budget.WindowMs),
			DryRun: req.DryRun,
		}
	}
	return RestartDecision{OK: true, DryRun: req.DryRun}
}

func (p *restartPolicy) withinBudget(intent string) bool {
	b := p.cfg.Budget
	if b.MaxRestarts <= 0 || b.WindowMs <= 0 {
		return true
	}
	if !p.budgeted(intent) {
		return true
	}
	cutoff := time.Now().Add(-time.Duration(b.WindowMs) * time.Millisecond)
	p.mu.Lock()
	defer p.mu.Unlock()
	recent := 0
	for _, r := range p.history.Restarts {
		if r.Timestamp.After(cutoff) && p.budgeted(r.Intent) {
			recent++
		}
	}
	return recent < b.MaxRestarts
}

// budgeted reports whether records of this intent count against the budget.
func (p *restartPolicy) budgeted(intent string) bool {
	if len(p.cfg.Budget.Intents) == 0 {
		return true
	}
	for _, i := range p.cfg.Budget.Intents {
		if i == intent {
			return true
		}
	}
	return false
}

// checkpoint commits the workspace when git checkpointing is enabled.
func (p *restartPolicy) checkpoint(ctx context.Context, reason string) error {
	if !p.cfg.GitCheckpoint.Enabled {
		return nil
	}
	msg := "checkpoint before restart"
	if reason != "" {
		msg += ": " + reason
	}
	add := exec.CommandContext(ctx, "git", "add", "-A")
	add.Dir = p.workspaceDir
	if out, err := add.CombinedOutput(); err != nil {
		return fmt.Errorf("git add: %v: %s", err, out)
	}
	commit := exec.CommandContext(ctx, "git", "commit", "--allow-empty", "-m", msg)
	commit.Dir = p.workspaceDir
	if out, err := commit.CombinedOutput(); err != nil {
		return fmt.Errorf("git commit: %v: %s", err, out)
	}
	return nil
}

// record persists one executed restart into the history file.
func (p *restartPolicy) record(req RestartRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history.Version = 1
	p.history.Restarts = append(p.history.Restarts, restartRecord{
		Timestamp: time.Now().UTC(),
		Intent:    req.Intent,
		Reason:    req.Reason,
	})
	if n := len(p.history.Restarts); n > maxHistoryRecords {
		p.history.Restarts = append([]restartRecord(nil), p.history.Restarts[n-maxHistoryRecords:]...)
	}
	data, err := json.MarshalIndent(p.history, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p.historyPath), 0o755); err != nil {
		return err
	}
	tmp := p.historyPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, p.historyPath)
}
