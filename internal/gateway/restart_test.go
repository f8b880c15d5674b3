package gateway

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/drostlabs/drost/internal/config"
)

func testPolicy(t *testing.T, cfg config.RestartPolicyConfig) *restartPolicy {
	t.Helper()
	dir := t.TempDir()
	p := newRestartPolicy(cfg, dir, dir, nil)
	p.load()
	return p
}

func TestRecordBoundsHistory(t *testing.T) {
	p := testPolicy(t, config.RestartPolicyConfig{})
	for i := 0; i < maxHistoryRecords+10; i++ {
		if err := p.record(RestartRequest{Intent: IntentManual}); err != nil {
			t.Fatal(err)
		}
	}

	if got := len(p.history.Restarts); got != maxHistoryRecords {
		t.Errorf("in-memory history = %d records, want %d", got, maxHistoryRecords)
	}

	data, err := os.ReadFile(p.historyPath)
	if err != nil {
		t.Fatal(err)
	}
	var persisted restartHistory
	if err := json.Unmarshal(data, &persisted); err != nil {
		t.Fatal(err)
	}
	if got := len(persisted.Restarts); got != maxHistoryRecords {
		t.Errorf("persisted history = %d records, want %d", got, maxHistoryRecords)
	}
}

func TestBudgetCountsOnlyBudgetedIntents(t *testing.T) {
	p := testPolicy(t, config.RestartPolicyConfig{
		Budget: config.RestartBudget{
			MaxRestarts: 1,
			WindowMs:    3_600_000,
			Intents:     []string{IntentSelfMod},
		},
	})
	p.history.Restarts = []restartRecord{
		{Timestamp: time.Now().UTC(), Intent: IntentManual},
	}

	// A recent manual restart must not consume the self_mod budget.
	if !p.withinBudget(IntentSelfMod) {
		t.Error("self_mod blocked by an unbudgeted manual record")
	}

	if err := p.record(RestartRequest{Intent: IntentSelfMod}); err != nil {
		t.Fatal(err)
	}
	if p.withinBudget(IntentSelfMod) {
		t.Error("self_mod allowed past an exhausted budget")
	}
	// Intents outside the budget list stay unconstrained.
	if !p.withinBudget(IntentManual) {
		t.Error("manual restart blocked by a self_mod-scoped budget")
	}
}
