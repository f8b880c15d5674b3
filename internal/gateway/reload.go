package gateway

import (
	"encoding/json"
	"sort"
)

// Hot-reloadable top-level config paths. Everything else requires a
// restart. "providers" is special-cased: only providers.startupProbe is
// hot.
var hotPaths = map[string]bool{
	"health":         true,
	"controlApi":     true,
	"observability":  true,
	"restartPolicy":  true,
	"toolPolicy":     true,
	"providerRouter": true,
	"orchestration":  true,
}

// RejectedPath names one patch path that cannot be applied live.
type RejectedPath struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// ReloadResult reports a ReloadConfig call. OK is true only when every
// patched path was applied.
type ReloadResult struct {
	OK              bool           `json:"ok"`
	Applied         []string       `json:"applied"`
	Rejected        []RejectedPath `json:"rejected"`
	RestartRequired bool           `json:"restartRequired"`
}

// classifyPatch splits a config patch into hot and restart-required paths.
func classifyPatch(patch map[string]json.RawMessage) ReloadResult {
	res := ReloadResult{Applied: []string{}, Rejected: []RejectedPath{}}
	paths := make([]string, 0, len(patch))
	for p := range patch {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, path := range paths {
		switch {
		case hotPaths[path]:
			res.Applied = append(res.Applied, path)
		case path == "providers":
			res.Applied, res.Rejected = classifyProviders(patch[path], res.Applied, res.Rejected)
		default:
			res.Rejected = append(res.Rejected, RejectedPath{Path: path, Reason: "restart_required"})
		}
	}
	res.OK = len(res.Rejected) == 0
	res.RestartRequired = len(res.Rejected) > 0
	return res
}

func classifyProviders(raw json.RawMessage, applied []string, rejected []RejectedPath) ([]string, []RejectedPath) {
	var sub map[string]json.RawMessage
	if err := json.Unmarshal(raw, &sub); err != nil {
		return applied, append(rejected, RejectedPath{Path: "providers", Reason: "restart_required"})
	}
	keys := make([]string, 0, len(sub))
	for k := range sub {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "startupProbe" {
			applied = append(applied, "providers.startupProbe")
		} else {
			rejected = append(rejected, RejectedPath{Path: "providers." + k, Reason: "restart_required"})
		}
	}
	return applied, rejected
}
