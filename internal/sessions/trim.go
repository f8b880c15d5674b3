package sessions

import "unicode/utf8"

// HistoryPolicy caps history size. Zero values mean unlimited.
type HistoryPolicy struct {
	MaxMessages   int
	MaxCharacters int
}

// TrimReport describes what a trim removed.
type TrimReport struct {
	Trimmed           bool `json:"trimmed"`
	DroppedMessages   int  `json:"droppedMessages"`
	DroppedCharacters int  `json:"droppedCharacters"`
}

// TrimHistory drops the oldest user/assistant pairs until the record fits
// the policy. System messages, the last user message, and the most recent
// assistant message are never dropped, even when they alone exceed the
// budget.
func TrimHistory(rec *Record, policy HistoryPolicy) TrimReport {
	var report TrimReport
	if policy.MaxMessages <= 0 && policy.MaxCharacters <= 0 {
		return report
	}

	for overBudget(rec.History, policy) {
		i := oldestDroppable(rec.History)
		if i < 0 {
			break
		}
		drop := 1
		// A user message followed by its assistant reply goes as a pair.
		if rec.History[i].Role == RoleUser && i+1 < len(rec.History) &&
			rec.History[i+1].Role == RoleAssistant && droppable(rec.History, i+1) {
			drop = 2
		}
		for j := i; j < i+drop; j++ {
			report.DroppedMessages++
			report.DroppedCharacters += utf8.RuneCountInString(rec.History[j].Content)
		}
		rec.History = append(rec.History[:i], rec.History[i+drop:]...)
		report.Trimmed = true
	}
	return report
}

func overBudget(history []Message, policy HistoryPolicy) bool {
	if policy.MaxMessages > 0 && len(history) > policy.MaxMessages {
		return true
	}
	if policy.MaxCharacters > 0 && historyChars(history) > policy.MaxCharacters {
		return true
	}
	return false
}

func historyChars(history []Message) int {
	total := 0
	for _, m := range history {
		total += utf8.RuneCountInString(m.Content)
	}
	return total
}

// oldestDroppable returns the index of the oldest message that may be
// dropped, or -1 when everything left is protected.
func oldestDroppable(history []Message) int {
	for i := range history {
		if droppable(history, i) {
			return i
		}
	}
	return -1
}

func droppable(history []Message, i int) bool {
	msg := history[i]
	if msg.Role == RoleSystem {
		return false
	}
	if msg.Role == RoleUser && i == lastIndex(history, RoleUser) {
		return false
	}
	if msg.Role == RoleAssistant && i == lastIndex(history, RoleAssistant) {
		return false
	}
	return true
}

func lastIndex(history []Message, role string) int {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == role {
			return i
		}
	}
	return -1
}
