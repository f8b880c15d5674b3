package events

// Folder accumulates delta chunks for one turn and computes the observable
// suffix after each merge. Emitted suffixes never shrink or repeat: their
// concatenation equals the merged text.
type Folder struct {
	merged  string
	emitted int
}

// Fold merges one incoming chunk and returns the net-new suffix to deliver
// downstream. Returns "" when the chunk added nothing observable.
func (f *Folder) Fold(incoming string) string {
	f.merged = Merge(f.merged, incoming)
	if len(f.merged) <= f.emitted {
		return ""
	}
	suffix := f.merged[f.emitted:]
	f.emitted = len(f.merged)
	return suffix
}

// Text returns the merged text so far.
func (f *Folder) Text() string { return f.merged }

// Reset clears the folder for reuse.
func (f *Folder) Reset() {
	f.merged = ""
	f.emitted = 0
}
