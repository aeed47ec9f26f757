package state

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// CheckpointLog is a mapping from scope key (the literal "global" or an
// issue identifier) to an ordered list of CheckpointRecords. It preserves
// the order in which scopes first appeared on disk, because spec.md's
// Open Question (ii) resolves "most-recent-by-created_at" ties by
// insertion order, and Go's map type has no stable iteration order of its
// own — this type supplies one.
type CheckpointLog struct {
	order    []string
	scopes   map[string][]CheckpointRecord
	warnings []string
}

// NewCheckpointLog returns an empty log with a single "global" scope, the
// shape the Workspace Initializer creates.
func NewCheckpointLog() *CheckpointLog {
	return &CheckpointLog{
		order:  []string{"global"},
		scopes: map[string][]CheckpointRecord{"global": {}},
	}
}

// Scopes returns the scope keys in first-seen order.
func (l *CheckpointLog) Scopes() []string {
	return append([]string(nil), l.order...)
}

// Records returns the records for a scope, or nil if the scope is absent.
func (l *CheckpointLog) Records(scope string) []CheckpointRecord {
	return l.scopes[scope]
}

// Warnings returns one message per checkpoint record that failed to decode
// and was skipped during the most recent UnmarshalJSON, in scope/index
// order. Open Question (iii): a malformed record must not hide every other
// record in its scope, let alone the whole log — only that one record is
// dropped, and the caller is expected to log these.
func (l *CheckpointLog) Warnings() []string {
	return append([]string(nil), l.warnings...)
}

// Append adds rec to the named scope, creating the scope (at the end of
// the order) if it does not yet exist.
func (l *CheckpointLog) Append(scope string, rec CheckpointRecord) {
	if l.scopes == nil {
		l.scopes = make(map[string][]CheckpointRecord)
	}
	if _, ok := l.scopes[scope]; !ok {
		l.order = append(l.order, scope)
	}
	l.scopes[scope] = append(l.scopes[scope], rec)
}

// Replace overwrites the record at index i within scope.
func (l *CheckpointLog) Replace(scope string, i int, rec CheckpointRecord) error {
	records, ok := l.scopes[scope]
	if !ok || i < 0 || i >= len(records) {
		return fmt.Errorf("checkpointlog: no record at scope %q index %d", scope, i)
	}
	records[i] = rec
	l.scopes[scope] = records
	return nil
}

// MarshalJSON writes the log as a plain JSON object, in scope-insertion
// order, matching the on-disk shape {"global": [...], "issue-5": [...]}.
func (l *CheckpointLog) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, scope := range l.order {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(scope)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(l.scopes[scope])
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a checkpoint log object, recording scope order as
// encountered in the token stream so tie-breaking stays deterministic. A
// whole-file JSON syntax error (the document is not even a valid object, or
// a scope value is not an array) is still fatal to the caller, who treats
// the log as empty — but a single record within a scope that fails to
// unmarshal into CheckpointRecord (a type mismatch, e.g. a string
// "completed") is skipped and recorded in Warnings rather than discarding
// its scope, or the whole log. Matches common/state.py's tolerant per-entry
// reads, which never let one bad HITL entry hide every other one.
func (l *CheckpointLog) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("checkpointlog: expected JSON object")
	}

	order := make([]string, 0)
	scopes := make(map[string][]CheckpointRecord)
	var warnings []string

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("checkpointlog: expected string key")
		}

		var raw []json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("checkpointlog: decode scope %q: %w", key, err)
		}

		records := make([]CheckpointRecord, 0, len(raw))
		for i, entry := range raw {
			var rec CheckpointRecord
			if err := json.Unmarshal(entry, &rec); err != nil {
				warnings = append(warnings, fmt.Sprintf("scope %q index %d: %v", key, i, err))
				continue
			}
			records = append(records, rec)
		}

		if _, exists := scopes[key]; !exists {
			order = append(order, key)
		}
		scopes[key] = records
	}

	if _, err := dec.Token(); err != nil {
		return err
	}

	l.order = order
	l.scopes = scopes
	l.warnings = warnings
	return nil
}
