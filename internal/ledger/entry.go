// Package ledger implements the content-addressed Task Ledger of
// spec.md §4.2: a cross-run record of task fingerprints and their
// outcomes, used to decide whether a task's work can be reused instead
// of re-run. Grounded on the teacher's internal/persistence SQLiteStore
// (BEGIN IMMEDIATE transactions, ON CONFLICT upserts) repurposed from a
// task/session store into a fingerprint -> outcome ledger; the
// SQLite serializable transaction doubles as the per-project advisory
// lock spec.md §4.2 requires for ledger upserts.
package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"github.com/aristath/taskrunner/internal/scheduler"
)

// Manifest is the canonical, order-independent description of a task's
// declared inputs, used to compute its fingerprint. Field names are
// deliberately lowercase/short: they are serialized verbatim into the
// canonical JSON that gets hashed, so renaming a field changes every
// fingerprint ever computed. Fields are declared in the lexicographic
// order of their JSON keys, which is the order encoding/json emits.
type Manifest struct {
	DependsOn []string `json:"deps"`
	Prompt    string   `json:"prompt"`
	Reads     []string `json:"reads"`
	AgentRole string   `json:"role"`
	Writes    []string `json:"writes"`
}

// Fingerprint deterministically hashes a task's manifest and spec bytes
// per spec.md §4.2: the manifest is rendered as canonical
// (key-sorted) JSON, the spec bytes are CRLF-normalized to LF, and the
// two are concatenated with a separator before SHA-256.
func Fingerprint(m Manifest, specBytes []byte) (string, error) {
	norm := Manifest{
		AgentRole: m.AgentRole,
		Prompt:    m.Prompt,
		Reads:     sortedCopy(m.Reads),
		Writes:    sortedCopy(m.Writes),
		DependsOn: sortedCopy(m.DependsOn),
	}

	canon, err := canonicalJSON(norm)
	if err != nil {
		return "", err
	}

	normalizedSpec := bytes.ReplaceAll(specBytes, []byte("\r\n"), []byte("\n"))

	h := sha256.New()
	h.Write(canon)
	h.Write([]byte{0})
	h.Write(normalizedSpec)

	return hex.EncodeToString(h.Sum(nil)), nil
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

// canonicalJSON marshals v with map keys sorted. encoding/json already
// sorts map keys; Manifest has none, so this reduces to a plain
// marshal, but the helper exists so a future manifest field that is a
// map stays canonical without re-deriving this rule.
func canonicalJSON(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// FingerprintForTask builds a Manifest from a task's catalog spec and
// fingerprints it. This is the fingerprintFn shape ImportFromRun and
// reuse lookups pass around, kept as a named function so both callers
// derive the manifest identically.
func FingerprintForTask(t scheduler.TaskSpec) (string, error) {
	m := Manifest{
		AgentRole: t.AgentRole,
		Prompt:    t.Prompt,
		Reads:     t.Files.Reads,
		Writes:    t.Files.Writes,
		DependsOn: t.DependsOn,
	}
	return Fingerprint(m, t.Spec)
}

// Key is a stable, human-inspectable rendering of the parts that went
// into a fingerprint, used only for log messages.
func (m Manifest) Key() string {
	return strings.Join([]string{
		m.AgentRole,
		strings.Join(sortedCopy(m.Reads), ","),
		strings.Join(sortedCopy(m.Writes), ","),
		strings.Join(sortedCopy(m.DependsOn), ","),
	}, "|")
}
