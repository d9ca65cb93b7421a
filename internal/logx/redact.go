package logx

import (
	"strings"
	"sync"
	"sync/atomic"

	aho "github.com/petar-dambovaliev/aho-corasick"
)

// Redacted replaces every registered secret in log output.
const Redacted = "[REDACTED]"

type redactor struct {
	matcher aho.AhoCorasick
}

var (
	secretsMu sync.Mutex
	secrets   = map[string]struct{}{}
	active    atomic.Pointer[redactor]
)

// RegisterSecrets adds values that must never appear in log output, such as
// the master key, admin token, or decrypted third-party tokens. Empty values
// are ignored.
func RegisterSecrets(values ...string) {
	secretsMu.Lock()
	defer secretsMu.Unlock()

	changed := false
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := secrets[v]; ok {
			continue
		}
		secrets[v] = struct{}{}
		changed = true
	}
	if !changed {
		return
	}

	patterns := make([]string, 0, len(secrets))
	for s := range secrets {
		patterns = append(patterns, s)
	}
	builder := aho.NewAhoCorasickBuilder(aho.Opts{MatchKind: aho.LeftMostLongestMatch})
	m := builder.Build(patterns)
	active.Store(&redactor{matcher: m})
}

// ResetSecrets forgets every registered secret.
func ResetSecrets() {
	secretsMu.Lock()
	defer secretsMu.Unlock()
	secrets = map[string]struct{}{}
	active.Store(nil)
}

// Redact returns s with every registered secret replaced by Redacted.
func Redact(s string) string {
	r := active.Load()
	if r == nil || s == "" {
		return s
	}

	matches := r.matcher.FindAll(s)
	if len(matches) == 0 {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	pos := 0
	for _, m := range matches {
		start, end := m.Start(), m.End()
		if start < pos {
			continue
		}
		b.WriteString(s[pos:start])
		b.WriteString(Redacted)
		pos = end
	}
	b.WriteString(s[pos:])
	return b.String()
}
