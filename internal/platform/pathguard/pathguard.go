// Package pathguard confines untrusted relative paths to a base directory.
//
// Validate never touches the filesystem. It percent-decodes the input on a
// best-effort basis, rejects null bytes and parent-directory sequences in the
// raw and decoded forms, normalizes the remainder, and accepts the result only
// when two independent containment checks agree that it lies under the base.
package pathguard

import (
	"net/url"
	"path/filepath"
	"strings"
)

// maxDecodeRounds bounds repeated percent-decoding used for the traversal and
// null byte scans, so double and triple encoded payloads are caught.
const maxDecodeRounds = 3

// Kind classifies why a path was refused.
type Kind uint8

const (
	// KindEmpty is returned for an empty input.
	KindEmpty Kind = iota + 1
	// KindNullByte is returned when the input carries a NUL in any decoded form.
	KindNullByte
	// KindTraversal is returned when the input would escape the base directory.
	KindTraversal
	// KindBaseUnresolvable is returned when the base directory itself cannot
	// be made absolute. This is an environment failure, not bad input.
	KindBaseUnresolvable
)

func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindNullByte:
		return "null_byte"
	case KindTraversal:
		return "traversal"
	case KindBaseUnresolvable:
		return "base_unresolvable"
	default:
		return "unknown"
	}
}

// Violation is the failure variant of a Result.
type Violation struct {
	Kind   Kind
	Detail string
}

func (v *Violation) Error() string {
	switch v.Kind {
	case KindEmpty:
		return "file path must be a non-empty string"
	case KindNullByte:
		return "file path contains a null byte"
	case KindTraversal:
		return "path traversal detected: " + v.Detail
	case KindBaseUnresolvable:
		return "base directory cannot be resolved: " + v.Detail
	default:
		return "invalid file path"
	}
}

// Blocked reports whether the violation is an attempted escape rather than
// merely malformed input. Blocked attempts are security events.
func (v *Violation) Blocked() bool {
	return v.Kind == KindTraversal
}

// Result is either a validated absolute path or a Violation, never both.
type Result struct {
	// Path is the absolute, cleaned path under the base directory.
	Path      string
	Violation *Violation
}

// OK reports whether the path was accepted.
func (r Result) OK() bool { return r.Violation == nil }

// Err returns the violation as an error, or nil when the path was accepted.
func (r Result) Err() error {
	if r.Violation == nil {
		return nil
	}
	return r.Violation
}

func refuse(kind Kind, detail string) Result {
	return Result{Violation: &Violation{Kind: kind, Detail: detail}}
}

// Validate resolves raw against baseDir and returns the absolute path only if
// it stays inside baseDir. A path equal to baseDir is accepted.
func Validate(raw, baseDir string) Result {
	if raw == "" {
		return refuse(KindEmpty, "")
	}

	decoded, err := url.PathUnescape(raw)
	if err != nil {
		// Decoding is best effort; continue with the raw string.
		decoded = raw
	}

	for _, form := range decodedForms(raw) {
		if strings.ContainsRune(form, 0) {
			return refuse(KindNullByte, "")
		}
		if hasParentSequence(form) {
			return refuse(KindTraversal, "parent directory sequence")
		}
	}

	base, err := filepath.Abs(baseDir)
	if err != nil {
		return refuse(KindBaseUnresolvable, err.Error())
	}

	normalized := filepath.Clean(filepath.FromSlash(strings.ReplaceAll(decoded, `\`, "/")))

	var candidate string
	if filepath.IsAbs(normalized) {
		candidate = normalized
	} else {
		candidate = filepath.Join(base, normalized)
	}

	rel, err := filepath.Rel(base, candidate)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return refuse(KindTraversal, "resolves outside base directory")
	}

	if candidate != base && !strings.HasPrefix(candidate, base+string(filepath.Separator)) {
		return refuse(KindTraversal, "not under base directory")
	}

	return Result{Path: candidate}
}

// decodedForms returns raw followed by each successive percent-decoding of it,
// stopping when decoding fails or no longer changes the string.
func decodedForms(raw string) []string {
	forms := []string{raw}
	cur := raw
	for i := 0; i < maxDecodeRounds; i++ {
		next, err := url.PathUnescape(cur)
		if err != nil || next == cur {
			break
		}
		forms = append(forms, next)
		cur = next
	}
	return forms
}

// hasParentSequence reports whether s contains "../" or "..\" anywhere, or
// ends in "..". Names such as "foo../bar" are refused along with real
// parent segments.
func hasParentSequence(s string) bool {
	return strings.Contains(s, "../") ||
		strings.Contains(s, `..\`) ||
		strings.HasSuffix(s, "..")
}
