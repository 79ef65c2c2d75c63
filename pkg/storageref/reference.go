// Package storageref implements the storage reference naming convention shared
// by the upload path and the resolver:
//
//	<category>/<subcategory>/<label>-<unix-millis>-<9-digit-random>.<ext>
//
// References written before the encrypted-storage migration may carry a
// leading "uploads/" prefix; it is treated as equivalent to its absence.
package storageref

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// LegacyPrefix is the historical directory prefix some stored references carry.
const LegacyPrefix = "uploads/"

const legacyPrefixBackslash = `uploads\`

// Known categories. The set is fixed; references outside it can still be
// resolved but are never minted.
const (
	CategoryConsentTemplates = "consent-forms/templates"
	CategoryConsentPatients  = "consent-forms/patients"
	CategoryInvestigations   = "investigations"
)

// Categories lists the known categories in lookup order.
var Categories = []string{
	CategoryConsentTemplates,
	CategoryConsentPatients,
	CategoryInvestigations,
}

const randomDigits = 9

var (
	ErrUnknownCategory = errors.New("unknown storage category")
	ErrMalformed       = errors.New("malformed storage reference")
)

var (
	suffixTokenPattern = regexp.MustCompile(`(\d{10,13})-(\d{9})\.([A-Za-z0-9]+)$`)
	labelPattern       = regexp.MustCompile(`[^a-z0-9]+`)
	nameTemplate       = regexp.MustCompile(`^(?:consent-forms/templates|consent-forms/patients|investigations)/(?:[^/]+/)*([^/]+)-(\d{10,13})-(\d{9})\.([A-Za-z0-9]+)$`)
)

// Reference is a parsed storage reference.
type Reference struct {
	Legacy    bool // carried the uploads/ prefix
	Category  string
	Label     string
	Timestamp int64
	Random    string
	Ext       string
}

// String renders the reference without the legacy prefix.
func (r Reference) String() string {
	return fmt.Sprintf("%s/%s-%d-%s.%s", r.Category, r.Label, r.Timestamp, r.Random, r.Ext)
}

// SuffixToken returns the identity-bearing "<timestamp>-<random>.<ext>" part.
func (r Reference) SuffixToken() string {
	return fmt.Sprintf("%d-%s.%s", r.Timestamp, r.Random, r.Ext)
}

// New mints a reference for a freshly uploaded document. The timestamp is
// taken from now in Unix milliseconds and the random part is nine decimal
// digits from crypto/rand.
func New(category, label, fileName string, now time.Time) (string, error) {
	if !knownCategory(category) {
		return "", fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000_000))
	if err != nil {
		return "", fmt.Errorf("generate reference suffix: %w", err)
	}
	ref := Reference{
		Category:  category,
		Label:     Slug(label),
		Timestamp: now.UnixMilli(),
		Random:    fmt.Sprintf("%0*d", randomDigits, n.Int64()),
		Ext:       Extension(fileName),
	}
	return ref.String(), nil
}

// Parse splits a reference that follows the naming template. References that
// predate the template return ErrMalformed; callers fall back to token or
// substring matching for those.
func Parse(raw string) (Reference, error) {
	s, legacy := StripLegacyPrefix(strings.ReplaceAll(raw, `\`, "/"))
	m := nameTemplate.FindStringSubmatch(s)
	if m == nil {
		return Reference{}, fmt.Errorf("%w: %q", ErrMalformed, raw)
	}
	ts, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return Reference{}, fmt.Errorf("%w: timestamp: %v", ErrMalformed, err)
	}
	category := ""
	for _, c := range Categories {
		if strings.HasPrefix(s, c+"/") {
			category = c
			break
		}
	}
	// Keep any extra directory levels between the category and the file name.
	dir := path.Dir(s)
	if dir != category {
		category = dir
	}
	return Reference{
		Legacy:    legacy,
		Category:  category,
		Label:     m[1],
		Timestamp: ts,
		Random:    m[3],
		Ext:       m[4],
	}, nil
}

// MatchesTemplate reports whether ref follows the naming template and ends in
// token.
func MatchesTemplate(ref, token string) bool {
	r, err := Parse(ref)
	if err != nil {
		return false
	}
	return r.SuffixToken() == token
}

// TemplatePattern returns a regular expression matching the references
// MatchesTemplate accepts for token in their slash form. The syntax is shared
// by Go and Postgres, so stores can rank template matches in SQL.
func TemplatePattern(token string) string {
	cats := make([]string, len(Categories))
	for i, c := range Categories {
		cats[i] = regexp.QuoteMeta(c)
	}
	return `^(uploads/)?(` + strings.Join(cats, "|") + `)/([^/]+/)*[^/]+-` + regexp.QuoteMeta(token) + `$`
}

// SuffixToken extracts the trailing "<timestamp>-<random>.<ext>" token from the
// file name part of ref. ok is false when the file name carries no token.
func SuffixToken(ref string) (token string, ok bool) {
	name := FileName(ref)
	m := suffixTokenPattern.FindStringSubmatch(name)
	if m == nil {
		return "", false
	}
	// The token must start at a label boundary, not in the middle of digits.
	start := len(name) - len(m[0])
	if start > 0 && name[start-1] != '-' {
		return "", false
	}
	return m[0], true
}

// FileName returns the last path element of ref, treating both separators alike.
func FileName(ref string) string {
	s := strings.ReplaceAll(ref, `\`, "/")
	s = strings.TrimRight(s, "/")
	if i := strings.LastIndex(s, "/"); i >= 0 {
		return s[i+1:]
	}
	return s
}

// StripLegacyPrefix removes a leading "uploads/" or "uploads\" and reports
// whether one was present.
func StripLegacyPrefix(ref string) (string, bool) {
	switch {
	case strings.HasPrefix(ref, LegacyPrefix):
		return ref[len(LegacyPrefix):], true
	case strings.HasPrefix(ref, legacyPrefixBackslash):
		return ref[len(legacyPrefixBackslash):], true
	}
	return ref, false
}

// ToggleLegacyPrefix returns ref with the legacy prefix removed when it has
// one, or added when it does not.
func ToggleLegacyPrefix(ref string) string {
	if s, ok := StripLegacyPrefix(ref); ok {
		return s
	}
	return LegacyPrefix + ref
}

// CategoryOf returns the known category ref belongs to, ignoring the legacy
// prefix. ok is false for references outside the known set.
func CategoryOf(ref string) (string, bool) {
	s, _ := StripLegacyPrefix(strings.ReplaceAll(ref, `\`, "/"))
	for _, c := range Categories {
		if strings.HasPrefix(s, c+"/") {
			return c, true
		}
	}
	return "", false
}

// Slug lowercases label and reduces it to [a-z0-9-].
func Slug(label string) string {
	s := labelPattern.ReplaceAllString(strings.ToLower(label), "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return "document"
	}
	if len(s) > 64 {
		s = strings.TrimRight(s[:64], "-")
	}
	return s
}

// Extension returns the lowercased extension of fileName without the dot,
// or "bin" when there is none.
func Extension(fileName string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(FileName(fileName)), "."))
	if ext == "" || labelPattern.MatchString(ext) {
		return "bin"
	}
	return ext
}

func knownCategory(category string) bool {
	for _, c := range Categories {
		if c == category {
			return true
		}
	}
	return false
}
