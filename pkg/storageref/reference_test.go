package storageref

import (
	"regexp"
	"strings"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	pattern := regexp.MustCompile(`^investigations/blood-panel-1700000000000-\d{9}\.pdf$`)

	for i := 0; i < 20; i++ {
		ref, err := New(CategoryInvestigations, "Blood Panel!", "Report.PDF", now)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !pattern.MatchString(ref) {
			t.Fatalf("reference %q does not follow the naming convention", ref)
		}
	}
}

func TestNew_UnknownCategory(t *testing.T) {
	if _, err := New("radiology", "x", "x.pdf", time.Now()); err == nil {
		t.Fatal("expected error for unknown category")
	}
}

func TestParse(t *testing.T) {
	t.Run("plain", func(t *testing.T) {
		r, err := Parse("consent-forms/patients/consent-1700000000000-000000042.pdf")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if r.Legacy {
			t.Error("expected non-legacy reference")
		}
		if r.Category != CategoryConsentPatients {
			t.Errorf("category = %q", r.Category)
		}
		if r.Label != "consent" || r.Timestamp != 1700000000000 || r.Random != "000000042" || r.Ext != "pdf" {
			t.Errorf("unexpected parse result: %+v", r)
		}
		if r.String() != "consent-forms/patients/consent-1700000000000-000000042.pdf" {
			t.Errorf("String() = %q", r.String())
		}
	})

	t.Run("legacy prefix", func(t *testing.T) {
		r, err := Parse("uploads/investigations/result-1700000000000-123456789.pdf")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !r.Legacy {
			t.Error("expected legacy flag")
		}
		if r.String() != "investigations/result-1700000000000-123456789.pdf" {
			t.Errorf("String() = %q", r.String())
		}
	})

	t.Run("outside template", func(t *testing.T) {
		if _, err := Parse("misc/scan.pdf"); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestSuffixToken(t *testing.T) {
	tests := []struct {
		ref   string
		token string
		ok    bool
	}{
		{"investigations/result-1700000000000-123456789.pdf", "1700000000000-123456789.pdf", true},
		{"some/other/dir/result-1700000000000-123456789.pdf", "1700000000000-123456789.pdf", true},
		{`uploads\investigations\a-1700000000000-123456789.PNG`, "1700000000000-123456789.PNG", true},
		{"1700000000000-123456789.pdf", "1700000000000-123456789.pdf", true},
		{"investigations/result.pdf", "", false},
		{"investigations/result-1700000000000-12345.pdf", "", false},
		{"investigations/x91700000000000-123456789.pdf", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			token, ok := SuffixToken(tt.ref)
			if ok != tt.ok || token != tt.token {
				t.Errorf("SuffixToken(%q) = %q, %v; want %q, %v", tt.ref, token, ok, tt.token, tt.ok)
			}
		})
	}
}

func TestLegacyPrefix(t *testing.T) {
	if s, ok := StripLegacyPrefix("uploads/investigations/a.pdf"); !ok || s != "investigations/a.pdf" {
		t.Errorf("strip forward slash: %q %v", s, ok)
	}
	if s, ok := StripLegacyPrefix(`uploads\investigations\a.pdf`); !ok || s != `investigations\a.pdf` {
		t.Errorf("strip backslash: %q %v", s, ok)
	}
	if _, ok := StripLegacyPrefix("investigations/a.pdf"); ok {
		t.Error("expected no prefix")
	}
	if got := ToggleLegacyPrefix("investigations/a.pdf"); got != "uploads/investigations/a.pdf" {
		t.Errorf("toggle add = %q", got)
	}
	if got := ToggleLegacyPrefix("uploads/investigations/a.pdf"); got != "investigations/a.pdf" {
		t.Errorf("toggle remove = %q", got)
	}
}

func TestCategoryOf(t *testing.T) {
	if c, ok := CategoryOf("uploads/consent-forms/templates/a.pdf"); !ok || c != CategoryConsentTemplates {
		t.Errorf("got %q %v", c, ok)
	}
	if _, ok := CategoryOf("consent-forms/other/a.pdf"); ok {
		t.Error("expected unknown category")
	}
}

func TestMatchesTemplate(t *testing.T) {
	token := "1700000000000-123456789.pdf"
	if !MatchesTemplate("investigations/result-"+token, token) {
		t.Error("expected template match")
	}
	if MatchesTemplate("archive/result-"+token, token) {
		t.Error("unexpected template match outside known categories")
	}
}

func TestTemplatePattern(t *testing.T) {
	token := "1700000000000-123456789.pdf"
	re := regexp.MustCompile(TemplatePattern(token))
	for _, ref := range []string{
		"investigations/result-" + token,
		"uploads/investigations/result-" + token,
		"consent-forms/patients/2024/signed-" + token,
		"archive/result-" + token,
		"investigations/" + token,
		"investigations/result-1700000000000-123456789xpdf",
		"investigations/result-" + token + ".bak",
	} {
		if got, want := re.MatchString(ref), MatchesTemplate(ref, token); got != want {
			t.Errorf("%q: pattern match %v, MatchesTemplate %v", ref, got, want)
		}
	}
}

func TestSlugAndExtension(t *testing.T) {
	if got := Slug("  Informed Consent (v2) "); got != "informed-consent-v2" {
		t.Errorf("Slug = %q", got)
	}
	if got := Slug("!!!"); got != "document" {
		t.Errorf("Slug of punctuation = %q", got)
	}
	if got := Slug(strings.Repeat("a", 100)); len(got) != 64 {
		t.Errorf("Slug length = %d", len(got))
	}
	if got := Extension("scan.JPEG"); got != "jpeg" {
		t.Errorf("Extension = %q", got)
	}
	if got := Extension("noext"); got != "bin" {
		t.Errorf("Extension = %q", got)
	}
}

func TestMIMEType(t *testing.T) {
	tests := map[string]string{
		"investigations/a-1700000000000-123456789.pdf": "application/pdf",
		"scan.JPG":     "image/jpeg",
		"study.dcm":    "application/dicom",
		"unknown.abcd": DefaultMIMEType,
		"noext":        DefaultMIMEType,
	}
	for name, want := range tests {
		if got := MIMEType(name); got != want {
			t.Errorf("MIMEType(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestExtensionFor(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"application/pdf", "pdf", true},
		{"image/jpeg", "jpg", true},
		{"image/tiff", "tif", true},
		{"text/plain; charset=utf-8", "txt", true},
		{" IMAGE/PNG ", "png", true},
		{"application/x-unknown", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := ExtensionFor(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ExtensionFor(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
