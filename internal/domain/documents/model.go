package documents

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/docvault/pkg/storageref"
)

var (
	ErrNotFound         = errors.New("document not found")
	ErrFileTooLarge     = errors.New("document exceeds upload size limit")
	ErrInvalidClass     = errors.New("unknown document class")
	ErrInvalidReference = errors.New("invalid storage reference")
	ErrInvalidUpload    = errors.New("invalid upload")
	// ErrIntegrity means the decrypted bytes do not match the stored digest.
	ErrIntegrity = errors.New("document integrity check failed")
)

// Class is one of the three document tables.
type Class string

const (
	ClassTemplate       Class = "template"
	ClassPatientConsent Class = "patient-consent"
	ClassInvestigation  Class = "investigation"
)

type classInfo struct {
	category    string
	table       string
	ownerColumn string
}

var classInfos = map[Class]classInfo{
	ClassTemplate:       {storageref.CategoryConsentTemplates, "consent_template_documents", "template_id"},
	ClassPatientConsent: {storageref.CategoryConsentPatients, "patient_consent_documents", "consent_id"},
	ClassInvestigation:  {storageref.CategoryInvestigations, "investigation_result_documents", "result_id"},
}

// Classes lists every class in lookup order.
var Classes = []Class{ClassTemplate, ClassPatientConsent, ClassInvestigation}

// ParseClass validates a class name taken from a request.
func ParseClass(s string) (Class, error) {
	c := Class(s)
	if _, ok := classInfos[c]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidClass, s)
	}
	return c, nil
}

func (c Class) Category() string    { return classInfos[c].category }
func (c Class) Table() string       { return classInfos[c].table }
func (c Class) OwnerColumn() string { return classInfos[c].ownerColumn }

// ClassForReference maps a reference to the class whose category it names.
func ClassForReference(ref string) (Class, bool) {
	category, ok := storageref.CategoryOf(ref)
	if !ok {
		return "", false
	}
	for _, c := range Classes {
		if c.Category() == category {
			return c, true
		}
	}
	return "", false
}

// EncryptedDocument is one stored document. Each owner has at most one.
type EncryptedDocument struct {
	Class       Class     `json:"class"`
	OwnerID     uuid.UUID `json:"owner_id"`
	Reference   string    `json:"reference"`
	Ciphertext  []byte    `json:"-"`
	DisplayName string    `json:"display_name"`
	ByteSize    int64     `json:"byte_size"`
	// ContentHash is the BLAKE3 digest of the plaintext; nil for rows
	// written before digests were recorded.
	ContentHash []byte    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Tier names the resolution step that produced a document.
type Tier int

const (
	TierExact Tier = iota + 1
	TierPrefix
	TierAlias
	TierSuffix
	TierSubstring
	TierLegacy
)

func (t Tier) String() string {
	switch t {
	case TierExact:
		return "exact"
	case TierAlias:
		return "alias"
	case TierPrefix:
		return "prefix"
	case TierSuffix:
		return "suffix"
	case TierSubstring:
		return "substring"
	case TierLegacy:
		return "legacy"
	default:
		return "unknown"
	}
}

// Resolved is the plaintext of a resolved document.
type Resolved struct {
	Bytes       []byte
	DisplayName string
	MIMEType    string
	// Reference is the stored reference that was served, or the requested one
	// for legacy files.
	Reference string
	Tier      Tier
}
