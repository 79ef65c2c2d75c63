package documents

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/docvault/internal/platform/fetch"
	"github.com/ehr/docvault/internal/platform/hipaa"
	"github.com/ehr/docvault/internal/platform/middleware"
	"github.com/ehr/docvault/internal/platform/pathguard"
	"github.com/ehr/docvault/pkg/storageref"
)

// Fetcher downloads a remote document for import.
type Fetcher interface {
	Get(ctx context.Context, rawURL string) (*fetch.Document, error)
}

type ServiceConfig struct {
	Catalog *Catalog
	Cipher  hipaa.Cipher
	// Fetcher is required only for Import.
	Fetcher   Fetcher
	MaxUpload int64
	BaseDir   string
	Logger    zerolog.Logger
}

type Service struct {
	catalog   *Catalog
	cipher    hipaa.Cipher
	fetcher   Fetcher
	maxUpload int64
	baseDir   string
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(cfg ServiceConfig) *Service {
	return &Service{
		catalog:   cfg.Catalog,
		cipher:    cfg.Cipher,
		fetcher:   cfg.Fetcher,
		maxUpload: cfg.MaxUpload,
		baseDir:   cfg.BaseDir,
		logger:    cfg.Logger,
		now:       time.Now,
	}
}

// UploadInput is a parsed upload. DeclaredSize is what the client sent as the
// part size; a negative value skips the check.
type UploadInput struct {
	Class        Class
	OwnerID      uuid.UUID
	Label        string
	FileName     string
	DeclaredSize int64
	Data         []byte
}

// Upload stores in.Data encrypted under a freshly minted reference, replacing
// the owner's previous document. A plaintext file left over from before the
// encrypted-storage migration is removed once the new row is committed.
func (s *Service) Upload(ctx context.Context, in UploadInput) (*EncryptedDocument, error) {
	store, err := s.catalog.Store(in.Class)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidClass, in.Class)
	}
	if in.OwnerID == uuid.Nil {
		return nil, fmt.Errorf("%w: owner id is required", ErrInvalidUpload)
	}
	size := int64(len(in.Data))
	if size == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidUpload)
	}
	if s.maxUpload > 0 && size > s.maxUpload {
		return nil, ErrFileTooLarge
	}
	if in.DeclaredSize >= 0 && in.DeclaredSize != size {
		return nil, fmt.Errorf("%w: declared size %d does not match %d bytes received", ErrInvalidUpload, in.DeclaredSize, size)
	}

	ref, err := storageref.New(in.Class.Category(), in.Label, in.FileName, s.now())
	if err != nil {
		return nil, fmt.Errorf("mint reference: %w", err)
	}
	ciphertext, err := s.cipher.Encrypt(in.Data)
	if err != nil {
		return nil, fmt.Errorf("encrypt document: %w", err)
	}

	doc := &EncryptedDocument{
		Class:       in.Class,
		OwnerID:     in.OwnerID,
		Reference:   ref,
		Ciphertext:  ciphertext,
		DisplayName: displayName(in.FileName, ref),
		ByteSize:    size,
		ContentHash: Digest(in.Data),
	}
	previous, err := store.Upsert(ctx, doc)
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("class", string(in.Class)).
		Str("owner_id", in.OwnerID.String()).
		Str("reference", ref).
		Int64("byte_size", size).
		Bool("replaced", previous != "").
		Msg("document stored")

	if previous != "" && previous != ref {
		s.removeLegacyFile(previous)
	}
	doc.Ciphertext = nil
	return doc, nil
}

// Import fetches rawURL and stores the body as the owner's document.
func (s *Service) Import(ctx context.Context, class Class, ownerID uuid.UUID, rawURL, label string) (*EncryptedDocument, error) {
	if _, err := s.catalog.Store(class); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidClass, class)
	}
	if s.fetcher == nil {
		return nil, errors.New("document import is not configured")
	}

	remote, err := s.fetcher.Get(ctx, rawURL)
	if err != nil {
		if errors.Is(err, fetch.ErrTooLarge) {
			return nil, ErrFileTooLarge
		}
		return nil, fmt.Errorf("import document: %w", err)
	}

	name := remote.FileName
	if path.Ext(name) == "" {
		if ext, ok := storageref.ExtensionFor(remote.ContentType); ok {
			if name == "" {
				name = "document"
			}
			name += "." + ext
		}
	}

	return s.Upload(ctx, UploadInput{
		Class:        class,
		OwnerID:      ownerID,
		Label:        label,
		FileName:     name,
		DeclaredSize: -1,
		Data:         remote.Body,
	})
}

// Delete removes the owner's document and any legacy plaintext copy.
func (s *Service) Delete(ctx context.Context, class Class, ownerID uuid.UUID) error {
	store, err := s.catalog.Store(class)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidClass, class)
	}
	ref, err := store.Delete(ctx, ownerID)
	if err != nil {
		return err
	}
	s.logger.Info().
		Str("class", string(class)).
		Str("owner_id", ownerID.String()).
		Str("reference", ref).
		Msg("document deleted")
	s.removeLegacyFile(ref)
	return nil
}

// List returns document metadata for a class, newest first.
func (s *Service) List(ctx context.Context, class Class, limit, offset int) ([]*EncryptedDocument, int, error) {
	store, err := s.catalog.Store(class)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %q", ErrInvalidClass, class)
	}
	return store.List(ctx, limit, offset)
}

// removeLegacyFile deletes the plaintext copy of ref, if one exists inside
// the uploads directory. Failures are logged and otherwise ignored.
func (s *Service) removeLegacyFile(ref string) {
	if s.baseDir == "" {
		return
	}
	rel, _ := storageref.StripLegacyPrefix(ref)
	res := pathguard.Validate(rel, s.baseDir)
	if !res.OK() {
		s.logger.Warn().
			Str("kind", res.Violation.Kind.String()).
			Msg("stored reference does not map inside the uploads directory")
		return
	}
	info, err := os.Stat(res.Path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	if err := os.Remove(res.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn().Err(err).Str("reference", ref).Msg("failed to remove legacy file")
		return
	}
	s.logger.Info().Str("reference", ref).Msg("removed legacy plaintext file")
}

// displayName keeps the client's file name, minus any directories and
// control characters, falling back to the file name part of the minted
// reference.
func displayName(fileName, ref string) string {
	name := middleware.SanitizeString(storageref.FileName(fileName))
	if name == "" || name == "." || name == ".." {
		return storageref.FileName(ref)
	}
	return name
}
