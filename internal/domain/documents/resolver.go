package documents

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/docvault/internal/platform/hipaa"
	"github.com/ehr/docvault/internal/platform/pathguard"
	"github.com/ehr/docvault/internal/platform/refcache"
	"github.com/ehr/docvault/pkg/storageref"
)

const defaultAliasTTL = 10 * time.Minute

// ResolverConfig configures a Resolver. Aliases is optional.
type ResolverConfig struct {
	Catalog  *Catalog
	Cipher   hipaa.Cipher
	Aliases  refcache.Store
	AliasTTL time.Duration
	BaseDir  string
	Logger   zerolog.Logger
}

// Resolver turns a storage reference into document bytes. It tries an
// ordered chain of tiers; the first hit wins.
type Resolver struct {
	catalog  *Catalog
	cipher   hipaa.Cipher
	aliases  refcache.Store
	aliasTTL time.Duration
	baseDir  string
	logger   zerolog.Logger
	tiers    []tier
}

// tier returns (nil, nil) on a miss. Any error ends resolution.
type tier struct {
	name Tier
	run  func(ctx context.Context, q *query) (*Resolved, error)
}

// query is the per-call state shared by the tiers.
type query struct {
	ref     string
	absPath string
	token   string
	// hasToken is set once by the suffix tier; the substring tier only runs
	// for references without one.
	hasToken bool
}

func NewResolver(cfg ResolverConfig) *Resolver {
	if cfg.AliasTTL <= 0 {
		cfg.AliasTTL = defaultAliasTTL
	}
	r := &Resolver{
		catalog:  cfg.Catalog,
		cipher:   cfg.Cipher,
		aliases:  cfg.Aliases,
		aliasTTL: cfg.AliasTTL,
		baseDir:  cfg.BaseDir,
		logger:   cfg.Logger,
	}
	r.tiers = []tier{
		{TierExact, r.exact},
		{TierPrefix, r.prefixToggled},
		{TierAlias, r.alias},
		{TierSuffix, r.suffixToken},
		{TierSubstring, r.nameSubstring},
		{TierLegacy, r.legacyFile},
	}
	return r
}

// Resolve returns the plaintext for ref. absPath is the location already
// validated by the request layer; when empty it is derived from ref and the
// resolver's base directory. A decryption or integrity failure on a matched
// row is returned as an error and never falls through to later tiers.
func (r *Resolver) Resolve(ctx context.Context, ref, absPath string) (*Resolved, error) {
	if ref == "" {
		return nil, ErrInvalidReference
	}
	q := &query{ref: ref, absPath: absPath}

	for _, t := range r.tiers {
		res, err := t.run(ctx, q)
		if err != nil {
			return nil, err
		}
		if res == nil {
			continue
		}
		res.Tier = t.name
		ev := r.logger.Debug()
		if t.name != TierExact {
			ev = r.logger.Info()
		}
		ev.Str("tier", t.name.String()).
			Str("requested", ref).
			Str("resolved", res.Reference).
			Msg("document resolved")
		return res, nil
	}
	return nil, ErrNotFound
}

func (r *Resolver) exact(ctx context.Context, q *query) (*Resolved, error) {
	return r.byReference(ctx, q.ref)
}

// alias serves a template-shaped suffix hit remembered from an earlier
// request. It runs after the exact and prefix tiers, and only suffix hits
// of the best rank are ever cached, so an alias never shadows a more
// precise match.
func (r *Resolver) alias(ctx context.Context, q *query) (*Resolved, error) {
	if r.aliases == nil {
		return nil, nil
	}
	token, ok := storageref.SuffixToken(q.ref)
	if !ok {
		return nil, nil
	}
	target, err := r.aliases.Get(ctx, q.ref)
	if errors.Is(err, refcache.ErrMiss) {
		return nil, nil
	}
	if err != nil {
		r.logger.Warn().Err(err).Msg("alias cache read failed")
		return nil, nil
	}
	if !storageref.MatchesTemplate(target, token) {
		r.evict(ctx, q.ref)
		return nil, nil
	}

	res, err := r.byReference(ctx, target)
	if err != nil || res != nil {
		return res, err
	}
	// The aliased row is gone.
	r.evict(ctx, q.ref)
	return nil, nil
}

func (r *Resolver) prefixToggled(ctx context.Context, q *query) (*Resolved, error) {
	return r.byReference(ctx, storageref.ToggleLegacyPrefix(q.ref))
}

// suffixToken ranks rows containing the reference's timestamp-random token:
// a row that follows the naming template beats one that merely ends in the
// token, which beats one that only contains it. Ties keep store order. The
// store of the requested category is searched first; without a template
// match there, every store is searched, since the stored directory layout
// may differ from the requested one.
func (r *Resolver) suffixToken(ctx context.Context, q *query) (*Resolved, error) {
	q.token, q.hasToken = storageref.SuffixToken(q.ref)
	if !q.hasToken {
		return nil, nil
	}
	candidates, err := r.catalog.LookupFor(q.ref).FindByReferencePattern(ctx, q.token)
	if err != nil {
		return nil, fmt.Errorf("suffix lookup: %w", err)
	}
	best, rank := bestSuffixMatch(candidates, q.token)

	if rank > 0 && r.catalog.scoped(q.ref) {
		candidates, err = r.catalog.All().FindByReferencePattern(ctx, q.token)
		if err != nil {
			return nil, fmt.Errorf("suffix lookup: %w", err)
		}
		if b, rk := bestSuffixMatch(candidates, q.token); rk < rank {
			best, rank = b, rk
		}
	}
	if best == nil {
		return nil, nil
	}
	res, err := r.open(best)
	if err != nil {
		return nil, err
	}
	if rank == 0 {
		r.remember(ctx, q.ref, res.Reference)
	}
	return res, nil
}

// bestSuffixMatch returns the first candidate of the lowest rank, or nil and
// noSuffixMatch.
func bestSuffixMatch(candidates []*EncryptedDocument, token string) (*EncryptedDocument, int) {
	var best *EncryptedDocument
	bestRank := noSuffixMatch
	for _, c := range candidates {
		if rank := suffixRank(c.Reference, token); rank < bestRank {
			best, bestRank = c, rank
		}
	}
	return best, bestRank
}

const noSuffixMatch = 3

func suffixRank(ref, token string) int {
	switch {
	case storageref.MatchesTemplate(ref, token):
		return 0
	case strings.HasSuffix(ref, token):
		return 1
	case strings.Contains(ref, token):
		return 2
	default:
		return noSuffixMatch
	}
}

// nameSubstring is the least precise tier. With several rows sharing a file
// name it returns the most recently updated one, which may not be the
// document the caller meant. Its hits are never cached.
func (r *Resolver) nameSubstring(ctx context.Context, q *query) (*Resolved, error) {
	if q.hasToken {
		return nil, nil
	}
	name := storageref.FileName(q.ref)
	if name == "" {
		return nil, nil
	}
	doc, err := r.catalog.LookupFor(q.ref).FindByNameSubstring(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("substring lookup: %w", err)
	}
	return r.open(doc)
}

// legacyFile reads a pre-migration plaintext file. Its bytes are returned as
// stored, without decryption.
func (r *Resolver) legacyFile(_ context.Context, q *query) (*Resolved, error) {
	abs := q.absPath
	if abs == "" {
		ref, _ := storageref.StripLegacyPrefix(q.ref)
		res := pathguard.Validate(ref, r.baseDir)
		if !res.OK() {
			return nil, nil
		}
		abs = res.Path
	}

	info, err := os.Stat(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat legacy file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, nil
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read legacy file: %w", err)
	}

	name := filepath.Base(abs)
	return &Resolved{
		Bytes:       data,
		DisplayName: name,
		MIMEType:    storageref.MIMEType(name),
		Reference:   q.ref,
	}, nil
}

// byReference is a single exact lookup; a miss is (nil, nil).
func (r *Resolver) byReference(ctx context.Context, ref string) (*Resolved, error) {
	doc, err := r.catalog.LookupFor(ref).GetByReference(ctx, ref)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reference lookup: %w", err)
	}
	return r.open(doc)
}

// open decrypts a matched row and checks its digest.
func (r *Resolver) open(doc *EncryptedDocument) (*Resolved, error) {
	plaintext, err := r.cipher.Decrypt(doc.Ciphertext)
	if err != nil {
		r.logger.Error().Err(err).
			Str("class", string(doc.Class)).
			Str("reference", doc.Reference).
			Msg("stored document could not be decrypted")
		return nil, fmt.Errorf("decrypt %s: %w", doc.Reference, err)
	}
	if err := verifyDigest(plaintext, doc.ContentHash); err != nil {
		r.logger.Error().
			Str("class", string(doc.Class)).
			Str("reference", doc.Reference).
			Msg("stored document failed integrity check")
		return nil, fmt.Errorf("%s: %w", doc.Reference, err)
	}

	name := doc.DisplayName
	if name == "" {
		name = storageref.FileName(doc.Reference)
	}
	mimeType := storageref.MIMEType(doc.Reference)
	if mimeType == storageref.DefaultMIMEType {
		mimeType = storageref.MIMEType(name)
	}
	return &Resolved{
		Bytes:       plaintext,
		DisplayName: name,
		MIMEType:    mimeType,
		Reference:   doc.Reference,
	}, nil
}

// remember records that requested resolved to stored. Failures only log.
func (r *Resolver) remember(ctx context.Context, requested, stored string) {
	if r.aliases == nil || requested == stored {
		return
	}
	if err := r.aliases.Set(ctx, requested, stored, r.aliasTTL); err != nil {
		r.logger.Warn().Err(err).Msg("alias cache write failed")
	}
}

func (r *Resolver) evict(ctx context.Context, requested string) {
	if err := r.aliases.Delete(ctx, requested); err != nil {
		r.logger.Warn().Err(err).Msg("alias cache evict failed")
	}
}
