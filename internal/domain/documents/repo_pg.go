package documents

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/docvault/internal/platform/db"
	"github.com/ehr/docvault/pkg/storageref"
)

// maxPatternRows bounds the candidate list for suffix matching.
const maxPatternRows = 50

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type storePG struct {
	pool  *pgxpool.Pool
	class Class
	// Table and column names come from classInfos, never from input.
	table string
	owner string
}

func NewStorePG(pool *pgxpool.Pool, class Class) (Store, error) {
	if _, ok := classInfos[class]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidClass, class)
	}
	return &storePG{pool: pool, class: class, table: class.Table(), owner: class.OwnerColumn()}, nil
}

// NewCatalogPG builds a Catalog with a Postgres store for every class.
func NewCatalogPG(pool *pgxpool.Pool) *Catalog {
	stores := make([]Store, 0, len(Classes))
	for _, cls := range Classes {
		s, _ := NewStorePG(pool, cls)
		stores = append(stores, s)
	}
	return NewCatalog(stores...)
}

func (s *storePG) Class() Class { return s.class }

func (s *storePG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

func (s *storePG) cols() string {
	return s.owner + `, storage_reference, ciphertext, display_name, byte_size, content_hash, created_at, updated_at`
}

// metaCols selects an empty ciphertext so listing never moves document bytes.
func (s *storePG) metaCols() string {
	return s.owner + `, storage_reference, ''::bytea, display_name, byte_size, content_hash, created_at, updated_at`
}

func (s *storePG) scan(row pgx.Row) (*EncryptedDocument, error) {
	d := EncryptedDocument{Class: s.class}
	err := row.Scan(&d.OwnerID, &d.Reference, &d.Ciphertext, &d.DisplayName, &d.ByteSize,
		&d.ContentHash, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan %s row: %w", s.table, err)
	}
	return &d, nil
}

func (s *storePG) GetByReference(ctx context.Context, ref string) (*EncryptedDocument, error) {
	return s.scan(s.conn(ctx).QueryRow(ctx,
		`SELECT `+s.cols()+` FROM `+s.table+` WHERE storage_reference = $1`, ref))
}

func (s *storePG) GetByOwner(ctx context.Context, ownerID uuid.UUID) (*EncryptedDocument, error) {
	return s.scan(s.conn(ctx).QueryRow(ctx,
		`SELECT `+s.cols()+` FROM `+s.table+` WHERE `+s.owner+` = $1`, ownerID))
}

func (s *storePG) FindByReferencePattern(ctx context.Context, token string) ([]*EncryptedDocument, error) {
	if token == "" {
		return nil, nil
	}
	// Rank before LIMIT so older template matches are never cut off by
	// newer rows that merely contain the token.
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT `+s.cols()+` FROM `+s.table+`
		WHERE storage_reference LIKE $1 ESCAPE '\'
		ORDER BY CASE
			WHEN storage_reference ~ $2 THEN 0
			WHEN storage_reference LIKE $3 ESCAPE '\' THEN 1
			ELSE 2
		END, updated_at DESC, storage_reference
		LIMIT $4`,
		containsPattern(token), storageref.TemplatePattern(token), endsWithPattern(token), maxPatternRows)
	if err != nil {
		return nil, fmt.Errorf("query %s by pattern: %w", s.table, err)
	}
	defer rows.Close()

	var docs []*EncryptedDocument
	for rows.Next() {
		d, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (s *storePG) FindByNameSubstring(ctx context.Context, name string) (*EncryptedDocument, error) {
	if name == "" {
		return nil, ErrNotFound
	}
	return s.scan(s.conn(ctx).QueryRow(ctx, `
		SELECT `+s.cols()+` FROM `+s.table+`
		WHERE storage_reference LIKE $1 ESCAPE '\' OR display_name LIKE $1 ESCAPE '\'
		ORDER BY updated_at DESC, storage_reference
		LIMIT 1`, containsPattern(name)))
}

func (s *storePG) Upsert(ctx context.Context, doc *EncryptedDocument) (string, error) {
	var previous string
	err := db.RunInTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`SELECT storage_reference FROM `+s.table+` WHERE `+s.owner+` = $1 FOR UPDATE`,
			doc.OwnerID).Scan(&previous)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("lock %s row: %w", s.table, err)
		}

		return tx.QueryRow(ctx, `
			INSERT INTO `+s.table+` (`+s.owner+`, storage_reference, ciphertext, display_name, byte_size, content_hash)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (`+s.owner+`) DO UPDATE SET
				storage_reference = EXCLUDED.storage_reference,
				ciphertext = EXCLUDED.ciphertext,
				display_name = EXCLUDED.display_name,
				byte_size = EXCLUDED.byte_size,
				content_hash = EXCLUDED.content_hash,
				updated_at = now()
			RETURNING created_at, updated_at`,
			doc.OwnerID, doc.Reference, doc.Ciphertext, doc.DisplayName, doc.ByteSize, doc.ContentHash,
		).Scan(&doc.CreatedAt, &doc.UpdatedAt)
	})
	if err != nil {
		return "", fmt.Errorf("upsert %s: %w", s.table, err)
	}
	doc.Class = s.class
	return previous, nil
}

func (s *storePG) Delete(ctx context.Context, ownerID uuid.UUID) (string, error) {
	var ref string
	err := s.conn(ctx).QueryRow(ctx,
		`DELETE FROM `+s.table+` WHERE `+s.owner+` = $1 RETURNING storage_reference`, ownerID).Scan(&ref)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("delete from %s: %w", s.table, err)
	}
	return ref, nil
}

func (s *storePG) List(ctx context.Context, limit, offset int) ([]*EncryptedDocument, int, error) {
	var total int
	if err := s.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM `+s.table).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count %s: %w", s.table, err)
	}

	rows, err := s.conn(ctx).Query(ctx, `
		SELECT `+s.metaCols()+` FROM `+s.table+`
		ORDER BY updated_at DESC, storage_reference
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list %s: %w", s.table, err)
	}
	defer rows.Close()

	var docs []*EncryptedDocument
	for rows.Next() {
		d, err := s.scan(rows)
		if err != nil {
			return nil, 0, err
		}
		d.Ciphertext = nil
		docs = append(docs, d)
	}
	return docs, total, rows.Err()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// containsPattern builds a LIKE pattern matching s literally anywhere.
func containsPattern(s string) string {
	return "%" + likeEscaper.Replace(s) + "%"
}

func endsWithPattern(s string) string {
	return "%" + likeEscaper.Replace(s)
}
