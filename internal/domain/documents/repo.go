package documents

import (
	"context"
	"errors"
	"sort"

	"github.com/google/uuid"
)

// Lookup is the read surface the resolver needs. Misses are ErrNotFound for
// single-row lookups and an empty slice for pattern lookups.
type Lookup interface {
	GetByReference(ctx context.Context, ref string) (*EncryptedDocument, error)
	// FindByReferencePattern returns rows whose reference contains token,
	// most recently updated first, then by reference. A store that bounds
	// the result keeps the most specific matches.
	FindByReferencePattern(ctx context.Context, token string) ([]*EncryptedDocument, error)
	// FindByNameSubstring returns the first row whose reference or display
	// name contains name.
	FindByNameSubstring(ctx context.Context, name string) (*EncryptedDocument, error)
}

// Store is the persistence for one document class.
type Store interface {
	Lookup
	Class() Class
	GetByOwner(ctx context.Context, ownerID uuid.UUID) (*EncryptedDocument, error)
	// Upsert inserts or fully replaces the owner's document and returns the
	// reference it replaced, or "" for a first upload.
	Upsert(ctx context.Context, doc *EncryptedDocument) (string, error)
	// Delete removes the owner's document and returns its reference.
	Delete(ctx context.Context, ownerID uuid.UUID) (string, error)
	// List returns metadata without ciphertext.
	List(ctx context.Context, limit, offset int) ([]*EncryptedDocument, int, error)
}

// Catalog holds one Store per class.
type Catalog struct {
	stores map[Class]Store
	order  []Class
}

func NewCatalog(stores ...Store) *Catalog {
	c := &Catalog{stores: make(map[Class]Store, len(stores))}
	for _, cls := range Classes {
		for _, s := range stores {
			if s.Class() == cls {
				c.stores[cls] = s
				c.order = append(c.order, cls)
				break
			}
		}
	}
	return c
}

// Store returns the store for class.
func (c *Catalog) Store(class Class) (Store, error) {
	s, ok := c.stores[class]
	if !ok {
		return nil, ErrInvalidClass
	}
	return s, nil
}

// LookupFor returns the store of the class ref names, or a lookup across all
// stores when the category is unknown.
func (c *Catalog) LookupFor(ref string) Lookup {
	if cls, ok := ClassForReference(ref); ok {
		if s, ok := c.stores[cls]; ok {
			return s
		}
	}
	return fanout{c}
}

// All returns a lookup across every store.
func (c *Catalog) All() Lookup { return fanout{c} }

// scoped reports whether LookupFor(ref) searches a single class.
func (c *Catalog) scoped(ref string) bool {
	_, all := c.LookupFor(ref).(fanout)
	return !all
}

type fanout struct{ c *Catalog }

func (f fanout) GetByReference(ctx context.Context, ref string) (*EncryptedDocument, error) {
	for _, cls := range f.c.order {
		doc, err := f.c.stores[cls].GetByReference(ctx, ref)
		if err == nil {
			return doc, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

func (f fanout) FindByReferencePattern(ctx context.Context, token string) ([]*EncryptedDocument, error) {
	var all []*EncryptedDocument
	for _, cls := range f.c.order {
		docs, err := f.c.stores[cls].FindByReferencePattern(ctx, token)
		if err != nil {
			return nil, err
		}
		all = append(all, docs...)
	}
	// Same order each store applies to its own rows.
	sort.SliceStable(all, func(i, j int) bool {
		if !all[i].UpdatedAt.Equal(all[j].UpdatedAt) {
			return all[i].UpdatedAt.After(all[j].UpdatedAt)
		}
		return all[i].Reference < all[j].Reference
	})
	return all, nil
}

func (f fanout) FindByNameSubstring(ctx context.Context, name string) (*EncryptedDocument, error) {
	for _, cls := range f.c.order {
		doc, err := f.c.stores[cls].FindByNameSubstring(ctx, name)
		if err == nil {
			return doc, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}
