package documents

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/docvault/internal/platform/hipaa"
)

// memStore is an in-memory Store that orders rows like the Postgres store.
type memStore struct {
	mu    sync.Mutex
	class Class
	docs  []*EncryptedDocument
	clock time.Time
	// err, when set, is returned by every lookup.
	err error
}

func newMemStore(class Class) *memStore {
	return &memStore{class: class, clock: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (m *memStore) Class() Class { return m.class }

func (m *memStore) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

func (m *memStore) sorted() []*EncryptedDocument {
	out := append([]*EncryptedDocument(nil), m.docs...)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].Reference < out[j].Reference
	})
	return out
}

func clone(d *EncryptedDocument) *EncryptedDocument {
	c := *d
	c.Ciphertext = append([]byte(nil), d.Ciphertext...)
	return &c
}

func (m *memStore) GetByReference(_ context.Context, ref string) (*EncryptedDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	for _, d := range m.docs {
		if d.Reference == ref {
			return clone(d), nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStore) FindByReferencePattern(_ context.Context, token string) ([]*EncryptedDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []*EncryptedDocument
	for _, d := range m.sorted() {
		if strings.Contains(d.Reference, token) {
			out = append(out, clone(d))
		}
	}
	return out, nil
}

func (m *memStore) FindByNameSubstring(_ context.Context, name string) (*EncryptedDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	for _, d := range m.sorted() {
		if strings.Contains(d.Reference, name) || strings.Contains(d.DisplayName, name) {
			return clone(d), nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStore) GetByOwner(_ context.Context, ownerID uuid.UUID) (*EncryptedDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.docs {
		if d.OwnerID == ownerID {
			return clone(d), nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStore) Upsert(_ context.Context, doc *EncryptedDocument) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	now := m.tick()
	doc.Class = m.class
	doc.UpdatedAt = now
	for i, d := range m.docs {
		if d.OwnerID == doc.OwnerID {
			previous := d.Reference
			doc.CreatedAt = d.CreatedAt
			m.docs[i] = clone(doc)
			return previous, nil
		}
	}
	doc.CreatedAt = now
	m.docs = append(m.docs, clone(doc))
	return "", nil
}

func (m *memStore) Delete(_ context.Context, ownerID uuid.UUID) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, d := range m.docs {
		if d.OwnerID == ownerID {
			m.docs = append(m.docs[:i], m.docs[i+1:]...)
			return d.Reference, nil
		}
	}
	return "", ErrNotFound
}

func (m *memStore) List(_ context.Context, limit, offset int) ([]*EncryptedDocument, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.sorted()
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	var out []*EncryptedDocument
	for _, d := range all[offset:end] {
		c := clone(d)
		c.Ciphertext = nil
		out = append(out, c)
	}
	return out, total, nil
}

// seed stores plaintext under ref, encrypted with cipher, with a digest.
func (m *memStore) seed(cipher hipaa.Cipher, ref, displayName string, plaintext []byte) *EncryptedDocument {
	ct, err := cipher.Encrypt(plaintext)
	if err != nil {
		panic(err)
	}
	doc := &EncryptedDocument{
		OwnerID:     uuid.New(),
		Reference:   ref,
		Ciphertext:  ct,
		DisplayName: displayName,
		ByteSize:    int64(len(plaintext)),
		ContentHash: Digest(plaintext),
	}
	if _, err := m.Upsert(context.Background(), doc); err != nil {
		panic(err)
	}
	return doc
}

// countingCipher prefixes ciphertext with a marker and counts Decrypt calls.
type countingCipher struct {
	mu       sync.Mutex
	decrypts int
	failAll  bool
}

var cipherMarker = []byte("sealed:")

func (c *countingCipher) Encrypt(p []byte) ([]byte, error) {
	return append(append([]byte(nil), cipherMarker...), p...), nil
}

func (c *countingCipher) Decrypt(ct []byte) ([]byte, error) {
	c.mu.Lock()
	c.decrypts++
	fail := c.failAll
	c.mu.Unlock()
	if fail || !bytes.HasPrefix(ct, cipherMarker) {
		return nil, fmt.Errorf("%w: bad marker", hipaa.ErrDecrypt)
	}
	return append([]byte(nil), ct[len(cipherMarker):]...), nil
}

func (c *countingCipher) decryptCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.decrypts
}

// fakeStores returns one memStore per class and a Catalog over them.
func fakeStores() (map[Class]*memStore, *Catalog) {
	stores := map[Class]*memStore{}
	var list []Store
	for _, c := range Classes {
		s := newMemStore(c)
		stores[c] = s
		list = append(list, s)
	}
	return stores, NewCatalog(list...)
}
