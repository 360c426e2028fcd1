package index

import "distributed-kvstore/internal/kverr"

// Manager owns all three index structures over the committed store. It
// carries no lock of its own: callers (store's mutation methods) must hold
// their own exclusive lock for the duration of any call.
type Manager struct {
	valueIndexes map[string]*valueIndex
	bm25         *bm25Index
	tfidf        *tfidfIndex
}

// NewManager builds an empty index set.
func NewManager() *Manager {
	return &Manager{
		valueIndexes: make(map[string]*valueIndex),
		bm25:         newBM25Index(),
		tfidf:        newTFIDFIndex(),
	}
}

// CreateIndex registers a value index on field, backfilling it from
// snapshot if the index didn't already exist. Re-creating an existing index
// is a no-op.
func (m *Manager) CreateIndex(field string, snapshot map[string]any) string {
	if _, exists := m.valueIndexes[field]; !exists {
		vi := newValueIndex(field)
		for key, val := range snapshot {
			vi.add(key, val)
		}
		m.valueIndexes[field] = vi
	}
	return "index created on field '" + field + "'"
}

// HasIndex reports whether field has a value index.
func (m *Manager) HasIndex(field string) bool {
	_, ok := m.valueIndexes[field]
	return ok
}

// QueryValue looks up keys whose field equals value.
func (m *Manager) QueryValue(field, value string) ([]string, error) {
	vi, ok := m.valueIndexes[field]
	if !ok {
		return nil, kverr.ErrNoSuchIndex
	}
	return vi.query(value), nil
}

// OnSet updates every index after key's value changes from old to newVal.
// oldPresent distinguishes a fresh insert from an overwrite.
func (m *Manager) OnSet(key string, oldVal any, oldPresent bool, newVal any) {
	if oldPresent {
		for _, vi := range m.valueIndexes {
			vi.remove(key, oldVal)
		}
	}
	for _, vi := range m.valueIndexes {
		vi.add(key, newVal)
	}

	text := extractText(newVal)
	m.bm25.remove(key)
	m.bm25.add(key, text)
	m.tfidf.remove(key)
	m.tfidf.add(key, text)
}

// OnDelete removes key from every index.
func (m *Manager) OnDelete(key string, oldVal any) {
	for _, vi := range m.valueIndexes {
		vi.remove(key, oldVal)
	}
	m.bm25.remove(key)
	m.tfidf.remove(key)
}

// Rebuild clears and repopulates every index from a full key/value snapshot,
// used on startup after WAL replay. CreateIndex backfills a new index on its
// own and does not go through Rebuild.
func (m *Manager) Rebuild(snapshot map[string]any) {
	for field := range m.valueIndexes {
		m.valueIndexes[field] = newValueIndex(field)
	}
	m.bm25 = newBM25Index()
	m.tfidf = newTFIDFIndex()
	for key, val := range snapshot {
		m.OnSet(key, nil, false, val)
	}
}

// Search runs a BM25 full-text query.
func (m *Manager) Search(query string, topK int) []ScoredKey {
	return m.bm25.search(query, topK)
}

// SemanticSearch runs a TF-IDF cosine-similarity query.
func (m *Manager) SemanticSearch(query string, topK int) []ScoredKey {
	return m.tfidf.search(query, topK)
}
