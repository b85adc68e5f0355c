package node

import (
	"sync"

	verrors "veilidcore/pkg/errors"
	"veilidcore/routingtable"
)

// TableStore is the external key/value table interface the core consumes
//: named tables with a fixed column count, opened before use.
// routingtable.Store is the single-table view of the same contract; Table
// returns a view satisfying it.
type TableStore interface {
	Open(name string, colCount int) (Table, error)
	Delete(name string) (bool, error)
}

// Table is one open named table.
type Table interface {
	StoreKV(col int, key []byte, value []byte) error
	LoadKV(col int, key []byte) ([]byte, bool, error)
	DeleteKV(col int, key []byte) error
	Keys(col int) ([][]byte, error)
}

// SecretStore is the protected secret store contract: key to
// opaque bytes, confidential at rest. The node keeps its identity secret
// keys and route-spec secrets here, never in TableStore.
type SecretStore interface {
	SaveUserSecret(key string, value []byte) error
	LoadUserSecret(key string) ([]byte, bool, error)
	RemoveUserSecret(key string) error
}

// MemTableStore is the in-memory TableStore used by tests and by nodes
// started without a persistence backend.
type MemTableStore struct {
	mu     sync.Mutex
	tables map[string]*memTable
}

func NewMemTableStore() *MemTableStore {
	return &MemTableStore{tables: make(map[string]*memTable)}
}

type memTable struct {
	mu   sync.Mutex
	cols []map[string][]byte
	open bool
}

func (s *MemTableStore) Open(name string, colCount int) (Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[name]
	if !ok {
		cols := make([]map[string][]byte, colCount)
		for i := range cols {
			cols[i] = make(map[string][]byte)
		}
		t = &memTable{cols: cols}
		s.tables[name] = t
	}
	if len(t.cols) < colCount {
		for len(t.cols) < colCount {
			t.cols = append(t.cols, make(map[string][]byte))
		}
	}
	t.open = true
	return t, nil
}

// Delete removes a named table. Deleting a never-opened table returns
// false; deleting a table that is still open is rejected.
func (s *MemTableStore) Delete(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[name]
	if !ok {
		return false, nil
	}
	if t.open {
		return false, verrors.New(verrors.InvalidArgument, "node: cannot delete an open table")
	}
	delete(s.tables, name)
	return true, nil
}

// CloseTable marks a table closed so Delete can succeed.
func (s *MemTableStore) CloseTable(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tables[name]; ok {
		t.open = false
	}
}

func (t *memTable) colFor(col int) (map[string][]byte, error) {
	if col < 0 || col >= len(t.cols) {
		return nil, verrors.Newf(verrors.InvalidArgument, "node: table column %d out of range", col)
	}
	return t.cols[col], nil
}

func (t *memTable) StoreKV(col int, key []byte, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, err := t.colFor(col)
	if err != nil {
		return err
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	c[string(key)] = cp
	return nil
}

func (t *memTable) LoadKV(col int, key []byte) ([]byte, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, err := t.colFor(col)
	if err != nil {
		return nil, false, err
	}
	v, ok := c[string(key)]
	return v, ok, nil
}

func (t *memTable) DeleteKV(col int, key []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, err := t.colFor(col)
	if err != nil {
		return err
	}
	delete(c, string(key))
	return nil
}

func (t *memTable) Keys(col int) ([][]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, err := t.colFor(col)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(c))
	for k := range c {
		out = append(out, []byte(k))
	}
	return out, nil
}

// MemSecretStore is the in-memory SecretStore used by tests and nodes
// without a protected store backend.
type MemSecretStore struct {
	mu      sync.Mutex
	secrets map[string][]byte
}

func NewMemSecretStore() *MemSecretStore {
	return &MemSecretStore{secrets: make(map[string][]byte)}
}

func (s *MemSecretStore) SaveUserSecret(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	s.secrets[key] = cp
	return nil
}

func (s *MemSecretStore) LoadUserSecret(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.secrets[key]
	return v, ok, nil
}

func (s *MemSecretStore) RemoveUserSecret(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.secrets, key)
	return nil
}

// tableAsRoutingStore adapts one open Table back to routingtable.Store's
// open-then-use shape, binding the name at construction.
type tableAsRoutingStore struct {
	store TableStore
	table Table
	name  string
}

func newRoutingStore(store TableStore, name string) *tableAsRoutingStore {
	return &tableAsRoutingStore{store: store, name: name}
}

func (a *tableAsRoutingStore) Open(name string, colCount int) error {
	t, err := a.store.Open(a.name, colCount)
	if err != nil {
		return err
	}
	a.table = t
	return nil
}

func (a *tableAsRoutingStore) StoreKV(col int, key []byte, value []byte) error {
	return a.table.StoreKV(col, key, value)
}

func (a *tableAsRoutingStore) LoadKV(col int, key []byte) ([]byte, bool, error) {
	return a.table.LoadKV(col, key)
}

func (a *tableAsRoutingStore) DeleteKV(col int, key []byte) error {
	return a.table.DeleteKV(col, key)
}

func (a *tableAsRoutingStore) Keys(col int) ([][]byte, error) {
	if a.table == nil {
		return nil, nil
	}
	return a.table.Keys(col)
}

var _ routingtable.Store = (*tableAsRoutingStore)(nil)
