package rowid

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/tickstate/internal/ir"
)

// RowID identifies one logical row of a list, independent of its index.
type RowID string

// nestedSep separates a list path from its parent row id in state keys.
const nestedSep = "@@"

// ListState is the identity state of one list instance.
type ListState struct {
	ListPath    string
	ParentRowID RowID // Empty for root lists
	Items       ir.Array
	IDs         []RowID // Index-aligned with Items
	TrackBy     string
}

// stateKey addresses a ListState: listPath, or listPath@@parentRowID.
func stateKey(listPath string, parent RowID) string {
	if parent == "" {
		return listPath
	}
	return listPath + nestedSep + string(parent)
}

// Generator mints row id strings.
type Generator interface {
	Generate() string
}

// sequential mints "r1", "r2", ... per store.
type sequential struct {
	n int64
}

func (g *sequential) Generate() string {
	g.n++
	return "r" + strconv.FormatInt(g.n, 10)
}

// UUIDGenerator mints random UUIDs.
type UUIDGenerator struct{}

// Generate implements Generator.
func (UUIDGenerator) Generate() string { return uuid.NewString() }

// RemovedFunc is called once for every removed row.
type RemovedFunc func(listPath string, id RowID)

type removal struct {
	listPath string
	id       RowID
}

type removedListener struct {
	id int64
	fn RemovedFunc
}

// Store assigns and retains row ids. One Store serves one module instance.
//
// Thread-safety: all methods are safe for concurrent use. Listeners run
// after the store's lock is released and may call back into the Store.
type Store struct {
	mu        sync.Mutex
	gen       Generator
	logger    *slog.Logger
	lists     map[string]*ListState
	owner     map[RowID]string   // row id -> state key holding it
	children  map[RowID][]string // row id -> state keys of its child lists
	listeners map[string][]removedListener
	nextSub   int64
}

// Option configures a Store.
type Option func(*Store)

// WithGenerator sets the row id generator. Default: "r1", "r2", ...
func WithGenerator(g Generator) Option {
	return func(s *Store) {
		if g != nil {
			s.gen = g
		}
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		gen:       &sequential{},
		logger:    slog.Default(),
		lists:     make(map[string]*ListState),
		owner:     make(map[RowID]string),
		children:  make(map[RowID][]string),
		listeners: make(map[string][]removedListener),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureList reconciles items against the last seen version of the list and
// returns the row ids, index-aligned with items. Removed rows fire OnRemoved
// listeners and cascade to their child lists.
func (s *Store) EnsureList(listPath string, items ir.Array, trackBy string, parent RowID) []RowID {
	s.mu.Lock()
	ids, removed := s.ensureLocked(listPath, items, trackBy, parent)
	s.mu.Unlock()

	s.fire(removed)
	return ids
}

// RowID returns the id at index of a list instance.
func (s *Store) RowID(listPath string, index int, parent RowID) (RowID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.lists[stateKey(listPath, parent)]
	if !ok || index < 0 || index >= len(st.IDs) {
		return "", false
	}
	return st.IDs[index], true
}

// Index returns the current index of id within its list instance.
func (s *Store) Index(listPath string, id RowID) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.lists[s.owner[id]]
	if !ok || st.ListPath != listPath {
		return 0, false
	}
	i := slices.Index(st.IDs, id)
	return i, i >= 0
}

// IDs returns a copy of the ids of a list instance.
func (s *Store) IDs(listPath string, parent RowID) ([]RowID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.lists[stateKey(listPath, parent)]
	if !ok {
		return nil, false
	}
	return slices.Clone(st.IDs), true
}

// OnRemoved registers fn for rows removed from any instance of listPath.
// The returned function unsubscribes.
func (s *Store) OnRemoved(listPath string, fn RemovedFunc) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSub++
	id := s.nextSub
	s.listeners[listPath] = append(s.listeners[listPath], removedListener{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.listeners[listPath] = slices.DeleteFunc(slices.Clone(s.listeners[listPath]), func(l removedListener) bool {
				return l.id == id
			})
		})
	}
}

// ListInfo describes one tracked list instance.
type ListInfo struct {
	Key         string
	ListPath    string
	ParentRowID RowID
	Len         int
}

// Lists returns every tracked list instance, sorted by key.
func (s *Store) Lists() []ListInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := slices.Sorted(maps.Keys(s.lists))
	out := make([]ListInfo, 0, len(keys))
	for _, k := range keys {
		st := s.lists[k]
		out = append(out, ListInfo{Key: k, ListPath: st.ListPath, ParentRowID: st.ParentRowID, Len: len(st.IDs)})
	}
	return out
}

func (s *Store) ensureLocked(listPath string, items ir.Array, trackBy string, parent RowID) ([]RowID, []removal) {
	key := stateKey(listPath, parent)
	prev, ok := s.lists[key]
	if !ok {
		st := &ListState{ListPath: listPath, ParentRowID: parent, Items: items, TrackBy: trackBy}
		st.IDs = make([]RowID, len(items))
		for i := range items {
			st.IDs[i] = s.mint(key)
		}
		s.lists[key] = st
		if parent != "" {
			s.children[parent] = append(s.children[parent], key)
		}
		return slices.Clone(st.IDs), nil
	}

	next, dropped := s.reconcile(key, prev, items, trackBy)
	prev.Items = items
	prev.IDs = next
	prev.TrackBy = trackBy

	var removed []removal
	for _, id := range dropped {
		removed = append(removed, s.removeLocked(listPath, id)...)
	}
	return slices.Clone(next), removed
}

func (s *Store) mint(stateKey string) RowID {
	for {
		id := RowID(s.gen.Generate())
		if _, taken := s.owner[id]; !taken {
			s.owner[id] = stateKey
			return id
		}
	}
}

// removeLocked forgets id and cascades to its child lists. It returns every
// removal, the row itself first.
func (s *Store) removeLocked(listPath string, id RowID) []removal {
	out := []removal{{listPath: listPath, id: id}}
	delete(s.owner, id)

	for _, childKey := range s.children[id] {
		child, ok := s.lists[childKey]
		if !ok {
			continue
		}
		delete(s.lists, childKey)
		for _, cid := range child.IDs {
			out = append(out, s.removeLocked(child.ListPath, cid)...)
		}
	}
	delete(s.children, id)
	return out
}

// fire calls OnRemoved listeners. A panicking listener is logged and the
// rest still run.
func (s *Store) fire(removed []removal) {
	for _, r := range removed {
		s.mu.Lock()
		ls := s.listeners[r.listPath]
		s.mu.Unlock()

		for _, l := range ls {
			func() {
				defer func() {
					if p := recover(); p != nil {
						s.logger.Error("row removed listener panicked",
							"event", "row_listener_failed",
							"list", r.listPath,
							"row_id", string(r.id),
							"panic", fmt.Sprint(p),
						)
					}
				}()
				l.fn(r.listPath, r.id)
			}()
		}
	}
}

// parentOf returns the longest declared list path that contains path as a
// nested list ("items" for "items[].children").
func parentOf(path string, declared []string) (string, bool) {
	best := ""
	found := false
	for _, d := range declared {
		if d == path {
			continue
		}
		if strings.HasPrefix(path, d+ir.EachMarker+".") && len(d) > len(best) {
			best, found = d, true
		}
	}
	return best, found
}
