package ir

import "fmt"

// Reader gives a derive function read access to the draft state.
// Implementations may record which paths were read.
type Reader interface {
	Get(path string) Value
}

// DeriveFunc computes a field from the draft state.
type DeriveFunc func(r Reader) (Value, error)

// EqualsFunc decides whether a recomputed value equals the previous one.
type EqualsFunc func(prev, next Value) bool

// TraitEntry is one declared trait of a module. It is a closed sum type:
// Computed, Link, ExternalStore and List are the only variants.
//
// Entries are declared once at module-definition time and never mutated.
type TraitEntry interface {
	traitEntry() // Sealed
	// FieldPath is the state path the entry is declared on.
	FieldPath() string
}

// Computed is a field rederived from other fields.
type Computed struct {
	Path   string
	Deps   []string
	Derive DeriveFunc
	Equals EqualsFunc // Optional; Same is used when nil
}

func (Computed) traitEntry() {}

// FieldPath implements TraitEntry.
func (c Computed) FieldPath() string { return c.Path }

// Link is a field that mirrors another field verbatim.
type Link struct {
	Path string
	From string
}

func (Link) traitEntry() {}

// FieldPath implements TraitEntry.
func (l Link) FieldPath() string { return l.Path }

// ExternalStore is a field fed from outside the module. It owns its path
// but is never rederived by convergence.
type ExternalStore struct {
	Path    string
	StoreID string
}

func (ExternalStore) traitEntry() {}

// FieldPath implements TraitEntry.
func (e ExternalStore) FieldPath() string { return e.Path }

// List declares an ordered collection whose items get stable row ids.
// Path may contain "[]" markers for nested lists ("items[].children").
type List struct {
	Path    string
	TrackBy string // Optional item-relative key path
}

func (List) traitEntry() {}

// FieldPath implements TraitEntry.
func (l List) FieldPath() string { return l.Path }

// TraitKind returns the variant name of e.
func TraitKind(e TraitEntry) string {
	switch e.(type) {
	case Computed:
		return "computed"
	case Link:
		return "link"
	case ExternalStore:
		return "externalStore"
	case List:
		return "list"
	default:
		panic(fmt.Sprintf("ir: unknown TraitEntry variant %T", e))
	}
}
