// Package rowid implements the identity store: stable row ids for the items
// of ordered collections in module state, across commits.
//
// Each (listPath, parentRowID) pair has its own ListState. Nested lists are
// addressed "listPath@@parentRowID", so removing a parent row cascades to
// every list under it.
//
// Reconciliation prefers keeping ids over minting new ones:
//  1. Same collection reference: nothing changed
//  2. Same length and every item keyed by trackBy: equal key sequences keep
//     all ids, even if the collection was cloned
//  3. Keys not fully available, or equal lengths without trackBy: if no item
//     reference moved to another index, ids stay index-aligned
//  4. Otherwise bucket previous ids by key (trackBy key, else the item
//     reference) and hand them out FIFO; leftovers are removed
//
// Step 3 also applies when trackBy is declared but some item has no key.
// Identity is then kept by position, which can retain an id for an item that
// a fully keyed comparison would have treated as new.
package rowid
