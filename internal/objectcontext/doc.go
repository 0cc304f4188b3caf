// Package objectcontext implements unit-of-work contexts over a store
// coordinator.
//
// A Context tracks pending inserts, updates and deletes of Objects. Its
// upstream is either the store coordinator (a root context) or a parent
// context (a child context), never both. CommitUpward pushes the pending set
// exactly one level: into the parent's pending set, or into the store.
//
// Every context is bound to a lane. Background contexts own a serial
// background lane; foreground contexts share the host-driven foreground lane.
// Work that touches a context's objects belongs on that lane, which Perform
// and PerformAndWait arrange.
//
// Objects are registered in exactly one context, and inside a context an
// identity maps to exactly one instance. Moving an object between contexts
// means re-resolving its permanent identity with Existing; temporary
// identities only make sense inside the context that minted them.
//
// Fetches see the upstream state overlaid with local pending changes:
// local instances win and pending deletions hide upstream records.
package objectcontext
