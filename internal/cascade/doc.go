// Package cascade resolves and applies cascading deletes over a graph of
// related records.
//
// A delete walks the relation graph depth first. Every record is entered into
// a Visited set before its relations are followed, so cycles and shared
// references are processed exactly once per top-level invocation. Related
// records are classified by the on_delete policy of the relation that reaches
// them: soft_delete children get their own deleted_at stamp, hard_delete
// children are detached from the parent and physically removed, set_null
// links are dissolved and restrict links block the delete.
//
// The package performs no I/O. Writes are queued through a Session and only
// become durable when the caller commits its unit of work.
package cascade
