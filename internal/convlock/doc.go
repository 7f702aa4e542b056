// Package convlock serializes message persistence per conversation.
//
// Each conversation id maps to a lazily created mutex that supports
// context-aware acquisition. Entries are reference counted and evicted
// once the last holder releases, so the table stays proportional to the
// number of actively contended conversations rather than all
// conversations ever seen.
package convlock
