/*
Package pelican implements an embedded document store on top of plain files.

We implement:

1. Collections of schemaless JSON-like documents, keyed by _id and versioned
by _version.

2. Conditions, a Mongo-style query language evaluated against documents.

3. Hash indexes for exact-match lookups, and text indexes for substring search.

4. Sessions, committing writes to several collections all at once.

# Technical Details

**Files.**
A database is a directory. Each collection is three files: name.ptr, the
pointer table; name.id, the latest-version index; name.dat, the data blob.
Indexes are name.idx files, and admin.db holds their definitions as JSON.

**Pointer table.**
A text file. The first line is a 36-character modification marker (a UUID).
Every other line is a JSON fragment:

	"id_version":[begin,end,version,"id"]

naming the byte range [begin, end) of that document version in the data
blob. Lines are only ever appended, and ranges are never rewritten, except
by Shrink.

**Latest-version index.**
MsgPack map of id to the current version of every live document, rewritten
whole on every write. Deleting a document removes it from this map; its
bytes stay in the data blob until Shrink.

**Data blob.**
Concatenated MsgPack encodings of document versions. Map keys are sorted, so
equal documents encode to equal bytes.

**Modification marker.**
Every write stores a new marker in the pointer table, after everything else
is written. A handle compares the marker it last saw with the one on disk
before trusting its cached state, and reloads on mismatch. This is how
writes by other handles and processes become visible. Options.Singleton
skips the check.

**Locks.**
Writers hold an exclusive flock on name.ptr.lock, readers a shared one. The
lock files are never removed by their holders. Open removes lock files that
are older than twice the lock timeout and that nobody holds.

**Indexes.**
A hash index file is the marker line followed by a JSON object mapping the
SHA-1 hex digest of a field value to the document id. A text index file is
the marker line followed by `"0":{...}` and `"1":{...}` lines holding the
two top branches of a TextTree. Dynamic indexes are never written and are
empty after a restart until reindexed.

# Sessions

Session writes are staged in memory. Commit locks every touched collection
in name order, validates every batch against the fresh on-disk state, and
only then writes. Index maintenance runs after the locks are released,
inline or through Options.IndexQueue.
*/
package pelican
