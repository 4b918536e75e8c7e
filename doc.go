/*
Package setdb implements write-buffered membership tables on top of a
key-value store (in this case, on top of Bolt).

We implement:

1. Entity sets, tables whose contents are a set of entity identifiers;
presence of a key means membership, values are empty.

2. A category index, a derived table recording which categories (entity
sets) each entity belongs to, kept in sync with the primary tables at
commit time.

3. A transaction coordinator that runs all mutations of one transaction
inside a single storage transaction and flushes every table's pending
diff exactly once before committing.

# Technical Details

**Partitions.**
Each table owns one partition, a scoped namespace of binary keys. Bolt
supports these natively as buckets. A flat database like Redis could
simulate partitions via key prefixes.

**Write buffering.**
An entity set materializes its partition into memory on first access and
buffers all mutations there. The first mutation within a transaction
snapshots the materialized set (the baseline). At commit time the table
diffs the baseline against the final set and applies only the delta to
the store, so any number of Replace calls nets out to a single minimal
changeset. Intermediate states never reach the store or the index.

The materialized set is shared across transactions and always reflects the
latest committed state. A reader running on an outdated storage snapshot
gets a private copy instead of seeding the shared cache.

**Category ordinals.**
We assign a small non-negative ordinal to each entity set acting as a
category. These values are recorded in a per-partition state record and
validated on reopen; renumbering categories of an existing database is
an error, since the index encodes ordinals in persisted bitmaps.

## Binary encoding

**Key**: 8 bytes, big-endian. An entity id packs a 32-bit namespace (high
bits) and a 32-bit local id (low bits) into a single 64-bit integer, so
numeric order and unsigned-lexicographic byte order agree.

**Entity set value**: empty byte string.

**Category index value**: msgpack of the category record (a bitmap of
category ordinals).

**Partition state**: msgpack, stored under a reserved key in a separate
meta partition.
*/
package setdb
