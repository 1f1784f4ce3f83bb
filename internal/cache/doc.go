// Package cache implements the two-tier byte cache that sits in front of the
// transfer engine. The memory tier is a cost-bounded LRU keyed by opaque
// strings; the disk tier keeps one flat file per key under StoragePath with
// temp file + rename writes and an asynchronously built "maybe cached" index.
// Manager composes both tiers: memory-first reads, write-through puts with an
// optional background disk write, and removals that surface disk errors.
// Disk failures on the read/write path never escape Manager; they degrade to a
// miss or a skipped persist and are only visible in the logs.
package cache
