// Package fetch is the entry point of the engine. Coordinator coalesces
// identical requests onto one transfer.Unit; Loader layers the two cache
// tiers and local files in front of it and writes fresh network results
// back through the cache.
package fetch
