// Package cache defines the generation-scoped response store that backs the
// interception policy. A Storage owns a set of named generations; each
// generation (Cache) maps a request identity (GET + normalized URL) to a
// response snapshot. Backends live in sub-packages (disk, redisstore) and
// register themselves with the backend registry so the CLI can pick one from
// config. Lifecycle code only ever talks to the Storage/Cache contract.
package cache
