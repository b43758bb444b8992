package storage

import "errors"

// ErrNotFound is the sentinel for lookups of tasks, identities,
// checkpoints, embeddings, metrics or API keys that do not exist.
// Callers branch on it with errors.Is.
var ErrNotFound = errors.New("storage: not found")
