// Package memory provides an in-memory storage.LoginStore.
//
// Records live in a map guarded by a sync.RWMutex. A background loop
// destroys expired records every cleanup interval, and every write is
// reported to the change sink as an INSERT, MODIFY or REMOVE record after
// the lock is released, so the sink may call back into the store.
//
// It is suitable for development, tests and single-instance deployments.
// Use storage/redis when records must survive restarts or be shared.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	store.SetChangeSink(changestream.NewDispatcher(lifecycle, logger))
package memory
