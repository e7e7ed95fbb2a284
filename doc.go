// Package syncstore is the local persistence layer of an offline-capable
// document-sync client. It durably stores pending writes, cached query
// results, and cached remote documents, and executes mode-qualified atomic
// transactions over that state.
//
// Multiple independent client instances may share one durable store; exactly
// one is elected primary through a renewable, fenced lease and permitted to
// run write-sensitive transactions. All others operate as read-mostly
// secondaries until the lease frees up.
//
// Typical usage:
//
//	engine, err := syncstore.New(syncstore.Config{Store: "disk:///var/lib/syncstore", MultiClient: true})
//	if err != nil { ... }
//	if err := engine.Start(ctx); err != nil { ... }
//	defer engine.Shutdown(ctx, syncstore.ShutdownOptions{})
//
//	queue := engine.GetMutationQueue("alice")
//	err = engine.RunTransaction(ctx, "enqueue mutation", syncstore.ReadWrite, func(tx *syncstore.Transaction) error {
//		_, err := queue.Enqueue(ctx, tx, payload)
//		return err
//	})
package syncstore
