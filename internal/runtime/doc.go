// Package runtime hosts module instances on top of the convergence engine,
// the tick scheduler and the identity store.
//
// ARCHITECTURE:
//
//	Write(key, mutate)
//	   |  lock instance (one writer per key)
//	   v
//	mutate(head) -> converge.Engine.Converge -> ir.Commit
//	   |
//	   v
//	engine.Scheduler.OnModuleCommit ... tick ... snapshot published
//	   |                                   |
//	   | Propagate (module links)          | commit hook
//	   v                                   v
//	Write(target, copy path, origin=link)  rowid.Store.UpdateAll per instance
//
// A Runtime owns one Scheduler, one convergence Engine and one rowid.Store
// per instance. Module definitions are compiled once by Define; a trait
// graph with a cycle or a field with two writers is rejected there and never
// reaches an instance.
//
// Head returns the latest written state of an instance, State the state of
// the last published snapshot. They differ between a write and the tick that
// commits it.
package runtime
