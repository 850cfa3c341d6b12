// Package sync is the sync orchestrator: the single driver that drains the
// mutation queue against the backend.
//
// # Lifecycle
//
// An Orchestrator owns an explicit store handle, built once at startup:
//
//	store, _ := db.Open(path)
//	_ = store.InitSchema()
//	orch, _ := sync.New(store, client, cfg)
//	go orch.Run(ctx)
//
// Writes go through Write, which updates the local view and enqueues the
// mutation in one store transaction and returns without touching the
// network. Run drives drain cycles on these triggers:
//
//   - the network monitor reporting online
//   - NotifyForeground
//   - the periodic timer, while online
//   - RetrySyncNow
//   - a local write or a backoff deadline, while online
//
// Triggers arriving during a drain are coalesced into one more cycle.
//
// # Drain cycle
//
// Each cycle claims at most one mutation per entity, up to MaxConcurrency,
// and sends them in parallel. The outcome of every attempt is recorded
// before the next batch is claimed:
//
//   - applied: the server snapshot is confirmed and cached reads of the
//     entity are marked stale
//   - conflict: the resolver drops, resends or parks the mutation
//   - transient: rescheduled with exponential backoff, then stuck
//   - auth: the queue pauses until NotifyReauthenticated
//   - validation: failed until discarded or resubmitted
//
// If the monitor reports offline mid-cycle, in-flight attempts are
// cancelled and their mutations return to pending without charging a
// retry.
package sync
