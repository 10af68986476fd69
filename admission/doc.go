/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

// Package admission implements in-process, multi-tenant admission control.
//
// For every (client, tier) pair the Engine enforces five constraints at once:
// per-second, per-minute, per-hour and per-day quotas plus a concurrency
// ceiling. Short spikes above the per-minute quota may be absorbed by a
// bounded burst pool, and the effective per-minute quota is scaled down by a
// process-wide adaptive multiplier when the system is under load.
//
// The decision path is split from the commit path: Engine.CheckLimit only
// inspects state and is safe to repeat, Engine.Record commits consumption
// once the guarded operation actually starts. Callers that do not need the
// two-step contract should use Engine.Allow, which folds decision and commit
// into a single per-client critical section.
//
// All state is kept in memory. A process restart resets every client to full
// quota.
package admission
