// Package sched implements tickd's periodic task scheduler:
// a registry of named interval jobs, a single polling loop goroutine that
// dispatches due work, and per-run timeout/retry-ceiling enforcement.
//
// Control operations (add/remove/enable/disable/inspect/force-run) are safe
// from any goroutine and never block on job execution. Force-run requests
// cross into the loop goroutine through a bounded submit channel and return
// acceptance, not completion.
package sched
