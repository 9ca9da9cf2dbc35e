// Package scheduler turns recurring rules into occurrences.
//
// A scan lists the rules whose evaluation time has passed, computes each
// rule's next due date, picks the assignee and commits the occurrence
// together with the updated rule state in one compare-and-swap write.
// Scans are triggered by a cron or interval tick, by Notify and by
// completions; rules are evaluated in parallel on the task engine with at
// most one evaluation per rule in flight.
package scheduler
