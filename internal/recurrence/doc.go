// Package recurrence models recurrence rules for recurring tasks and computes
// their next occurrences.
//
// A Rule is a sum type keyed by frequency: each Pattern variant carries only
// the fields meaningful for it, so a weekly rule cannot hold a day-of-month and
// a custom rule always has an interval. The loosely typed wire form used by
// API payloads and stores is Spec; Spec.Normalize converts it into a Rule or
// reports a *ConfigError.
//
// NextOccurrence is pure: it never reads the clock and returns the same result
// for the same (rule, reference) pair. ErrTerminated signals the normal end of
// a series, much like io.EOF.
package recurrence
