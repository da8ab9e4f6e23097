// Package timeutil formats instants relative to now for operator output,
// such as when a principal's lockout expires:
//
//	timeutil.Relative(rec.LockedUntil) // "in 14 minutes"
//	timeutil.Relative(rec.WindowStart) // "3 minutes ago"
package timeutil
