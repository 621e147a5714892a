// Package domain holds the records shared by the store, the scheduler and
// the dispatcher, and the error values callers match on.
package domain
