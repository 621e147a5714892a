// Package scheduler decides when automations and scheduled posts fire.
//
// It keeps one timer per automation and per post, moves each automation
// through Idle → Armed → Firing → (Armed | Completed), and hands every fire
// to the task engine. It never extracts or sends on its own goroutines.
package scheduler
