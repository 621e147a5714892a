// Package logx is the structured logger used across autoposter.
//
// A thin value-type wrapper over zerolog:
//   - console output stays human readable (short timestamp, file:line caller)
//   - the file sink writes JSON lines
//   - an optional alert sink forwards WARN+ lines to a messaging destination
//
// Loggers created from a Service follow Service.Apply, so a config reload
// changes level and sinks without rebuilding component loggers.
package logx
