// Package logx provides a small structured logging facade over zerolog with
// hot-swappable sinks (console, JSON file). Loggers created from a Service
// stay live across config reloads.
package logx
