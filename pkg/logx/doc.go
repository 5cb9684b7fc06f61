// Package logx provides structured logging on top of zerolog with
// hot-swappable sinks (console, file, Telegram ops chat).
//
// Loggers obtained from a Service stay live across Apply() calls, so
// components can hold a Logger value for their whole lifetime while the
// operator changes levels/outputs via config reload.
package logx
