// Package logging provides structured logging for fdb using zerolog.
//
// A single global Logger is initialized once via Init and component-scoped
// child loggers are derived from it with WithComponent. All log lines carry
// a timestamp and, in JSON mode, are safe for ingestion by a log aggregator.
package logging
