// Package logx configures tgsender's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional operator-chat sink (min-level + rate limiting)
package logx
