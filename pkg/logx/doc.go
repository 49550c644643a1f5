// Package logx is the structured logging layer of the compliance engine.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller), or raw
//     JSON when Format is "json"
//   - File output JSON-structured, one event per line
//   - Level and sinks hot-swappable through Service.Apply
package logx
