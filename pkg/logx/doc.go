// Package logx is postbot's structured logging layer.
//
// Logger wraps zerolog with typed field helpers. Service owns the sinks and
// swaps them on config reload:
//   - console (zerolog ConsoleWriter, short caller)
//   - file (JSON lines)
//   - chat (warn+ records forwarded to an owner destination, rate limited)
package logx
