// Package logger wraps zap for the alarm engine:
//   - a global sugared logger with console or JSON encoding,
//   - context helpers (ToContext/FromContext/WithName/WithKV),
//   - level parsing and runtime level changes,
//   - leveled convenience functions (Infof, WarnKV, ErrorKV, etc.).
//
// Components take a context and log through the logger stored in it, so a
// rule id or channel attached once follows every message below that point.
package logger
