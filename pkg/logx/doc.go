// Package logx configures rotabot's structured logging.
//
// The fleet logs through a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional Telegram alert sink (min-level + rate limiting), so an operator
//     hears about login give-ups and worker crashes without tailing logs
package logx
