// Package logx configures egoipush's structured logging.
//
// Components receive a logx.Logger (a thin value type over zerolog) so that:
//   - Console output stays readable (short timestamp + short caller)
//   - File output stays JSON-structured
//   - The zero value is a safe no-op, which keeps tests quiet
package logx
