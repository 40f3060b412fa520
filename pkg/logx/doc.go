// Package logx configures vlogd's structured logging.
//
// It wraps zerolog so that console output stays readable (short timestamp and
// caller), file output stays JSON, and warn+ lines can optionally be forwarded
// to an operator alert channel with a min level and a rate limit.
package logx
