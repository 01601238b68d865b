// Package logx is the bridge's logging front end over zerolog.
//
// Components hold a Logger value tagged with a "comp" field. Loggers derived
// from a Service follow its level and sinks, so a config reload that touches
// the logging section takes effect without rebuilding any component.
package logx
