// Package logx is extsched's logging layer: value-type Loggers over
// zerolog, with console or JSON stdout, an optional JSON file, and live
// reconfiguration through Service.Apply.
package logx
