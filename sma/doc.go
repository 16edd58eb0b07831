// Package sma implements the protocol core of the Scale Manufacturers Association
// standardized command set as spoken by Sartorius and Minebea Intec ethernet scales.
//
// It provides the command set and frame codec, typed decode results, the error
// taxonomy shared by all go-sma packages, the connection state machine, and the
// task manager used to supervise background goroutines.
//
// The package performs no I/O. The TCP transport that drives it lives in the
// smatcp package.
//
// Wire format:
//
// Commands are short ASCII tokens prefixed with ESC (0x1B) and terminated by CR LF.
// A weight response is a fixed 20-byte line before its terminator:
//
//	K K K K K K + * A A A A A A A A * E E E
//
// where K is the ID field (space padded), + is the sign, * is a space, A is a
// mass digit or decimal point, and E is the unit symbol. An empty unit field
// indicates that the displayed weight has not settled yet. An ID field of
// "Stat" carries a device status report instead of a weight (for example
// "OFF" when the face plate is removed).
//
// Identity responses (model, serial, software version) are free-text lines.
package sma
