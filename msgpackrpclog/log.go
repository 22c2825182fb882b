// Package msgpackrpclog is the thin structured-logging seam the rest of
// the module is built against: every package threads a *zap.Logger
// through its constructors rather than reaching for a global. This
// package only adds the two defaults everyone needs (a silent logger and
// a development-friendly console one) plus field helpers so the same
// keys are used everywhere a msgid/method/peer is logged.
package msgpackrpclog

import "go.uber.org/zap"

// Nop returns a logger that discards everything, the default for
// constructors that take an *Option but whose caller doesn't pass one.
func Nop() *zap.Logger { return zap.NewNop() }

// Default returns a development-mode console logger suitable for
// examples and tests; production callers are expected to build and pass
// their own *zap.Logger.
func Default() *zap.Logger {
	l, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// MsgID is the standard field key for a wire message id.
func MsgID(id uint32) zap.Field { return zap.Uint32("msgid", id) }

// Method is the standard field key for an RPC method name.
func Method(name string) zap.Field { return zap.String("method", name) }

// PeerField is the standard field key for a datagram/multicast sender.
func PeerField(s string) zap.Field { return zap.String("peer", s) }
