package domain

import "errors"

var (
	ErrNotSubscribed    = errors.New("signal channel not subscribed")
	ErrChannelClosed    = errors.New("signal channel torn down")
	ErrMediaUnavailable = errors.New("local media unavailable")
	ErrWrongRole        = errors.New("operation not valid for this role")
	ErrNoPeer           = errors.New("no peer connection")
	ErrEngineStopped    = errors.New("negotiation engine stopped")
)
