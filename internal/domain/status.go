package domain

// ChannelStatus is the relay subscription state.
type ChannelStatus string

const (
	// StatusIdle is a channel that has not been asked to connect yet.
	StatusIdle         ChannelStatus = "IDLE"
	StatusConnecting   ChannelStatus = "CONNECTING"
	StatusSubscribed   ChannelStatus = "SUBSCRIBED"
	StatusClosed       ChannelStatus = "CLOSED"
	StatusTimedOut     ChannelStatus = "TIMED_OUT"
	StatusChannelError ChannelStatus = "CHANNEL_ERROR"
)

// Failed reports whether s is a terminal failure that warrants a reconnect.
func (s ChannelStatus) Failed() bool {
	return s == StatusClosed || s == StatusTimedOut || s == StatusChannelError
}
