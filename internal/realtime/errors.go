package realtime

import "errors"

var (
	ErrNotConnected     = errors.New("not connected to chat broker")
	ErrHandshakeTimeout = errors.New("broker did not acknowledge CONNECT in time")
	ErrBrokerRejected   = errors.New("broker rejected frame")
)
