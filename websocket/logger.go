package websocket

import "github.com/wailbentafat/employee-relay/logging"

// Package-level logger for the websocket package.
var log = logging.For("websocket")
