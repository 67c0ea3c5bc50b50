package relay

import "errors"

var ErrHubClosed = errors.New("relay hub closed")
