package setup

import "errors"

var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrFormatFailed   = errors.New("formatting device failed")
)
