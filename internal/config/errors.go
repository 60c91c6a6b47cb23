package config

import "errors"

var (
	// Argument errors
	ErrInvalidDeviceName = errors.New("invalid device name, expected zram<N>")

	// Configuration file errors
	ErrInvalidValue = errors.New("invalid configuration value")
)
