package generator

import "errors"

var ErrHotAddTimeout = errors.New("kernel did not create enough zram devices")
