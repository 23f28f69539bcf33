package hypervisor

import "errors"

var (
	ErrSocketTimeout  = errors.New("api socket did not appear in time")
	ErrAPIRequest     = errors.New("hypervisor api request failed")
	ErrVersionUnknown = errors.New("could not determine hypervisor version")
)
