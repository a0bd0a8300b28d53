package lease

import "errors"

var errResourceOwner = errors.New("resource and owner required")
