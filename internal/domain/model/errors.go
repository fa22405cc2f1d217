package model

import "errors"

// Sentinel kinds for payload access errors.
var (
	ErrMissingAttr = errors.New("missing payload attribute")
	ErrAttrType    = errors.New("unsupported payload attribute type")
)
