package domain

import "errors"

var (
	ErrNoImage          = errors.New("no image matches the filter")
	ErrAmbiguousImage   = errors.New("filter matches more than one image")
	ErrImageExists      = errors.New("an image with this name already exists")
	ErrInstanceNotFound = errors.New("instance not found")
	ErrNotFound         = errors.New("not found")
	ErrProvisionFailed  = errors.New("provisioning failed")
)
