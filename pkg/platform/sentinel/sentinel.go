package sentinel

import "errors"

// Sentinel errors for storage facts. History stores and the reference resource
// tree return these (optionally wrapped) so services can translate them into
// domain errors.
//
//   - ErrNotFound: partition, tenant or resource does not exist
//   - ErrConflict: identifier already taken (entry id, resource id)
//   - ErrUnavailable: backing store temporarily unreachable
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrUnavailable = errors.New("unavailable")
)
