package domain

// SubjectID is the identity a mobile client asserts when it binds its
// connection. We model it as an opaque identifier: its format is controlled
// by the campus identity system.
type SubjectID string

// RideID is an internal identifier for a ride request record.
type RideID string
