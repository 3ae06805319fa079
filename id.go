package tally

import "github.com/xraph/tally/id"

// ID is the primary identifier type for Tally records.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
