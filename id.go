package pulse

import "github.com/xraph/pulse/id"

// ID is the primary identifier type for all pulse entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
