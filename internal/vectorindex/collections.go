package vectorindex

import (
	"fmt"
	"regexp"
	"strings"
)

// Collection names served by the gateway. Each maps to its own pgvector
// table; the set is fixed so callers never construct table names from
// user input.
const (
	CollectionUserMemory      = "user-memory"
	CollectionUserArtifacts   = "user-artifacts"
	CollectionAppDocs         = "app-documentation"
	CollectionConversations   = "chat-conversations"
	CollectionCode            = "code"
	CollectionCodeSessions    = "awcode-sessions"
	CollectionSharedSolutions = "awcode-shared-solutions"
)

// DefaultCollections returns every collection the platform provisions at
// startup, in creation order.
func DefaultCollections() []string {
	return []string{
		CollectionUserMemory,
		CollectionUserArtifacts,
		CollectionAppDocs,
		CollectionConversations,
		CollectionCode,
		CollectionCodeSessions,
		CollectionSharedSolutions,
	}
}

const (
	// DefaultDimension matches text-embedding-3-small output.
	DefaultDimension = 1536
	// DefaultCentroidLists is the ivfflat list count used when a
	// collection does not override it.
	DefaultCentroidLists = 100
)

// Schema describes a collection's embedding layout. The similarity metric
// is always cosine.
type Schema struct {
	// Dimension is the exact embedding length accepted by the collection.
	Dimension int
	// Lists is the ivfflat centroid count for the ANN index.
	Lists int
}

func (s Schema) withDefaults() Schema {
	if s.Dimension <= 0 {
		s.Dimension = DefaultDimension
	}
	if s.Lists <= 0 {
		s.Lists = DefaultCentroidLists
	}
	return s
}

var collectionNameRE = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

func validateCollectionName(name string) error {
	if !collectionNameRE.MatchString(name) {
		return fmt.Errorf("invalid collection name %q: must match %s", name, collectionNameRE)
	}
	return nil
}

// tableName maps a collection name onto its backing table. Names are
// validated before this runs, so the result is always a safe identifier.
func tableName(collection string) string {
	return "vec_" + strings.ReplaceAll(collection, "-", "_")
}
