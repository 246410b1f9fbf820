// Package knowledge is the local knowledge collaborator the gateway
// delegates queries to.
package knowledge

import (
	"context"
	"errors"

	"custodian-mesh/pkg/model"
)

// ErrEmptyQuery is returned for blank query text.
var ErrEmptyQuery = errors.New("knowledge: empty query")

// Result is an answer plus the passages that support it, best first.
type Result struct {
	Answer   string
	Passages []model.Passage
}

// Backend answers questions from the local corpus.
type Backend interface {
	Query(ctx context.Context, text string, k int) (Result, error)
	// Ready reports whether the index is built and queryable.
	Ready(ctx context.Context) bool
}
