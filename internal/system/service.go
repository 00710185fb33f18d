package system

import "context"

// Service represents a lifecycle-managed component. Background workers such
// as the randomness coordinator, the keeper and the event relay implement it
// so the runtime can start and stop them deterministically.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}
