package arbitration

import "fmt"

// NotFoundError means a required record (evidence, request snapshot)
// does not exist. Maps to 404.
type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.Key)
}

// DependencyError means a collaborator (ledger read, evidence store)
// failed in a way that should be retried by redelivery. Maps to 500.
type DependencyError struct {
	Dependency string
	Err        error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s: %v", e.Dependency, e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }

// ChainError means the resolution transaction failed: role check,
// send, or a mined-but-reverted receipt. Maps to 500.
type ChainError struct {
	Err error
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("chain submission: %v", e.Err)
}

func (e *ChainError) Unwrap() error { return e.Err }
