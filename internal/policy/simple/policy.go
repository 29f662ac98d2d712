// Package simple contains the permissive policy used when rate limiting is off.
package simple

// Policy admits every client.
type Policy struct{}

// New creates a Policy.
func New() *Policy {
	return &Policy{}
}

// Allow always returns true.
func (Policy) Allow(string) bool {
	return true
}
