package errors

import (
	"github.com/hashicorp/go-multierror"
)

// Aggregate collects independent errors so that every problem found is
// reported rather than only the first. The executor uses it to keep the
// failure of every child of a Parallel plan node.
type Aggregate struct {
	merr *multierror.Error
}

// NewAggregate returns an empty Aggregate.
func NewAggregate() *Aggregate {
	return &Aggregate{merr: &multierror.Error{}}
}

// Add appends err to the aggregate if non-nil.
func (a *Aggregate) Add(err error) {
	if err == nil {
		return
	}
	a.merr = multierror.Append(a.merr, err)
}

// HasErrors reports whether anything has been added.
func (a *Aggregate) HasErrors() bool {
	return a.merr.ErrorOrNil() != nil
}

// Errors returns the individual errors added, in order.
func (a *Aggregate) Errors() []error {
	return a.merr.Errors
}

// ErrOrNil returns the aggregate as a single error, or nil if empty.
func (a *Aggregate) ErrOrNil() error {
	return a.merr.ErrorOrNil()
}
