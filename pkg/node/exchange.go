package node

import "bespoke/pkg/routerapi"

// Exchange is one forwarded request awaiting its response.
type Exchange struct {
	ID uint64

	done chan struct{}
	resp *routerapi.ForwardResponse
	err  error
}

func newExchange(id uint64) *Exchange {
	return &Exchange{ID: id, done: make(chan struct{})}
}

// complete is called at most once, by whoever removed the exchange from the pending table.
func (e *Exchange) complete(resp *routerapi.ForwardResponse, err error) {
	e.resp = resp
	e.err = err
	close(e.done)
}

// Done is closed when the exchange is resolved.
func (e *Exchange) Done() <-chan struct{} {
	return e.done
}

// Result returns the outcome. Only valid after Done is closed.
func (e *Exchange) Result() (*routerapi.ForwardResponse, error) {
	return e.resp, e.err
}
