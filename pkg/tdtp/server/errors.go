package server

import "errors"

// ErrChannelTerminated is returned by Run when the supplier's Sender end
// has been closed — the data source is gone and the server has no
// further purpose, so Run stops accepting and returns this error rather
// than continuing to serve new connections.
var ErrChannelTerminated = errors.New("tdtp: supplier channel disconnected")

// kind classifies why a single connection's handler stopped, which
// determines whether the accept loop should write an error frame,
// continue accepting, or propagate the error out of Run entirely.
type kind int

const (
	kindOK kind = iota
	kindProtoInvalid
	kindProtoUnknownConn
	kindProtoEOF
	kindChannelTerm
	kindIO
)

// handlerErr is a connection handler's typed outcome.
type handlerErr struct {
	kind kind
	err  error
}

func (e *handlerErr) Error() string { return e.err.Error() }
func (e *handlerErr) Unwrap() error { return e.err }

func newHandlerErr(k kind, err error) *handlerErr {
	return &handlerErr{kind: k, err: err}
}
