// Package routeerr holds the error taxonomy shared by the route builder,
// the compiler and the runtime. Sentinels carry stable strings so they can
// be matched by callers and surfaced over the HTTP API unchanged.
package routeerr

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// Build
	ErrDuplicateName     = errors.New("duplicate_name")
	ErrDuplicateKey      = errors.New("duplicate_key")
	ErrUnbalancedSplit   = errors.New("unbalanced_split")
	ErrNothingToEnd      = errors.New("nothing_to_end")
	ErrIndexOutsideSplit = errors.New("index_outside_split")
	ErrBufferNoOutput    = errors.New("buffer_has_no_output")
	ErrMissingProducer   = errors.New("missing_producer")
	ErrInvalidConfig     = errors.New("invalid_config")
	ErrUnknownScheme     = errors.New("unknown_scheme")
	ErrUnknownField      = errors.New("unknown_field")
	ErrMissingField      = errors.New("missing_field")

	// Compile
	ErrUnknownProducer     = errors.New("unknown_producer")
	ErrUnresolvedReference = errors.New("unresolved_reference")
	ErrFeedbackChain       = errors.New("feedback_chain")
	ErrResourceExhausted   = errors.New("resource_exhausted")
	ErrIncompatibleInput   = errors.New("incompatible_input")
	ErrInvalidIndex        = errors.New("invalid_index")
	ErrNotABuffer          = errors.New("not_a_buffer")
	ErrInvalidReference    = errors.New("invalid_reference")

	// Runtime
	ErrCommandFailed = errors.New("command_failed")
	ErrQueueClosed   = errors.New("queue_closed")
	ErrRouteRemoved  = errors.New("route_removed")
	ErrUnknownKey    = errors.New("unknown_key")
	ErrTimeout       = errors.New("timeout")
	ErrBusy          = errors.New("busy")

	// Decode
	ErrShortPayload   = errors.New("short_payload")
	ErrPayloadOverrun = errors.New("payload_overrun")
	ErrNoSubscription = errors.New("no_subscription")
)

// NodeError locates a build or compile failure at one node of a route.
// Seq is the node's position in construction order.
type NodeError struct {
	Seq  int
	Op   string
	Name string
	Err  error
}

func (e *NodeError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("node %d (%s %q): %v", e.Seq, e.Op, e.Name, e.Err)
	}
	return fmt.Sprintf("node %d (%s): %v", e.Seq, e.Op, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }

// At wraps err with the node position. A nil err stays nil.
func At(seq int, op, name string, err error) error {
	if err == nil {
		return nil
	}
	return &NodeError{Seq: seq, Op: op, Name: name, Err: err}
}

// IsBuild reports whether err belongs to the build category.
func IsBuild(err error) bool {
	return isAny(err, ErrDuplicateName, ErrDuplicateKey, ErrUnbalancedSplit, ErrNothingToEnd,
		ErrIndexOutsideSplit, ErrBufferNoOutput, ErrMissingProducer, ErrInvalidConfig,
		ErrUnknownScheme, ErrUnknownField, ErrMissingField)
}

// IsCompile reports whether err belongs to the compile category.
func IsCompile(err error) bool {
	return isAny(err, ErrUnknownProducer, ErrUnresolvedReference, ErrFeedbackChain,
		ErrResourceExhausted, ErrIncompatibleInput, ErrInvalidIndex, ErrNotABuffer,
		ErrInvalidReference)
}

func isAny(err error, targets ...error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}
