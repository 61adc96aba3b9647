package clip

import "errors"

// ErrUnknownResponse — бэкенд ответил 2xx, но без results и без error.
var ErrUnknownResponse = errors.New("clip: response has neither results nor error")

// Kind tags which of the three outcomes a gateway call produced.
type Kind int

const (
	KindOK Kind = iota
	KindBackendError
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindBackendError:
		return "backend_error"
	default:
		return "transport"
	}
}

// Outcome is the classified result of one gateway call. Exactly one of
// Results (KindOK), Message (KindBackendError) or Err (KindTransport) is meaningful.
type Outcome[T any] struct {
	Kind    Kind
	Results []T
	Message string
	Err     error
}

type (
	AnalyzeOutcome = Outcome[LabelScore]
	SearchOutcome  = Outcome[ImageMatch]
)

func OK[T any](results []T) Outcome[T] {
	if results == nil {
		results = []T{}
	}
	return Outcome[T]{Kind: KindOK, Results: results}
}

func BackendError[T any](msg string) Outcome[T] {
	return Outcome[T]{Kind: KindBackendError, Message: msg}
}

func Transport[T any](err error) Outcome[T] {
	return Outcome[T]{Kind: KindTransport, Err: err}
}
