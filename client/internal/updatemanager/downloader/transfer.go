package downloader

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/updatenode/updatenode/client/internal/manifest"
)

var (
	ErrTransferFailed = errors.New("transfer failed")
	ErrTLSValidation  = errors.New("tls validation failed")
	ErrCancelled      = errors.New("transfer cancelled")
)

// TransferError is the terminal error of an artifact transfer. Code carries
// the HTTP status when the server answered, zero otherwise.
type TransferError struct {
	Code    int
	Message string
	kind    error
}

func newTransferError(kind error, code int, format string, args ...interface{}) *TransferError {
	return &TransferError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		kind:    kind,
	}
}

func (e *TransferError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%v (%d): %s", e.kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%v: %s", e.kind, e.Message)
}

func (e *TransferError) Unwrap() error {
	return e.kind
}

// Status of a transfer
type Status int

const (
	StatusQueued Status = iota
	StatusActive
	StatusDone
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusActive:
		return "active"
	case StatusDone:
		return "done"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal reports whether no further transition happens
func (s Status) Terminal() bool {
	return s >= StatusDone
}

// Result is the outcome of an artifact transfer
type Result struct {
	Update manifest.Update
	// Path of the local artifact, empty on failure
	Path string
	// Cached is set when the artifact came from the cache without network I/O
	Cached bool
	Err    error
}

// ErrorCode returns the HTTP status of a failed transfer or zero
func (r Result) ErrorCode() int {
	var te *TransferError
	if errors.As(r.Err, &te) {
		return te.Code
	}
	return 0
}

// ErrorMessage returns the error text or an empty string on success
func (r Result) ErrorMessage() string {
	if r.Err == nil {
		return ""
	}
	var te *TransferError
	if errors.As(r.Err, &te) {
		return te.Message
	}
	return r.Err.Error()
}

// RawResult is the payload of an untracked fetch together with the caller's label
type RawResult struct {
	Data  []byte
	Label string
}

// Progress of a running transfer. Total is -1 when the server sent no length.
type Progress struct {
	ID       uuid.UUID
	Code     string
	Received int64
	Total    int64
}

// Transfer is an artifact job. Done is closed on its terminal transition.
type Transfer struct {
	id     uuid.UUID
	url    string
	update manifest.Update
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status Status
	result Result
}

func newTransfer(url string, update manifest.Update) *Transfer {
	return &Transfer{
		id:     uuid.New(),
		url:    url,
		update: update,
		done:   make(chan struct{}),
		status: StatusQueued,
	}
}

func (t *Transfer) ID() uuid.UUID {
	return t.id
}

func (t *Transfer) Update() manifest.Update {
	return t.update
}

func (t *Transfer) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Done is closed when the transfer finished, failed or was cancelled
func (t *Transfer) Done() <-chan struct{} {
	return t.done
}

// Result returns the outcome; it is the zero Result until Done is closed
func (t *Transfer) Result() Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Wait blocks until the transfer is done or ctx expires
func (t *Transfer) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		return t.Result(), nil
	case <-ctx.Done():
		return Result{Update: t.update}, ctx.Err()
	}
}

func (t *Transfer) setActive() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == StatusQueued {
		t.status = StatusActive
	}
}

func (t *Transfer) finish(res Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return
	}

	switch {
	case res.Err == nil:
		t.status = StatusDone
	case errors.Is(res.Err, ErrCancelled):
		t.status = StatusCancelled
	default:
		t.status = StatusFailed
	}
	t.result = res
	if t.cancel != nil {
		t.cancel()
	}
	close(t.done)
}
