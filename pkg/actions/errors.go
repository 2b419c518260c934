package actions

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/funnelflow/funnelflow/pkg/protocol"
)

var (
	// ErrUnknownAction is returned for action kinds without a registered handler.
	ErrUnknownAction = errors.New("unknown action")

	// ErrInvalidParams is returned when an action node lacks a required parameter.
	ErrInvalidParams = errors.New("invalid action parameters")

	// ErrNotConfigured is returned when the collaborator an action needs was not provided.
	ErrNotConfigured = errors.New("action collaborator not configured")

	// ErrMissingRecipient is returned when the subject has no address for the requested channel.
	ErrMissingRecipient = errors.New("subject has no address for channel")

	// ErrWebhookStatus is returned when a webhook answers with a non-2xx status.
	ErrWebhookStatus = errors.New("webhook returned unexpected status")
)

// transientError marks a failure worth retrying, such as a timeout or a 5xx response.
type transientError struct {
	err error
}

func (e *transientError) Error() string {
	return "transient: " + e.err.Error()
}

func (e *transientError) Unwrap() error {
	return e.err
}

// Transient wraps err so IsTransient reports true for it. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}

	return &transientError{err: err}
}

// IsTransient reports whether any error in err's chain was marked transient.
func IsTransient(err error) bool {
	var transient *transientError

	return errors.As(err, &transient)
}

// IsConfiguration reports whether err stems from the action node's configuration
// rather than from executing it.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrUnknownAction) ||
		errors.Is(err, ErrInvalidParams) ||
		errors.Is(err, ErrNotConfigured)
}

// classify marks collaborator failures worth retrying as transient.
func classify(err error) error {
	if IsTransient(err) || IsConfiguration(err) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, protocol.ErrUnavailable) {
		return Transient(err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Transient(err)
	}

	return err
}

func missingParam(kind, param string) error {
	return fmt.Errorf("%w: %s requires %q", ErrInvalidParams, kind, param)
}
