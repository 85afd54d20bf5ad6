package output

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	registrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "obsoutput_registrations_total",
			Help: "Output kind registrations by result.",
		},
		[]string{"result"}, // ok, rejected
	)

	lifecycleTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "obsoutput_lifecycle_total",
			Help: "Lifecycle operations on output instances by operation and result.",
		},
		[]string{"op", "result"}, // result: ok, noop, rejected, violation, error
	)

	outputsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "obsoutput_outputs_active",
			Help: "Output instances currently active or paused.",
		},
	)
)

// Event results, also used as the result label.
const (
	ResultOK        = "ok"
	ResultNoop      = "noop"
	ResultRejected  = "rejected"
	ResultViolation = "violation"
	ResultError     = "error"
)

func resultOf(err error) string {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, ErrProtocolViolation):
		return ResultViolation
	case errors.Is(err, ErrStartRejected),
		errors.Is(err, ErrAlreadyActive),
		errors.Is(err, ErrEncoderIncompatible),
		errors.Is(err, ErrRegistration):
		return ResultRejected
	default:
		return ResultError
	}
}
