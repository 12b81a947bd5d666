package driver

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"net/http"

	"github.com/hopboxdev/bpshell/internal/bp"
	"github.com/hopboxdev/bpshell/internal/groupalloc"
	"github.com/hopboxdev/bpshell/internal/host"
	"github.com/hopboxdev/bpshell/internal/reservation"
	"github.com/hopboxdev/bpshell/internal/session"
	"github.com/hopboxdev/bpshell/internal/testmodel"
)

// statusFor maps an operation error to the HTTP status of the RPC reply.
func statusFor(err error) int {
	var (
		parseErr    *testmodel.ParseError
		resolveErr  *reservation.ResolutionError
		conflictErr *groupalloc.PortConflictError
		bpErr       *bp.APIError
		hostErr     *host.APIError
		netErr      net.Error
	)
	switch {
	case errors.Is(err, errBadRequest),
		errors.As(err, &parseErr),
		errors.As(err, &resolveErr),
		errors.Is(err, session.ErrUnsupportedFormat),
		errors.Is(err, fs.ErrNotExist):
		return http.StatusBadRequest
	case errors.As(err, &conflictErr),
		errors.Is(err, groupalloc.ErrPoolExhausted),
		errors.Is(err, session.ErrTestRunning),
		errors.Is(err, session.ErrNotLoaded),
		errors.Is(err, session.ErrNoTestRun),
		errors.Is(err, session.ErrClosed):
		return http.StatusConflict
	case errors.Is(err, session.ErrUnknownReservation):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &bpErr), errors.As(err, &hostErr), errors.As(err, &netErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
