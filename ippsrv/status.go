package ippsrv

import (
	"errors"
	"image"

	"github.com/OpenPrinting/goipp"

	"github.com/printkit/printkit/notify"
	"github.com/printkit/printkit/printer"
	"github.com/printkit/printkit/raster"
	"github.com/printkit/printkit/system"
)

// Request-level sentinel errors raised by the operation handlers.
var (
	errBadRequest        = errors.New("ippsrv: bad request")
	errNotFound          = errors.New("ippsrv: not found")
	errForbidden         = errors.New("ippsrv: forbidden")
	errNotAuthenticated  = errors.New("ippsrv: authentication required")
	errNotPossible       = errors.New("ippsrv: not possible")
	errUnsupportedFormat = errors.New("ippsrv: document format not supported")
)

// statusFromError maps handler errors to IPP status codes per the error
// taxonomy: client errors never tear down the connection, server errors
// signal internal failures.
func statusFromError(err error) goipp.Status {
	switch {
	case err == nil:
		return goipp.StatusOk
	case errors.Is(err, errNotFound),
		errors.Is(err, printer.ErrJobNotFound),
		errors.Is(err, system.ErrPrinterNotFound),
		errors.Is(err, notify.ErrNotFound):
		return goipp.StatusErrorNotFound
	case errors.Is(err, errForbidden):
		return goipp.StatusErrorForbidden
	case errors.Is(err, errNotAuthenticated):
		return goipp.StatusErrorNotAuthenticated
	case errors.Is(err, errUnsupportedFormat):
		return goipp.StatusErrorDocumentFormatNotSupported
	case errors.Is(err, raster.ErrBadSync), errors.Is(err, image.ErrFormat):
		return goipp.StatusErrorDocumentFormatError
	case errors.Is(err, system.ErrShuttingDown), errors.Is(err, printer.ErrShuttingDown):
		return goipp.StatusErrorServiceUnavailable
	case errors.Is(err, printer.ErrDeleted):
		return goipp.StatusErrorNotAcceptingJobs
	case errors.Is(err, errNotPossible):
		return goipp.StatusErrorNotPossible
	case errors.Is(err, notify.ErrBadPullMethod):
		// Push delivery methods are well-formed but unsupported.
		return goipp.StatusErrorAttributesOrValues
	case errors.Is(err, printer.ErrBadName),
		errors.Is(err, system.ErrPrinterExists),
		errors.Is(err, system.ErrUnknownDriver),
		errors.Is(err, errBadRequest),
		errors.Is(err, notify.ErrBadCharset),
		errors.Is(err, notify.ErrNoEvents),
		errors.Is(err, notify.ErrUserDataTooLong),
		errors.Is(err, notify.ErrBadLease),
		errors.Is(err, notify.ErrBadInterval):
		return goipp.StatusErrorBadRequest
	default:
		return goipp.StatusErrorInternal
	}
}
