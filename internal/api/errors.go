package api

import (
	"errors"
	"net/http"

	"fieldbook/internal/ledger"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func httpStatus(err error) int {
	switch {
	case errors.Is(err, ledger.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func grpcError(err error) error {
	if err == nil {
		return nil
	}
	var code codes.Code
	switch {
	case errors.Is(err, ledger.ErrValidation):
		code = codes.InvalidArgument
	case errors.Is(err, ledger.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, ledger.ErrForbidden):
		code = codes.PermissionDenied
	case errors.Is(err, ledger.ErrUnavailable):
		code = codes.Unavailable
	default:
		return status.Error(codes.Internal, "internal error")
	}
	return status.Error(code, err.Error())
}
