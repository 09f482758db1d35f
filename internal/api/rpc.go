// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Dependencies is the constraint satisfied by every handler's dependency
// bundle.
type Dependencies any

// InitT builds a handler's Dependencies for one request.
type InitT[D Dependencies] func(context.Context) (D, error)

// HandlerT is the signature every RPC implements: decode, validate, and
// dependency injection happen around it; it only does the operation.
type HandlerT[I Message, O any, D Dependencies] func(context.Context, I, D) (*O, error)

// NoDeps is used by handlers with no external dependencies.
type NoDeps struct{}

// NoDepsInit satisfies InitT[*NoDeps].
func NoDepsInit(context.Context) (*NoDeps, error) { return &NoDeps{}, nil }

// NoBody is used by handlers that take no request body (GET endpoints
// whose parameters come entirely from the URL).
type NoBody struct{}

// Validate satisfies Message.
func (NoBody) Validate() error { return nil }

// AsStatus wraps err as a gRPC status with the given code, the way
// handlers report domain errors up through Handler.
func AsStatus(code codes.Code, err error) error {
	return status.New(code, err.Error()).Err()
}

// grpcToHTTP maps the gRPC status codes handlers report through AsStatus
// onto the HTTP status codes spec.md §6 requires.
var grpcToHTTP = map[codes.Code]int{
	codes.OK:                 http.StatusOK,
	codes.Canceled:           499, // Client Closed Request
	codes.Unknown:            http.StatusInternalServerError,
	codes.InvalidArgument:    http.StatusBadRequest,
	codes.DeadlineExceeded:   http.StatusGatewayTimeout,
	codes.NotFound:           http.StatusNotFound,
	codes.AlreadyExists:      http.StatusConflict,
	codes.PermissionDenied:   http.StatusForbidden,
	codes.ResourceExhausted:  http.StatusTooManyRequests,
	codes.FailedPrecondition: http.StatusBadRequest,
	codes.Aborted:            http.StatusConflict,
	codes.OutOfRange:         http.StatusBadRequest,
	codes.Unimplemented:      http.StatusNotImplemented,
	codes.Internal:           http.StatusInternalServerError,
	codes.Unavailable:        http.StatusServiceUnavailable,
	codes.DataLoss:           http.StatusInternalServerError,
	codes.Unauthenticated:    http.StatusUnauthorized,
}

// ErrorPayload is the "error" member of the response envelope.
type ErrorPayload struct {
	Category string `json:"category,omitempty"`
	Message  string `json:"message"`
}

// Envelope is the JSON shape every endpoint responds with, per spec.md
// §4.10: {success, data|error, message, request_id}.
type Envelope[O any] struct {
	Success   bool          `json:"success"`
	Data      *O            `json:"data,omitempty"`
	Error     *ErrorPayload `json:"error,omitempty"`
	Message   string        `json:"message,omitempty"`
	RequestID string        `json:"request_id"`
}

func writeEnvelope[O any](rw http.ResponseWriter, httpStatus int, data *O, errPayload *ErrorPayload, requestID string) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(httpStatus)
	env := Envelope[O]{Success: errPayload == nil, Data: data, Error: errPayload, RequestID: requestID}
	if err := json.NewEncoder(rw).Encode(env); err != nil {
		log.Println(errors.Wrap(err, "encoding response envelope"))
	}
}

// WriteError writes err as an envelope-shaped failure response, mapping
// its gRPC status code to an HTTP status the way Handler does. Used by
// middleware (the credential gate) that rejects a request before a
// Handler gets a chance to.
func WriteError(rw http.ResponseWriter, err error) {
	s := status.Convert(err)
	httpStatus, ok := grpcToHTTP[s.Code()]
	if !ok {
		httpStatus = http.StatusInternalServerError
	}
	writeEnvelope[NoReturn](rw, httpStatus, nil, &ErrorPayload{Message: s.Message()}, uuid.NewString())
}

// NoReturn is used where a response never carries a data payload.
type NoReturn struct{}

// StatusCoder lets a handler's response override the default 200 on
// success, e.g. spec.md §6's 202 accepted-for-queueing response to a
// submission that was newly enqueued rather than served from cache.
type StatusCoder interface {
	HTTPStatus() int
}

// decodeBody reads a JSON request body into req, tolerating an empty
// body for types (like NoBody) that don't need one.
func decodeBody[I Message](r *http.Request) (I, error) {
	var req I
	if r.Body == nil || r.ContentLength == 0 {
		return req, nil
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, errors.Wrap(err, "decoding request body")
	}
	return req, nil
}

// Handler adapts a HandlerT into an http.HandlerFunc: decode the JSON
// body, validate it, build dependencies, invoke the operation, and wrap
// the result (or error) in the envelope described in spec.md §4.10.
func Handler[I Message, O any, D Dependencies](initDeps InitT[D], handler HandlerT[I, O, D]) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := uuid.NewString()
		req, err := decodeBody[I](r)
		if err != nil {
			log.Println(err)
			writeEnvelope[O](rw, http.StatusBadRequest, nil, &ErrorPayload{Message: err.Error()}, requestID)
			return
		}
		if err := req.Validate(); err != nil {
			log.Println(errors.Wrap(err, "validating request"))
			writeEnvelope[O](rw, http.StatusBadRequest, nil, &ErrorPayload{Message: err.Error()}, requestID)
			return
		}
		deps, err := initDeps(ctx)
		if err != nil {
			log.Println(errors.Wrap(err, "initializing dependencies"))
			writeEnvelope[O](rw, http.StatusInternalServerError, nil, &ErrorPayload{Message: "internal error"}, requestID)
			return
		}
		o, err := handler(ctx, req, deps)
		if err != nil {
			s := status.Convert(err)
			httpStatus, ok := grpcToHTTP[s.Code()]
			if !ok {
				log.Printf("unknown error code: %s\n", s.Code())
				httpStatus = http.StatusInternalServerError
			}
			log.Println(s.Err())
			writeEnvelope[O](rw, httpStatus, nil, &ErrorPayload{Message: s.Message()}, requestID)
			return
		}
		httpStatus := http.StatusOK
		if sc, ok := any(o).(StatusCoder); ok {
			httpStatus = sc.HTTPStatus()
		}
		writeEnvelope(rw, httpStatus, o, nil, requestID)
	}
}
