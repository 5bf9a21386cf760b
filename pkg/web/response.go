package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// NoResponse tells Respond the handler already wrote the response.
type NoResponse struct{}

// Encode implements the Encoder interface.
func (NoResponse) Encode() ([]byte, string, error) { return nil, "", nil }

type httpStatus interface {
	HTTPStatus() int
}

type httpHeaders interface {
	Headers() http.Header
}

// Respond sends a response to the client.
func Respond(ctx context.Context, w http.ResponseWriter, resp Encoder) error {
	if _, ok := resp.(NoResponse); ok {
		return nil
	}

	// If the context has been canceled, it means the client is no longer
	// waiting for a response.
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.Canceled) {
			return errors.New("client disconnected, do not send response")
		}
	}

	statusCode := http.StatusOK

	switch v := resp.(type) {
	case httpStatus:
		statusCode = v.HTTPStatus()
	case error:
		statusCode = http.StatusInternalServerError
	default:
		if resp == nil {
			statusCode = http.StatusNoContent
		}
	}

	if resp == nil || statusCode == http.StatusNoContent {
		w.WriteHeader(statusCode)
		return nil
	}

	if v, ok := resp.(httpHeaders); ok {
		for k, vals := range v.Headers() {
			for _, val := range vals {
				w.Header().Add(k, val)
			}
		}
	}

	data, contentType, err := resp.Encode()
	if err != nil {
		return fmt.Errorf("respond: encode: %w", err)
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(statusCode)

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("respond: write: %w", err)
	}

	return nil
}

// JSON is an Encoder for any JSON-serializable value with an explicit
// status code.
type JSON struct {
	Status int
	Value  any
}

// Encode implements the Encoder interface.
func (j JSON) Encode() ([]byte, string, error) {
	data, err := json.Marshal(j.Value)
	return data, "application/json", err
}

// HTTPStatus implements the httpStatus interface.
func (j JSON) HTTPStatus() int {
	if j.Status == 0 {
		return http.StatusOK
	}
	return j.Status
}

// Decode reads the body of an HTTP request as JSON into val.
func Decode(r *http.Request, val any) error {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("request: unable to read payload: %w", err)
	}

	if err := json.Unmarshal(data, val); err != nil {
		return fmt.Errorf("request: decode: %w", err)
	}

	return nil
}
