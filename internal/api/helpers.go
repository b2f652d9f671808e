package api

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/stylus/internal/imageio"
	"github.com/samcharles93/stylus/internal/tensor"
)

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg)
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg)
}

func writeError(c *echo.Context, status int, errType, msg string) error {
	return c.JSON(status, map[string]any{
		"error": JobError{
			Message: msg,
			Type:    errType,
		},
	})
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}

// decodeImages turns base64 payloads, optionally in data URL form, into
// raw file bytes.
func decodeImages(images []string) ([][]byte, error) {
	out := make([][]byte, len(images))
	for i, s := range images {
		if _, data, ok := strings.Cut(s, ";base64,"); ok && strings.HasPrefix(s, "data:") {
			s = data
		}
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, newInvalidRequest(fmt.Sprintf("images[%d]: %v", i, err))
		}
		out[i] = raw
	}
	return out, nil
}

func encodeImages(images []*tensor.Tensor) ([]string, error) {
	out := make([]string, len(images))
	var buf bytes.Buffer
	for i, img := range images {
		buf.Reset()
		if err := imageio.EncodePNG(&buf, img); err != nil {
			return nil, fmt.Errorf("encode image %d: %w", i, err)
		}
		out[i] = base64.StdEncoding.EncodeToString(buf.Bytes())
	}
	return out, nil
}
