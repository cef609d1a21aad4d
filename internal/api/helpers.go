package api

import (
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/ive/internal/device"
	"github.com/samcharles93/ive/pkg/ive"
)

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "")
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg, "")
}

func writeEngineError(c *echo.Context, err error) error {
	status, errType := statusOf(err)
	return writeError(c, status, errType, err.Error(), "")
}

func writeError(c *echo.Context, status int, errType, msg, param string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
			Param:   param,
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

// parseFormat reads an element format, u8 when empty.
func parseFormat(s string) (ive.Format, error) {
	if strings.TrimSpace(s) == "" {
		return device.U8, nil
	}
	f, err := device.ParseFormat(s)
	if err != nil {
		return device.Invalid, newInvalidRequest(err.Error())
	}
	return f, nil
}

// createImages allocates n images with the given element format and extent.
// On failure the images already created are freed.
func createImages(h *ive.Handle, n int, f ive.Format, channels, width, height int) ([]*ive.Image, error) {
	imgs := make([]*ive.Image, 0, n)
	for range n {
		var (
			img *ive.Image
			err error
		)
		if channels == 1 {
			img, err = h.CreateImage(ive.Gray, f, width, height)
		} else {
			img, err = h.CreateMultiImage(f, channels, width, height)
		}
		if err != nil {
			freeImages(h, imgs)
			return nil, err
		}
		imgs = append(imgs, img)
	}
	return imgs, nil
}

func freeImages(h *ive.Handle, imgs []*ive.Image) {
	for _, img := range imgs {
		_ = h.Free(img)
	}
}

func uploadAll(h *ive.Handle, imgs []*ive.Image, data []string) error {
	for i, img := range imgs {
		raw, err := base64.StdEncoding.DecodeString(data[i])
		if err != nil {
			return newInvalidRequest(fmt.Sprintf("inputs[%d]: %v", i, err))
		}
		if err := h.Upload(img, raw); err != nil {
			return fmt.Errorf("inputs[%d]: %w", i, err)
		}
	}
	return nil
}

func downloadAll(h *ive.Handle, imgs []*ive.Image) ([]string, error) {
	out := make([]string, 0, len(imgs))
	for _, img := range imgs {
		raw, err := h.Download(img)
		if err != nil {
			return nil, err
		}
		out = append(out, base64.StdEncoding.EncodeToString(raw))
	}
	return out, nil
}
