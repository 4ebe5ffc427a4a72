package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"chat-client/internal/models"
)

const maxUploadSize = 50 << 20

// KindForFile guesses the message kind of a media file from its extension.
func KindForFile(name string) (models.MessageKind, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".heic":
		return models.KindImage, nil
	case ".mp4", ".mov", ".m4v", ".webm", ".3gp":
		return models.KindVideo, nil
	}
	return 0, fmt.Errorf("%w: unsupported media file %q", ErrInvalidInput, name)
}

// UploadMedia stores a media file and returns the URL to send as the message body.
// Uploads are not retried.
func (c *Client) UploadMedia(ctx context.Context, filename string, r io.Reader) (string, error) {
	if strings.TrimSpace(filename) == "" {
		return "", fmt.Errorf("%w: file name is required", ErrInvalidInput)
	}

	data, err := io.ReadAll(io.LimitReader(r, maxUploadSize+1))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", filename, err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("%w: %s is empty", ErrInvalidInput, filename)
	}
	if len(data) > maxUploadSize {
		return "", fmt.Errorf("%w: %s exceeds %d bytes", ErrInvalidInput, filename, maxUploadSize)
	}

	var resp struct {
		FileURL string `json:"fileUrl"`
	}
	err = c.do(ctx, request{
		method: http.MethodPost,
		route:  "/group-chat/upload-media",
		path:   "/group-chat/upload-media",
		body: func() (io.Reader, string, error) {
			var buf bytes.Buffer
			w := multipart.NewWriter(&buf)
			part, err := w.CreateFormFile("media", filepath.Base(filename))
			if err != nil {
				return nil, "", err
			}
			if _, err := part.Write(data); err != nil {
				return nil, "", err
			}
			if err := w.Close(); err != nil {
				return nil, "", err
			}
			return &buf, w.FormDataContentType(), nil
		},
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.FileURL == "" {
		return "", fmt.Errorf("upload %s: response has no fileUrl", filename)
	}
	return resp.FileURL, nil
}
