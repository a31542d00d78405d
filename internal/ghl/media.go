package ghl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	apperrors "github.com/alexjbarnes/ghl-bridge/internal/errors"
)

// Upload is one file sent to /medias/upload-file. Either Content or
// FileURL (with Hosted) must be set.
type Upload struct {
	Name        string
	ContentType string
	Content     io.Reader
	Hosted      bool
	FileURL     string
	ParentID    string
}

// Validate checks that exactly one source is provided.
func (u *Upload) Validate() error {
	if u.Hosted {
		if u.FileURL == "" {
			return fmt.Errorf("%w: hosted upload requires fileUrl", apperrors.ErrValidation)
		}

		return nil
	}

	if u.Content == nil {
		return fmt.Errorf("%w: file is required", apperrors.ErrValidation)
	}

	return nil
}

// multipartBody renders the upload as a multipart/form-data body.
func (u *Upload) multipartBody() ([]byte, string, error) {
	var buf bytes.Buffer

	w := multipart.NewWriter(&buf)

	name := NormalizeName(filepath.Base(u.Name))
	if name == "" || name == "." {
		name = "upload"
	}

	if u.Hosted {
		_ = w.WriteField("hosted", "true")
		_ = w.WriteField("fileUrl", u.FileURL)
	} else {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(name)))

		ct := u.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}

		h.Set("Content-Type", ct)

		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", fmt.Errorf("creating file part: %w", err)
		}

		if _, err := io.Copy(part, u.Content); err != nil {
			return nil, "", fmt.Errorf("copying file content: %w", err)
		}

		_ = w.WriteField("hosted", "false")
	}

	_ = w.WriteField("name", name)

	if u.ParentID != "" {
		_ = w.WriteField("parentId", u.ParentID)
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("closing multipart writer: %w", err)
	}

	return buf.Bytes(), w.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

// UploadMedia uploads a file to the media library of the token's
// location. GHL rejects Company tokens on this endpoint.
func (c *Client) UploadMedia(ctx context.Context, token string, u *Upload) (json.RawMessage, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}

	body, contentType, err := u.multipartBody()
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, request{
		method:      http.MethodPost,
		endpoint:    "/medias/upload-file",
		token:       token,
		contentType: contentType,
		body:        body,
	})
	if err != nil {
		return nil, fmt.Errorf("uploading media: %w", err)
	}

	return json.RawMessage(resp), nil
}

// ListMedia lists files in a location's media library.
func (c *Client) ListMedia(ctx context.Context, token, locationID string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("altId", locationID)
	q.Set("altType", "location")
	q.Set("type", "file")
	q.Set("sortBy", "createdAt")
	q.Set("sortOrder", "desc")

	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	resp, err := c.getJSON(ctx, token, "/medias/files", q)
	if err != nil {
		return nil, fmt.Errorf("listing media: %w", err)
	}

	return resp, nil
}
