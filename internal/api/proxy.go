package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	apperrors "github.com/alexjbarnes/ghl-bridge/internal/errors"
	"github.com/alexjbarnes/ghl-bridge/internal/ghl"
	"github.com/alexjbarnes/ghl-bridge/internal/models"
	"github.com/tidwall/gjson"
)

// multipartMemory is how much of an upload is held in memory before
// spilling to a temp file.
const multipartMemory = 8 << 20

func queryInt(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}

	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", apperrors.ErrValidation, name)
	}

	return n, nil
}

// HandleListProducts proxies GET /products/ for the installation's
// location.
func HandleListProducts(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := d.resolveInstallation(r)
		if err != nil {
			writeError(w, r, d.Logger, err)
			return
		}

		limit, err := queryInt(r, "limit")
		if err != nil {
			writeError(w, r, d.Logger, err)
			return
		}

		offset, err := queryInt(r, "offset")
		if err != nil {
			writeError(w, r, d.Logger, err)
			return
		}

		out, err := d.withToken(r.Context(), id, models.ScopeProductsRead, func(inst *models.Installation) (json.RawMessage, error) {
			return d.Upstream.ListProducts(r.Context(), inst.AccessToken, inst.LocationID, limit, offset)
		})
		if err != nil {
			writeError(w, r, d.Logger, err)
			return
		}

		writeRaw(w, http.StatusOK, out)
	}
}

type createProductResponse struct {
	Product json.RawMessage   `json:"product"`
	Prices  []json.RawMessage `json:"prices"`
}

// HandleCreateProduct creates a product and, when the body carries a
// prices array, its prices. locationId defaults to the installation's.
func HandleCreateProduct(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := d.resolveInstallation(r)
		if err != nil {
			writeError(w, r, d.Logger, err)
			return
		}

		var spec ghl.ProductSpec
		if err := decodeJSON(w, r, &spec); err != nil {
			writeError(w, r, d.Logger, err)
			return
		}

		out, err := d.withToken(r.Context(), id, models.ScopeProductsWrite, func(inst *models.Installation) (json.RawMessage, error) {
			p := spec.Product
			p.Normalize()

			if p.LocationID == "" {
				p.LocationID = inst.LocationID
			}

			if err := p.Validate(); err != nil {
				return nil, err
			}

			// Prices are validated up front so a bad price does not
			// leave a product behind.
			for i := range spec.Prices {
				if err := preparePrice(&spec.Prices[i], inst); err != nil {
					return nil, fmt.Errorf("price %d: %w", i+1, err)
				}
			}

			return d.Upstream.CreateProduct(r.Context(), inst.AccessToken, &p)
		})
		if err != nil {
			writeError(w, r, d.Logger, err)
			return
		}

		productID := productIDFrom(out)
		resp := createProductResponse{Product: out, Prices: []json.RawMessage{}}

		d.Logger.Info("product created",
			slog.String("installation_id", id),
			slog.String("product_id", productID),
			slog.Int("prices", len(spec.Prices)),
		)

		if len(spec.Prices) > 0 && productID == "" {
			writeError(w, r, d.Logger, fmt.Errorf("%w: product created but response has no id, prices not added", apperrors.ErrAPIResponse))
			return
		}

		for i := range spec.Prices {
			price := spec.Prices[i]

			out, err := d.withToken(r.Context(), id, models.ScopeProductsWrite, func(inst *models.Installation) (json.RawMessage, error) {
				return d.Upstream.CreatePrice(r.Context(), inst.AccessToken, productID, &price)
			})
			if err != nil {
				writeError(w, r, d.Logger, fmt.Errorf("product %s created, price %d failed: %w", productID, i+1, err))
				return
			}

			resp.Prices = append(resp.Prices, out)
		}

		writeJSON(w, http.StatusCreated, resp)
	}
}

// productIDFrom extracts the product ID from a create response. GHL
// returns either the product itself or {"product": {...}}.
func productIDFrom(body json.RawMessage) string {
	for _, path := range []string{"_id", "id", "product._id", "product.id"} {
		if v := gjson.GetBytes(body, path); v.Exists() && v.String() != "" {
			return v.String()
		}
	}

	return ""
}

func preparePrice(p *ghl.Price, inst *models.Installation) error {
	p.Normalize()

	if p.LocationID == "" {
		p.LocationID = inst.LocationID
	}

	return p.Validate()
}

// HandleCreatePrice adds a price to an existing product.
func HandleCreatePrice(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := d.resolveInstallation(r)
		if err != nil {
			writeError(w, r, d.Logger, err)
			return
		}

		productID := strings.TrimSpace(r.PathValue("productId"))
		if productID == "" {
			writeError(w, r, d.Logger, fmt.Errorf("%w: productId is required", apperrors.ErrValidation))
			return
		}

		var price ghl.Price
		if err := decodeJSON(w, r, &price); err != nil {
			writeError(w, r, d.Logger, err)
			return
		}

		out, err := d.withToken(r.Context(), id, models.ScopeProductsWrite, func(inst *models.Installation) (json.RawMessage, error) {
			p := price
			if err := preparePrice(&p, inst); err != nil {
				return nil, err
			}

			return d.Upstream.CreatePrice(r.Context(), inst.AccessToken, productID, &p)
		})
		if err != nil {
			writeError(w, r, d.Logger, err)
			return
		}

		writeRaw(w, http.StatusCreated, out)
	}
}

// HandleUploadMedia proxies a multipart upload to /medias/upload-file.
// The form carries either a "file" part or hosted=true with fileUrl, plus
// optional name and parentId.
func HandleUploadMedia(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := d.resolveInstallation(r)
		if err != nil {
			writeError(w, r, d.Logger, err)
			return
		}

		if r.ContentLength > d.MediaMaxBytes {
			writeTooLarge(w, d.MediaMaxBytes)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, d.MediaMaxBytes)

		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeTooLarge(w, d.MediaMaxBytes)
				return
			}

			writeError(w, r, d.Logger, fmt.Errorf("%w: invalid multipart form: %v", apperrors.ErrValidation, err))

			return
		}
		defer func() { _ = r.MultipartForm.RemoveAll() }()

		up := &ghl.Upload{
			Name:     r.FormValue("name"),
			Hosted:   r.FormValue("hosted") == "true",
			FileURL:  r.FormValue("fileUrl"),
			ParentID: r.FormValue("parentId"),
		}

		var src multipart.File

		if !up.Hosted {
			file, header, err := r.FormFile("file")
			if err != nil && !errors.Is(err, http.ErrMissingFile) {
				writeError(w, r, d.Logger, fmt.Errorf("%w: reading file part: %v", apperrors.ErrValidation, err))
				return
			}

			if file != nil {
				defer file.Close()

				src = file
				up.Content = file
				up.ContentType = header.Header.Get("Content-Type")

				if up.Name == "" {
					up.Name = header.Filename
				}
			}
		}

		if err := up.Validate(); err != nil {
			writeError(w, r, d.Logger, err)
			return
		}

		attempts := 0

		out, err := d.withToken(r.Context(), id, models.ScopeMediasWrite, func(inst *models.Installation) (json.RawMessage, error) {
			// A retry after a 401 must resend the file from the start.
			if attempts > 0 && src != nil {
				if _, err := src.Seek(0, io.SeekStart); err != nil {
					return nil, fmt.Errorf("rewinding upload for retry: %w", err)
				}
			}

			attempts++

			return d.Upstream.UploadMedia(r.Context(), inst.AccessToken, up)
		})
		if err != nil {
			writeError(w, r, d.Logger, err)
			return
		}

		d.Logger.Info("media uploaded",
			slog.String("installation_id", id),
			slog.String("name", up.Name),
			slog.String("file_id", gjson.GetBytes(out, "fileId").String()),
		)

		writeRaw(w, http.StatusCreated, out)
	}
}

func writeTooLarge(w http.ResponseWriter, limit int64) {
	writeJSONError(w, http.StatusRequestEntityTooLarge, "file_too_large", fmt.Sprintf("upload exceeds %d bytes", limit))
}

// HandleListMedia proxies GET /medias/files for the installation's
// location.
func HandleListMedia(d *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := d.resolveInstallation(r)
		if err != nil {
			writeError(w, r, d.Logger, err)
			return
		}

		limit, err := queryInt(r, "limit")
		if err != nil {
			writeError(w, r, d.Logger, err)
			return
		}

		out, err := d.withToken(r.Context(), id, models.ScopeMediasRead, func(inst *models.Installation) (json.RawMessage, error) {
			return d.Upstream.ListMedia(r.Context(), inst.AccessToken, inst.LocationID, limit)
		})
		if err != nil {
			writeError(w, r, d.Logger, err)
			return
		}

		writeRaw(w, http.StatusOK, out)
	}
}
