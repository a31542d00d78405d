// Package ghltest provides an in-process fake of the GHL API for tests.
package ghltest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/ghl-bridge/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Grant describes the tenant a fake token belongs to.
type Grant struct {
	UserType   models.AuthClass
	LocationID string
	CompanyID  string
	UserID     string
	Scopes     []string
}

// Failure is a canned response returned instead of the normal handler.
type Failure struct {
	Status int
	Body   string
}

// Request records one call the server received.
type Request struct {
	Method        string
	Path          string
	Authorization string
	ContentType   string
	Version       string
	Form          map[string]string
	Body          []byte
}

// Server is a fake GHL API. Tokens it mints are real (HS256-signed)
// JWTs carrying GHL-shaped claims.
type Server struct {
	*httptest.Server

	// TokenTTL is the expires_in of minted access tokens.
	TokenTTL time.Duration

	// OmitRefreshToken makes refresh responses leave out refresh_token.
	OmitRefreshToken bool

	mu            sync.Mutex
	codes         map[string]Grant
	refreshTokens map[string]Grant
	accessTokens  map[string]Grant
	failures      map[string][]Failure
	requests      []Request
	refreshCalls  int
}

// New starts a fake server that is closed when the test ends.
func New(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		TokenTTL:      24 * time.Hour,
		codes:         make(map[string]Grant),
		refreshTokens: make(map[string]Grant),
		accessTokens:  make(map[string]Grant),
		failures:      make(map[string][]Failure),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token", s.handleToken)
	mux.HandleFunc("POST /oauth/locationToken", s.handleLocationToken)
	mux.HandleFunc("GET /locations/{id}", s.handleLocation)
	mux.HandleFunc("GET /companies/{id}", s.handleCompany)
	mux.HandleFunc("GET /products/", s.handleListProducts)
	mux.HandleFunc("POST /products/", s.handleCreateProduct)
	mux.HandleFunc("POST /products/{id}/price", s.handleCreatePrice)
	mux.HandleFunc("POST /medias/upload-file", s.handleUpload)
	mux.HandleFunc("GET /medias/files", s.handleListMedia)

	s.Server = httptest.NewServer(s.record(mux))
	t.Cleanup(s.Close)

	return s
}

// MakeToken signs a JWT with GHL-style claims for g.
func MakeToken(g Grant, expiresAt time.Time) string {
	authClassID := g.LocationID
	if g.UserType == models.AuthClassCompany {
		authClassID = g.CompanyID
	}

	claims := jwt.MapClaims{
		"authClass":          string(g.UserType),
		"authClassId":        authClassID,
		"primaryAuthClassId": authClassID,
		"source":             "INTEGRATION",
		"sourceId":           "client-123",
		"channel":            "OAUTH",
		"oauthMeta": map[string]interface{}{
			"scopes":    g.Scopes,
			"client":    "client-123",
			"versionId": "v1",
		},
		"jti": uuid.NewString(),
		"iat": time.Now().Unix(),
		"exp": expiresAt.Unix(),
	}

	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("ghltest-signing-key"))
	if err != nil {
		panic(err)
	}

	return tok
}

// AddCode registers an authorization code that exchanges to g.
func (s *Server) AddCode(code string, g Grant) {
	s.mu.Lock()
	s.codes[code] = g
	s.mu.Unlock()
}

// IssueTokens mints an access/refresh pair for g directly.
func (s *Server) IssueTokens(g Grant) (access, refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mintLocked(g)
}

// RevokeRefreshTokens invalidates every outstanding refresh token so the
// next refresh gets invalid_grant.
func (s *Server) RevokeRefreshTokens() {
	s.mu.Lock()
	s.refreshTokens = make(map[string]Grant)
	s.mu.Unlock()
}

// RevokeAccessToken makes tok fail with 401 on API calls.
func (s *Server) RevokeAccessToken(tok string) {
	s.mu.Lock()
	delete(s.accessTokens, tok)
	s.mu.Unlock()
}

// FailNext queues a canned response for the next call to "METHOD /path".
func (s *Server) FailNext(route string, status int, body string) {
	s.mu.Lock()
	s.failures[route] = append(s.failures[route], Failure{Status: status, Body: body})
	s.mu.Unlock()
}

// RefreshCalls returns how many refresh_token grants were received.
func (s *Server) RefreshCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.refreshCalls
}

// Requests returns a copy of every recorded request.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Request, len(s.requests))
	copy(out, s.requests)

	return out
}

// LastRequest returns the most recent request to path, if any.
func (s *Server) LastRequest(path string) (Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.requests) - 1; i >= 0; i-- {
		if s.requests[i].Path == path {
			return s.requests[i], true
		}
	}

	return Request{}, false
}

func (s *Server) mintLocked(g Grant) (string, string) {
	access := MakeToken(g, time.Now().Add(s.TokenTTL))
	refresh := "rt_" + uuid.NewString()
	s.accessTokens[access] = g
	s.refreshTokens[refresh] = g

	return access, refresh
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(strings.NewReader(string(body)))

		rec := Request{
			Method:        r.Method,
			Path:          r.URL.Path,
			Authorization: r.Header.Get("Authorization"),
			ContentType:   r.Header.Get("Content-Type"),
			Version:       r.Header.Get("Version"),
			Body:          body,
		}

		if strings.HasPrefix(rec.ContentType, "application/x-www-form-urlencoded") {
			if err := r.ParseForm(); err == nil {
				rec.Form = make(map[string]string)
				for k := range r.PostForm {
					rec.Form[k] = r.PostForm.Get(k)
				}
			}

			r.Body = io.NopCloser(strings.NewReader(string(body)))
		}

		route := r.Method + " " + r.URL.Path

		s.mu.Lock()
		s.requests = append(s.requests, rec)

		var fail *Failure
		if q := s.failures[route]; len(q) > 0 {
			fail = &q[0]
			s.failures[route] = q[1:]
		}
		s.mu.Unlock()

		if fail != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(fail.Status)
			_, _ = io.WriteString(w, fail.Body)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) tokenResponse(access, refresh string, g Grant) map[string]interface{} {
	resp := map[string]interface{}{
		"access_token": access,
		"token_type":   "Bearer",
		"expires_in":   int(s.TokenTTL.Seconds()),
		"scope":        strings.Join(g.Scopes, " "),
		"userType":     string(g.UserType),
		"companyId":    g.CompanyID,
		"userId":       g.UserID,
	}

	if g.UserType == models.AuthClassLocation {
		resp["locationId"] = g.LocationID
	}

	if refresh != "" {
		resp["refresh_token"] = refresh
	}

	return resp
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request", "error_description": "bad form"})
		return
	}

	if r.PostForm.Get("client_id") == "" || r.PostForm.Get("client_secret") == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client", "error_description": "client credentials missing"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		g, ok := s.codes[r.PostForm.Get("code")]
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "Invalid authorization code"})
			return
		}

		delete(s.codes, r.PostForm.Get("code"))
		access, refresh := s.mintLocked(g)
		writeJSON(w, http.StatusOK, s.tokenResponse(access, refresh, g))
	case "refresh_token":
		s.refreshCalls++
		old := r.PostForm.Get("refresh_token")

		g, ok := s.refreshTokens[old]
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_grant", "error_description": "Invalid refresh token"})
			return
		}

		access, refresh := s.mintLocked(g)
		if s.OmitRefreshToken {
			delete(s.refreshTokens, refresh)
			refresh = ""
		} else {
			delete(s.refreshTokens, old)
		}

		writeJSON(w, http.StatusOK, s.tokenResponse(access, refresh, g))
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type", "error_description": "unsupported grant"})
	}
}

func (s *Server) handleLocationToken(w http.ResponseWriter, r *http.Request) {
	g, ok := s.authorize(w, r)
	if !ok {
		return
	}

	if g.UserType != models.AuthClassCompany {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"statusCode": 401, "message": "This authClass type is not allowed to access this scope."})
		return
	}

	_ = r.ParseForm()

	if r.PostForm.Get("companyId") != g.CompanyID {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"statusCode": 400, "message": "companyId does not match token"})
		return
	}

	loc := Grant{
		UserType:   models.AuthClassLocation,
		LocationID: r.PostForm.Get("locationId"),
		CompanyID:  g.CompanyID,
		UserID:     g.UserID,
		Scopes:     g.Scopes,
	}

	s.mu.Lock()
	access, refresh := s.mintLocked(loc)
	resp := s.tokenResponse(access, refresh, loc)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

// authorize validates the bearer token and writes a 401 on failure.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) (Grant, bool) {
	tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	s.mu.Lock()
	g, ok := s.accessTokens[tok]
	s.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"statusCode": 401, "message": "Invalid JWT"})
		return Grant{}, false
	}

	return g, true
}

// authorizeLocation additionally requires a Location token for loc.
func (s *Server) authorizeLocation(w http.ResponseWriter, r *http.Request, loc string) (Grant, bool) {
	g, ok := s.authorize(w, r)
	if !ok {
		return g, false
	}

	if g.UserType != models.AuthClassLocation {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
			"statusCode": 401,
			"message":    "This authClass type is not allowed to access this scope. Please reach out to the Platform team to get it added.",
		})

		return g, false
	}

	if loc != "" && loc != g.LocationID {
		writeJSON(w, http.StatusForbidden, map[string]interface{}{"statusCode": 403, "message": "The token does not have access to this location."})
		return g, false
	}

	return g, true
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.authorizeLocation(w, r, id); !ok {
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"location": map[string]string{"id": id, "name": "Test Location"}})
}

func (s *Server) handleCompany(w http.ResponseWriter, r *http.Request) {
	g, ok := s.authorize(w, r)
	if !ok {
		return
	}

	if g.UserType != models.AuthClassCompany || g.CompanyID != r.PathValue("id") {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"statusCode": 401, "message": "This authClass type is not allowed to access this scope."})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"company": map[string]string{"id": g.CompanyID, "name": "Test Agency"}})
}

func (s *Server) handleListProducts(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorizeLocation(w, r, r.URL.Query().Get("locationId")); !ok {
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"products": []map[string]string{{"_id": "prod_1", "name": "Existing"}},
		"total":    []map[string]int{{"total": 1}},
	})
}

func (s *Server) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"statusCode": 400, "message": "bad json"})
		return
	}

	loc, _ := body["locationId"].(string)
	if _, ok := s.authorizeLocation(w, r, loc); !ok {
		return
	}

	if name, _ := body["name"].(string); name == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"statusCode": 422,
			"message":    []string{"name should not be empty"},
			"error":      "Unprocessable Entity",
		})

		return
	}

	body["_id"] = "prod_" + uuid.NewString()[:8]
	writeJSON(w, http.StatusCreated, body)
}

func (s *Server) handleCreatePrice(w http.ResponseWriter, r *http.Request) {
	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"statusCode": 400, "message": "bad json"})
		return
	}

	loc, _ := body["locationId"].(string)
	if _, ok := s.authorizeLocation(w, r, loc); !ok {
		return
	}

	body["_id"] = "price_" + uuid.NewString()[:8]
	body["product"] = r.PathValue("id")
	writeJSON(w, http.StatusCreated, body)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	g, ok := s.authorizeLocation(w, r, "")
	if !ok {
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"statusCode": 400, "message": "bad multipart"})
		return
	}

	name := r.FormValue("name")

	if r.FormValue("hosted") == "true" {
		writeJSON(w, http.StatusOK, map[string]string{"fileId": "file_hosted", "url": r.FormValue("fileUrl"), "name": name})
		return
	}

	f, hdr, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"statusCode": 400, "message": "file is required"})
		return
	}
	defer f.Close()

	n, _ := io.Copy(io.Discard, f)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"fileId":   "file_" + uuid.NewString()[:8],
		"url":      fmt.Sprintf("https://storage.example.com/%s/%s", g.LocationID, hdr.Filename),
		"name":     name,
		"size":     n,
		"mimeType": hdr.Header.Get("Content-Type"),
	})
}

func (s *Server) handleListMedia(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorizeLocation(w, r, r.URL.Query().Get("altId")); !ok {
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"files": []map[string]string{{"_id": "file_1", "name": "logo.png"}}})
}
