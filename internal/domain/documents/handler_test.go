package documents

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/docvault/internal/platform/fetch"
	"github.com/ehr/docvault/internal/platform/middleware"
	"github.com/ehr/docvault/internal/platform/urlguard"
	"github.com/ehr/docvault/pkg/pagination"
)

type handlerFixture struct {
	e       *echo.Echo
	stores  map[Class]*memStore
	cipher  *countingCipher
	fetcher *fakeFetcher
	base    string
	logs    *bytes.Buffer
	// storeCalls counts requests that passed through the store middleware.
	storeCalls int
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	stores, catalog := fakeStores()
	f := &handlerFixture{
		stores:  stores,
		cipher:  &countingCipher{},
		fetcher: &fakeFetcher{},
		base:    t.TempDir(),
		logs:    &bytes.Buffer{},
	}
	logger := zerolog.New(f.logs)
	svc := NewService(ServiceConfig{
		Catalog: catalog, Cipher: f.cipher, Fetcher: f.fetcher,
		MaxUpload: 1 << 20, BaseDir: f.base, Logger: logger,
	})
	resolver := NewResolver(ResolverConfig{Catalog: catalog, Cipher: f.cipher, BaseDir: f.base, Logger: logger})

	f.e = echo.New()
	f.e.HTTPErrorHandler = middleware.ErrorHandler(logger)
	countStore := func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			f.storeCalls++
			return next(c)
		}
	}
	NewHandler(svc, resolver, f.base, logger).RegisterRoutes(f.e.Group("/api/v1"), countStore)
	return f
}

func (f *handlerFixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) middleware.ErrorDetail {
	t.Helper()
	var env struct {
		Error middleware.ErrorDetail `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return env.Error
}

func TestServeFile_Wildcard(t *testing.T) {
	f := newHandlerFixture(t)
	ref := "investigations/result-1700000000000-123456789.pdf"
	f.stores[ClassInvestigation].seed(f.cipher, ref, "CBC result.pdf", []byte("%PDF-1.7"))

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/files/uploads/"+ref, nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "%PDF-1.7" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "application/pdf" {
		t.Errorf("content type = %q", ct)
	}
	if cd := rec.Header().Get(echo.HeaderContentDisposition); cd != `inline; filename="CBC result.pdf"` {
		t.Errorf("content disposition = %q", cd)
	}
}

func TestServeFile_QueryParam(t *testing.T) {
	f := newHandlerFixture(t)
	ref := "consent-forms/templates/intake-1700000000000-000000007.pdf"
	f.stores[ClassTemplate].seed(f.cipher, ref, "", []byte("intake"))

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/files?path="+ref, nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "intake" {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}
}

func TestServeFile_LegacyFile(t *testing.T) {
	f := newHandlerFixture(t)
	p := filepath.Join(f.base, "investigations", "old.png")
	os.MkdirAll(filepath.Dir(p), 0o755)
	if err := os.WriteFile(p, []byte("png bytes"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/files/investigations/old.png", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "png bytes" {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(echo.HeaderContentType) != "image/png" {
		t.Errorf("content type = %q", rec.Header().Get(echo.HeaderContentType))
	}
}

func TestServeFile_NotFound(t *testing.T) {
	f := newHandlerFixture(t)
	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/files/investigations/missing.pdf", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if body := errorCode(t, rec); body.Message != "File not found" || body.Code != middleware.CodeNotFound {
		t.Errorf("unexpected body: %+v", body)
	}
}

func TestServeFile_Traversal(t *testing.T) {
	f := newHandlerFixture(t)
	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/files?path=..%2F..%2Fetc%2Fpasswd", nil))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if f.cipher.decryptCount() != 0 {
		t.Error("no store access should happen for a blocked path")
	}
}

func TestServeFile_DecryptFailure(t *testing.T) {
	f := newHandlerFixture(t)
	ref := "investigations/result-1700000000000-123456789.pdf"
	f.stores[ClassInvestigation].seed(f.cipher, ref, "", []byte("x"))
	f.cipher.failAll = true

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/files/"+ref, nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	body := errorCode(t, rec)
	if body.Message != "Error reading file" {
		t.Errorf("message = %q", body.Message)
	}
	if strings.Contains(rec.Body.String(), "decrypt") {
		t.Error("internal detail leaked")
	}
}

func multipartUpload(t *testing.T, target, fileName string, data []byte, label string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if label != "" {
		w.WriteField("label", label)
	}
	if fileName != "" {
		part, err := w.CreateFormFile("file", fileName)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		part.Write(data)
	}
	w.Close()

	req := httptest.NewRequest(http.MethodPost, target, &buf)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	return req
}

func TestUploadHandler(t *testing.T) {
	f := newHandlerFixture(t)
	owner := uuid.New()

	rec := f.do(multipartUpload(t, "/api/v1/documents/investigation/"+owner.String(), "xray.png", []byte("png"), "Chest X-Ray"))

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var doc EncryptedDocument
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(doc.Reference, "investigations/chest-x-ray-") || !strings.HasSuffix(doc.Reference, ".png") {
		t.Errorf("reference = %q", doc.Reference)
	}
	if doc.OwnerID != owner || doc.ByteSize != 3 {
		t.Errorf("unexpected document: %+v", doc)
	}
	if strings.Contains(rec.Body.String(), "ciphertext") || strings.Contains(rec.Body.String(), "sealed") {
		t.Error("response must not include ciphertext")
	}

	// The new reference resolves straight away.
	get := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/files/"+doc.Reference, nil))
	if get.Code != http.StatusOK || get.Body.String() != "png" {
		t.Errorf("read back: %d %q", get.Code, get.Body.String())
	}
}

func TestUploadHandler_BadRequests(t *testing.T) {
	f := newHandlerFixture(t)
	owner := uuid.New().String()

	tests := []struct {
		name   string
		req    *http.Request
		status int
	}{
		{"unknown class", multipartUpload(t, "/api/v1/documents/radiology/"+owner, "a.pdf", []byte("x"), ""), http.StatusBadRequest},
		{"bad owner", multipartUpload(t, "/api/v1/documents/template/not-a-uuid", "a.pdf", []byte("x"), ""), http.StatusBadRequest},
		{"missing file", multipartUpload(t, "/api/v1/documents/template/"+owner, "", nil, "label"), http.StatusBadRequest},
		{"empty file", multipartUpload(t, "/api/v1/documents/template/"+owner, "a.pdf", nil, ""), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(tt.req)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			if body := errorCode(t, rec); body.Code != middleware.CodeInvalid {
				t.Errorf("code = %q", body.Code)
			}
		})
	}
}

func TestUploadHandler_TooLarge(t *testing.T) {
	f := newHandlerFixture(t)
	big := bytes.Repeat([]byte("a"), (1<<20)+1)

	rec := f.do(multipartUpload(t, "/api/v1/documents/template/"+uuid.NewString(), "big.pdf", big, ""))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func importRequestFor(target, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func TestImportHandler(t *testing.T) {
	f := newHandlerFixture(t)
	f.fetcher.doc = &fetch.Document{Body: []byte("remote"), FileName: "lab.pdf"}
	owner := uuid.NewString()

	rec := f.do(importRequestFor("/api/v1/documents/investigation/"+owner+"/import",
		`{"url":"https://labs.example.org/lab.pdf","label":"lab"}`))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if f.fetcher.got != "https://labs.example.org/lab.pdf" {
		t.Errorf("fetched %q", f.fetcher.got)
	}
}

func TestImportHandler_Errors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"blocked", &urlguard.Violation{Kind: urlguard.KindBlockedHost, Host: "localhost"}, http.StatusForbidden, middleware.CodeForbidden},
		{"not allowed", &urlguard.Violation{Kind: urlguard.KindNotAllowed, Host: "x.org"}, http.StatusBadRequest, middleware.CodeInvalid},
		{"too large", fetch.ErrTooLarge, http.StatusRequestEntityTooLarge, middleware.CodeTooLarge},
		{"upstream", &fetch.StatusError{StatusCode: 404}, http.StatusBadGateway, middleware.CodeUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newHandlerFixture(t)
			f.fetcher.err = tt.err

			rec := f.do(importRequestFor("/api/v1/documents/template/"+uuid.NewString()+"/import", `{"url":"https://x.org/a.pdf"}`))
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rec.Code)
			}
			body := errorCode(t, rec)
			if body.Code != tt.code {
				t.Errorf("code = %q", body.Code)
			}
			if strings.Contains(body.Message, "localhost") {
				t.Error("violation detail leaked")
			}
		})
	}
}

func TestListHandler(t *testing.T) {
	f := newHandlerFixture(t)
	s := f.stores[ClassTemplate]
	s.seed(f.cipher, "consent-forms/templates/a-1700000000000-000000001.pdf", "a.pdf", []byte("a"))
	s.seed(f.cipher, "consent-forms/templates/b-1700000000001-000000001.pdf", "b.pdf", []byte("b"))

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/documents/template?limit=1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		pagination.Response
		Data []EncryptedDocument `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 2 || len(resp.Data) != 1 || !resp.HasMore {
		t.Errorf("unexpected page: %+v", resp)
	}
	if resp.Data[0].DisplayName != "b.pdf" {
		t.Errorf("newest first, got %q", resp.Data[0].DisplayName)
	}

	empty := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/documents/investigation", nil))
	if !strings.Contains(empty.Body.String(), `"data":[]`) {
		t.Errorf("empty list should render [], got %s", empty.Body.String())
	}

	bad := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/documents/unknown", nil))
	if bad.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", bad.Code)
	}
}

func TestDeleteHandler(t *testing.T) {
	f := newHandlerFixture(t)
	doc := f.stores[ClassPatientConsent].seed(f.cipher, "consent-forms/patients/s-1700000000000-000000001.pdf", "", []byte("s"))
	target := "/api/v1/documents/patient-consent/" + doc.OwnerID.String()

	if rec := f.do(httptest.NewRequest(http.MethodDelete, target, nil)); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	rec := f.do(httptest.NewRequest(http.MethodDelete, target, nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", rec.Code)
	}
}

func TestRegisterRoutes_StoreMiddlewareScope(t *testing.T) {
	f := newHandlerFixture(t)
	ref := "investigations/result-1700000000000-123456789.pdf"
	f.stores[ClassInvestigation].seed(f.cipher, ref, "", []byte("%PDF"))

	if rec := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/files?path=..%2F..%2Fetc%2Fpasswd", nil)); rec.Code != http.StatusForbidden {
		t.Fatalf("traversal: expected 403, got %d", rec.Code)
	}
	if f.storeCalls != 0 {
		t.Fatalf("rejected path reached the store middleware")
	}

	if rec := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/files/"+ref, nil)); rec.Code != http.StatusOK {
		t.Fatalf("read: expected 200, got %d", rec.Code)
	}
	if f.storeCalls != 1 {
		t.Fatalf("read: store middleware calls = %d, want 1", f.storeCalls)
	}

	f.fetcher.doc = &fetch.Document{Body: []byte("remote"), FileName: "lab.pdf"}
	rec := f.do(importRequestFor("/api/v1/documents/investigation/"+uuid.NewString()+"/import",
		`{"url":"https://labs.example.org/lab.pdf"}`))
	if rec.Code != http.StatusCreated {
		t.Fatalf("import: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if f.storeCalls != 1 {
		t.Errorf("import must not hold a store connection, calls = %d", f.storeCalls)
	}

	if rec := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/documents/investigation", nil)); rec.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rec.Code)
	}
	if f.storeCalls != 2 {
		t.Errorf("list: store middleware calls = %d, want 2", f.storeCalls)
	}
}
