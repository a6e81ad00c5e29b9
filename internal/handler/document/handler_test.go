package document_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/compliance-galaxy/client/internal/app/apptest"
	"github.com/zhouzirui/compliance-galaxy/client/internal/handler/document"
	"github.com/zhouzirui/compliance-galaxy/client/internal/service/upload"
)

type listResponse struct {
	Documents []struct {
		ID       string `json:"id"`
		Filename string `json:"filename"`
		FileType string `json:"fileType"`
	} `json:"documents"`
	Selected []string `json:"selected"`
}

func setupRouter(t *testing.T) (*chi.Mux, *apptest.Env) {
	t.Helper()
	env := apptest.New(t)
	r := chi.NewRouter()
	document.New(env.App.Uploads, env.App.Bus, nil).RegisterRoutes(r)
	return r, env
}

func uploadRequest(t *testing.T, fileType string, names ...string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, name := range names {
		part, err := mw.CreateFormFile("files", name)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		fmt.Fprintf(part, "%%PDF-1.4 %s", name)
	}
	if fileType != "" {
		mw.WriteField("file_type", fileType)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/documents", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func serve(r http.Handler, req *http.Request) *httptest.ResponseRecorder {
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func list(t *testing.T, r http.Handler) listResponse {
	t.Helper()
	var out listResponse
	resp := serve(r, httptest.NewRequest(http.MethodGet, "/documents", nil))
	if err := json.Unmarshal(resp.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	return out
}

func TestUploadBatchRefreshesAndSelects(t *testing.T) {
	r, env := setupRouter(t)

	resp := serve(r, uploadRequest(t, "regulation", "a.pdf", "b.pdf"))
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}
	if n := env.Backend.DocumentCount(apptest.TabID); n != 2 {
		t.Fatalf("expected 2 documents on backend, got %d", n)
	}

	docs := list(t, r)
	if len(docs.Documents) != 2 || len(docs.Selected) != 2 {
		t.Fatalf("unexpected list %+v", docs)
	}
	if docs.Documents[0].FileType != "regulation" {
		t.Fatalf("expected regulation type, got %q", docs.Documents[0].FileType)
	}
}

func TestUploadRejectsWrongExtensionWithoutRequest(t *testing.T) {
	r, env := setupRouter(t)

	resp := serve(r, uploadRequest(t, "", "notes.docx"))
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
	if n := env.Backend.CountRequests(http.MethodPost, "/upload"); n != 0 {
		t.Fatalf("expected no upload request, got %d", n)
	}
	var body struct {
		Detail struct {
			Files []string `json:"files"`
		} `json:"detail"`
	}
	json.Unmarshal(resp.Body.Bytes(), &body)
	if len(body.Detail.Files) != 1 || body.Detail.Files[0] != "notes.docx" {
		t.Fatalf("unexpected detail %s", resp.Body.String())
	}
}

func TestUploadOverCapIsRejected(t *testing.T) {
	r, env := setupRouter(t)
	names := make([]string, 11)
	for i := range names {
		names[i] = fmt.Sprintf("doc%d.pdf", i)
	}

	resp := serve(r, uploadRequest(t, "", names...))
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
	if n := env.Backend.CountRequests(http.MethodPost, "/upload"); n != 0 {
		t.Fatalf("expected no upload request, got %d", n)
	}
}

func TestUploadPartialFailureIsMultiStatus(t *testing.T) {
	r, env := setupRouter(t)
	env.Backend.Fail(http.MethodPost, "/upload", http.StatusInternalServerError)

	resp := serve(r, uploadRequest(t, "", "a.pdf"))
	if resp.Code != http.StatusMultiStatus {
		t.Fatalf("expected 207, got %d", resp.Code)
	}
	var report upload.Report
	json.Unmarshal(resp.Body.Bytes(), &report)
	if len(report.Failed) != 1 || report.Failed[0].Name != "a.pdf" {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestInvalidFileTypeRejected(t *testing.T) {
	r, _ := setupRouter(t)

	resp := serve(r, uploadRequest(t, "contract", "a.pdf"))
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestDeleteRollsBackOnFailure(t *testing.T) {
	r, env := setupRouter(t)
	env.Backend.AddDocument(apptest.TabID, "keep.pdf")
	serve(r, httptest.NewRequest(http.MethodGet, "/documents?refresh=true", nil))
	docs := list(t, r)
	if len(docs.Documents) != 1 {
		t.Fatalf("expected 1 document, got %+v", docs)
	}
	id := docs.Documents[0].ID

	env.Backend.Fail(http.MethodDelete, "/documents/"+id, http.StatusInternalServerError)
	resp := serve(r, httptest.NewRequest(http.MethodDelete, "/documents/"+id, nil))
	if resp.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.Code)
	}
	if docs = list(t, r); len(docs.Documents) != 1 {
		t.Fatalf("expected document restored, got %+v", docs)
	}

	env.Backend.Fail(http.MethodDelete, "/documents/"+id, 0)
	resp = serve(r, httptest.NewRequest(http.MethodDelete, "/documents/"+id, nil))
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
	if docs = list(t, r); len(docs.Documents) != 0 {
		t.Fatalf("expected empty list, got %+v", docs)
	}
}

func TestSetTypeToggleDownloadAndReset(t *testing.T) {
	r, env := setupRouter(t)
	serve(r, uploadRequest(t, "", "policy.pdf"))
	id := list(t, r).Documents[0].ID

	req := httptest.NewRequest(http.MethodPatch, "/documents/"+id+"/type", strings.NewReader(`{"fileType":"regulation"}`))
	if resp := serve(r, req); resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if got := list(t, r).Documents[0].FileType; got != "regulation" {
		t.Fatalf("expected regulation, got %q", got)
	}

	resp := serve(r, httptest.NewRequest(http.MethodPost, "/documents/"+id+"/toggle", nil))
	if !strings.Contains(resp.Body.String(), `"selected":false`) {
		t.Fatalf("expected deselected, got %s", resp.Body.String())
	}
	if sel := list(t, r).Selected; len(sel) != 0 {
		t.Fatalf("expected no selection, got %v", sel)
	}

	resp = serve(r, httptest.NewRequest(http.MethodGet, "/documents/"+id+"/download", nil))
	if resp.Code != http.StatusOK || !strings.HasPrefix(resp.Body.String(), "%PDF") {
		t.Fatalf("unexpected download %d %q", resp.Code, resp.Body.String())
	}
	if cd := resp.Header().Get("Content-Disposition"); !strings.Contains(cd, "policy.pdf") {
		t.Fatalf("unexpected disposition %q", cd)
	}

	resp = serve(r, httptest.NewRequest(http.MethodPost, "/documents/reset", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if n := env.Backend.DocumentCount(apptest.TabID); n != 0 {
		t.Fatalf("expected backend cleared, got %d", n)
	}
}

func TestProgressStreamsUploadEvents(t *testing.T) {
	r, env := setupRouter(t)
	srv := httptest.NewServer(r)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/uploads/progress", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	lines := bufio.NewScanner(resp.Body)
	next := func() string {
		for lines.Scan() {
			if name, ok := strings.CutPrefix(lines.Text(), "event: "); ok {
				return name
			}
		}
		t.Fatalf("stream ended: %v", lines.Err())
		return ""
	}

	if name := next(); name != "progress" {
		t.Fatalf("expected initial progress, got %q", name)
	}

	go env.App.Uploads.Upload(context.Background(), []upload.File{{Name: "a.pdf", Content: []byte("%PDF-1.4")}})

	for {
		if name := next(); name == "finished" {
			return
		}
	}
}
