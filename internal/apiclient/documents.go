package apiclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"

	"github.com/zhouzirui/compliance-galaxy/client/internal/model/document"
	"github.com/zhouzirui/compliance-galaxy/client/internal/model/ident"
)

// UploadRequest is one file of an upload batch.
type UploadRequest struct {
	Filename string
	FileType document.FileType
	Content  []byte
}

// UploadResult is the backend acknowledgement of an upload.
type UploadResult struct {
	DocID    ident.ID `json:"doc_id"`
	Filename string   `json:"filename"`
}

// ProgressFunc receives the fraction (0..1) of the request body sent so far.
type ProgressFunc func(fraction float64)

// ListDocuments returns the documents of the current session.
func (c *Client) ListDocuments(ctx context.Context) ([]document.Document, error) {
	var payload []documentPayload
	if err := c.doJSON(ctx, http.MethodGet, "/documents", nil, &payload); err != nil {
		return nil, err
	}
	docs := make([]document.Document, 0, len(payload))
	for _, p := range payload {
		docs = append(docs, p.toModel())
	}
	return docs, nil
}

// UploadDocument posts one file as multipart form data (file, file_type).
func (c *Client) UploadDocument(ctx context.Context, up UploadRequest, progress ProgressFunc) (UploadResult, error) {
	body, contentType, err := encodeUpload(up)
	if err != nil {
		return UploadResult{}, err
	}

	var reader io.Reader = bytes.NewReader(body)
	if progress != nil {
		reader = &progressReader{r: reader, total: int64(len(body)), report: progress}
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/upload", reader, contentType)
	if err != nil {
		return UploadResult{}, err
	}
	req.ContentLength = int64(len(body))

	resp, err := c.send(req)
	if err != nil {
		return UploadResult{}, err
	}
	defer resp.Body.Close()

	var result UploadResult
	if err := decodeBody(resp, &result); err != nil {
		return UploadResult{}, fmt.Errorf("decode upload response: %w", err)
	}
	if result.Filename == "" {
		result.Filename = up.Filename
	}
	if progress != nil {
		progress(1)
	}
	return result, nil
}

// DeleteDocument removes a document and its assessments.
func (c *Client) DeleteDocument(ctx context.Context, id ident.ID) error {
	return c.doJSON(ctx, http.MethodDelete, "/documents/"+url.PathEscape(id.String()), nil, nil)
}

// SetDocumentType reclassifies a document.
func (c *Client) SetDocumentType(ctx context.Context, id ident.ID, fileType document.FileType) error {
	form := url.Values{"file_type": {string(fileType)}}
	path := "/documents/" + url.PathEscape(id.String()) + "/type"
	return c.do(ctx, http.MethodPatch, path, strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", nil)
}

// DownloadDocument streams the stored original into w.
func (c *Client) DownloadDocument(ctx context.Context, id ident.ID, w io.Writer) (int64, error) {
	_, n, err := c.download(ctx, "/documents/"+url.PathEscape(id.String())+"/download", w)
	return n, err
}

// Reset clears every document and assessment of the session.
func (c *Client) Reset(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/reset", nil, nil)
}

func encodeUpload(up UploadRequest) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(up.Filename)))
	header.Set("Content-Type", mimetype.Detect(up.Content).String())
	part, err := mw.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("create file part: %w", err)
	}
	if _, err := part.Write(up.Content); err != nil {
		return nil, "", fmt.Errorf("write file part: %w", err)
	}

	fileType := up.FileType
	if fileType == "" {
		fileType = document.FileTypeCustomer
	}
	if err := mw.WriteField("file_type", string(fileType)); err != nil {
		return nil, "", fmt.Errorf("write file_type: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart: %w", err)
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

type progressReader struct {
	r      io.Reader
	total  int64
	report ProgressFunc

	mu   sync.Mutex
	sent int64
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 && p.total > 0 {
		p.mu.Lock()
		p.sent += int64(n)
		fraction := float64(p.sent) / float64(p.total)
		p.mu.Unlock()
		if fraction > 1 {
			fraction = 1
		}
		p.report(fraction)
	}
	return n, err
}
