package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"

	"github.com/zhouzirui/compliance-galaxy/client/internal/model/document"
	"github.com/zhouzirui/compliance-galaxy/client/internal/model/ident"
)

// Chat asks the retrieval backend a question. The answer may end with a SOURCES: block.
func (c *Client) Chat(ctx context.Context, query string, useKB bool) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("query", query); err != nil {
		return "", fmt.Errorf("write query: %w", err)
	}
	if err := mw.WriteField("use_kb", strconv.FormatBool(useKB)); err != nil {
		return "", fmt.Errorf("write use_kb: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}

	var out struct {
		Answer string `json:"answer"`
	}
	if err := c.do(ctx, http.MethodPost, "/chat", &buf, mw.FormDataContentType(), &out); err != nil {
		return "", err
	}
	return out.Answer, nil
}

// Assess starts a compliance assessment of a customer document against a regulation.
func (c *Client) Assess(ctx context.Context, customerDocID, regulationDocID ident.ID) (ident.ID, error) {
	q := url.Values{
		"customer_doc_id":   {customerDocID.String()},
		"regulation_doc_id": {regulationDocID.String()},
	}
	var out struct {
		AssessmentID ident.ID `json:"assessment_id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/assess?"+q.Encode(), nil, &out); err != nil {
		return "", err
	}
	if out.AssessmentID.Empty() {
		return "", fmt.Errorf("assess response carried no assessment_id")
	}
	return out.AssessmentID, nil
}

// Graph fetches the compliance graph of an assessment.
func (c *Client) Graph(ctx context.Context, assessmentID ident.ID) (document.Graph, error) {
	var g document.Graph
	if err := c.doJSON(ctx, http.MethodGet, "/graph/"+url.PathEscape(assessmentID.String()), nil, &g); err != nil {
		return document.Graph{}, err
	}
	return g, nil
}

// Report streams the report artifact of an assessment into w and returns the
// filename suggested by the backend.
func (c *Client) Report(ctx context.Context, assessmentID ident.ID, w io.Writer) (string, int64, error) {
	return c.download(ctx, "/report/"+url.PathEscape(assessmentID.String()), w)
}

func (c *Client) download(ctx context.Context, path string, w io.Writer) (string, int64, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Accept", "*/*")

	resp, err := c.send(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	filename := ""
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		filename = params["filename"]
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return filename, n, fmt.Errorf("copy %s: %w", path, err)
	}
	return filename, n, nil
}

func decodeBody(resp *http.Response, out any) error {
	return json.NewDecoder(resp.Body).Decode(out)
}
