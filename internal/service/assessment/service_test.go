package assessment_test

import (
	"bytes"
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/compliance-galaxy/client/internal/apiclient"
	"github.com/zhouzirui/compliance-galaxy/client/internal/apiclient/apitest"
	"github.com/zhouzirui/compliance-galaxy/client/internal/model/document"
	"github.com/zhouzirui/compliance-galaxy/client/internal/model/ident"
	"github.com/zhouzirui/compliance-galaxy/client/internal/service/assessment"
)

func newService(t *testing.T) (*apitest.Backend, *assessment.Service) {
	t.Helper()
	backend := apitest.NewBackend(t)
	client, err := apiclient.New(apiclient.Options{BaseURL: backend.URL(), SessionID: "tab"})
	require.NoError(t, err)
	return backend, assessment.NewService(client, nil)
}

func lastAssessQuery(t *testing.T, backend *apitest.Backend) (string, string) {
	t.Helper()
	reqs := backend.Requests()
	for i := len(reqs) - 1; i >= 0; i-- {
		if reqs[i].Path == "/assess" {
			return reqs[i].Query.Get("customer_doc_id"), reqs[i].Query.Get("regulation_doc_id")
		}
	}
	t.Fatal("no /assess request recorded")
	return "", ""
}

func TestAssessRequiresDocuments(t *testing.T) {
	backend, svc := newService(t)
	_, err := svc.Assess(context.Background(), nil)
	assert.ErrorIs(t, err, assessment.ErrNoDocuments)
	assert.Empty(t, backend.Requests())
}

func TestAssessUsesFirstTwoDocuments(t *testing.T) {
	backend, svc := newService(t)

	id, err := svc.Assess(context.Background(), []ident.ID{"3", "5", "9"})
	require.NoError(t, err)
	assert.False(t, id.Empty())

	customer, regulation := lastAssessQuery(t, backend)
	assert.Equal(t, "3", customer)
	assert.Equal(t, "5", regulation)
}

func TestAssessSingleDocumentAgainstItself(t *testing.T) {
	backend, svc := newService(t)

	_, err := svc.Assess(context.Background(), []ident.ID{"7"})
	require.NoError(t, err)

	customer, regulation := lastAssessQuery(t, backend)
	assert.Equal(t, "7", customer)
	assert.Equal(t, "7", regulation)
}

func TestGraphIsCachedUntilForget(t *testing.T) {
	backend, svc := newService(t)
	ctx := context.Background()

	g, err := svc.Graph(ctx, "42")
	require.NoError(t, err)
	require.Len(t, g.Nodes, 2)
	counts := g.StatusCounts()
	assert.Equal(t, 1, counts[document.StatusCompliant])

	_, err = svc.Graph(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, 1, backend.CountRequests(http.MethodGet, "/graph/42"))

	svc.Forget()
	_, err = svc.Graph(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, 2, backend.CountRequests(http.MethodGet, "/graph/42"))
}

func TestGraphErrorIsNotCached(t *testing.T) {
	backend, svc := newService(t)
	ctx := context.Background()
	backend.Fail(http.MethodGet, "/graph/1", http.StatusNotFound)

	_, err := svc.Graph(ctx, "1")
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, apiclient.StatusOf(err))

	backend.Fail(http.MethodGet, "/graph/1", 0)
	_, err = svc.Graph(ctx, "1")
	assert.NoError(t, err)
}

func TestDownloadReport(t *testing.T) {
	_, svc := newService(t)

	var buf bytes.Buffer
	name, n, err := svc.DownloadReport(context.Background(), "12", &buf)
	require.NoError(t, err)
	assert.Equal(t, "compliance_report_12.pdf", name)
	assert.Equal(t, int64(buf.Len()), n)
	assert.Contains(t, buf.String(), "%PDF")
}
