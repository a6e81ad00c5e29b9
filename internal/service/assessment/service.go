package assessment

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/zhouzirui/compliance-galaxy/client/internal/config"
	"github.com/zhouzirui/compliance-galaxy/client/internal/model/document"
	"github.com/zhouzirui/compliance-galaxy/client/internal/model/ident"
)

var ErrNoDocuments = errors.New("select at least one document to assess")

// API is the analysis part of the backend client.
type API interface {
	Assess(ctx context.Context, customerDocID, regulationDocID ident.ID) (ident.ID, error)
	Graph(ctx context.Context, assessmentID ident.ID) (document.Graph, error)
	Report(ctx context.Context, assessmentID ident.ID, w io.Writer) (string, int64, error)
}

// Service runs assessments and keeps their graphs for repeat views.
type Service struct {
	api    API
	graphs *cache.Cache
	log    *zap.Logger
}

// NewService creates a Service.
func NewService(api API, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		api:    api,
		graphs: cache.New(config.GraphCacheTTL, config.GraphCacheCleanup),
		log:    log.Named("assessment"),
	}
}

// Assess compares the first selected document against the second. With a
// single selection the document is assessed against itself.
func (s *Service) Assess(ctx context.Context, docIDs []ident.ID) (ident.ID, error) {
	if len(docIDs) == 0 {
		return "", ErrNoDocuments
	}
	customer := docIDs[0]
	regulation := customer
	if len(docIDs) > 1 {
		regulation = docIDs[1]
	}

	id, err := s.api.Assess(ctx, customer, regulation)
	if err != nil {
		return "", fmt.Errorf("assess: %w", err)
	}
	s.log.Info("assessment started",
		zap.String("assessment", id.String()),
		zap.String("customer", customer.String()),
		zap.String("regulation", regulation.String()))
	return id, nil
}

// Graph returns the compliance graph of an assessment.
func (s *Service) Graph(ctx context.Context, assessmentID ident.ID) (document.Graph, error) {
	if cached, ok := s.graphs.Get(assessmentID.String()); ok {
		return cached.(document.Graph), nil
	}
	graph, err := s.api.Graph(ctx, assessmentID)
	if err != nil {
		return document.Graph{}, fmt.Errorf("graph %s: %w", assessmentID, err)
	}
	s.graphs.SetDefault(assessmentID.String(), graph)
	return graph, nil
}

// DownloadReport streams the report to w and returns its file name.
func (s *Service) DownloadReport(ctx context.Context, assessmentID ident.ID, w io.Writer) (string, int64, error) {
	name, n, err := s.api.Report(ctx, assessmentID, w)
	if err != nil {
		return "", n, fmt.Errorf("report %s: %w", assessmentID, err)
	}
	if name == "" {
		name = "compliance_report_" + assessmentID.String() + ".pdf"
	}
	return name, n, nil
}

// Forget drops cached graphs, after a reset or sign-out.
func (s *Service) Forget() {
	s.graphs.Flush()
}
