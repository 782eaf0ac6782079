package decorator

import (
	"context"

	"github.com/newsroom-sync/docsync/protocol"
)

type MetricsFetcher interface {
	Metrics(ctx context.Context, uuids []string, kinds []string) (map[string][]*protocol.Metric, error)
}

// enrichment is kind -> value, e.g. `{"charcount": 1200}`
type MetricsDecorator struct {
	fetcher MetricsFetcher
	kinds   []string
}

func NewMetricsDecorator(fetcher MetricsFetcher, kinds ...string) *MetricsDecorator {
	return &MetricsDecorator{
		fetcher: fetcher,
		kinds:   kinds,
	}
}

func (self *MetricsDecorator) Namespace() string {
	return "metrics"
}

func (self *MetricsDecorator) OnInitialData(ctx context.Context, documents []*protocol.DocumentState) (map[string]any, error) {
	uuids := []string{}
	for _, document := range documents {
		uuids = append(uuids, document.Uuids()...)
	}
	return self.fetch(ctx, uuids)
}

func (self *MetricsDecorator) OnUpdate(ctx context.Context, state *protocol.DocumentState) (*UpdateResult, error) {
	enrichments, err := self.fetch(ctx, state.Uuids())
	if err != nil {
		return nil, err
	}
	return &UpdateResult{
		Enrichments: enrichments,
	}, nil
}

func (self *MetricsDecorator) fetch(ctx context.Context, uuids []string) (map[string]any, error) {
	metrics, err := self.fetcher.Metrics(ctx, uuids, self.kinds)
	if err != nil {
		return nil, err
	}
	enrichments := map[string]any{}
	for uuid, documentMetrics := range metrics {
		values := map[string]int64{}
		for _, metric := range documentMetrics {
			values[metric.Kind] = metric.Value
		}
		enrichments[uuid] = values
	}
	return enrichments, nil
}

// workflow status of a document and its included documents, from their metadata
type DocumentStatus struct {
	WorkflowState string
	Version       int64
	Modified      string
	UpdaterUri    string
}

type StatusDecorator struct {
}

func NewStatusDecorator() *StatusDecorator {
	return &StatusDecorator{}
}

func (self *StatusDecorator) Namespace() string {
	return "status"
}

func (self *StatusDecorator) OnInitialData(ctx context.Context, documents []*protocol.DocumentState) (map[string]any, error) {
	enrichments := map[string]any{}
	for _, document := range documents {
		self.collect(document, enrichments)
	}
	return enrichments, nil
}

func (self *StatusDecorator) OnUpdate(ctx context.Context, state *protocol.DocumentState) (*UpdateResult, error) {
	enrichments := map[string]any{}
	self.collect(state, enrichments)
	if len(enrichments) == 0 {
		return nil, nil
	}
	return &UpdateResult{
		Enrichments: enrichments,
	}, nil
}

func (self *StatusDecorator) collect(state *protocol.DocumentState, enrichments map[string]any) {
	add := func(s *protocol.DocumentState) {
		if s.Meta == nil || s.Uuid() == "" {
			return
		}
		enrichments[s.Uuid()] = &DocumentStatus{
			WorkflowState: s.Meta.WorkflowState,
			Version:       s.Meta.Version,
			Modified:      s.Meta.Modified,
			UpdaterUri:    s.Meta.UpdaterUri,
		}
	}
	add(state)
	for _, included := range state.IncludedDocuments {
		add(included)
	}
}
