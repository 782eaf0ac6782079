// Package decorator enriches streamed documents with derived data under
// per-decorator namespaces.
package decorator

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/exp/maps"

	"github.com/golang/glog"

	"github.com/newsroom-sync/docsync/connect"
	"github.com/newsroom-sync/docsync/protocol"
)

// each namespace is owned by exactly one decorator
type Decorator interface {
	Namespace() string
}

type InitialDataDecorator interface {
	Decorator
	// enrichment by document uuid, for the primary and included documents
	OnInitialData(ctx context.Context, documents []*protocol.DocumentState) (map[string]any, error)
}

type UpdateDecorator interface {
	Decorator
	// a nil result keeps the prior enrichment
	OnUpdate(ctx context.Context, state *protocol.DocumentState) (*UpdateResult, error)
}

type UpdateResult struct {
	// new enrichment for the updated document
	Enrichment any
	// new enrichment by uuid. Without an entry for the updated document,
	// the prior enrichment of the namespace is kept.
	Enrichments map[string]any
}

type PipelineSettings struct {
	// bounds each decorator call
	DecoratorTimeout time.Duration
}

func DefaultPipelineSettings() *PipelineSettings {
	return &PipelineSettings{
		DecoratorTimeout: 30 * time.Second,
	}
}

// runs decorators in order, one at a time
// a failing decorator is logged and skipped, and never blocks delivery
type Pipeline struct {
	decorators []Decorator
	settings   *PipelineSettings
}

func NewPipelineWithDefaults(decorators ...Decorator) *Pipeline {
	return NewPipeline(DefaultPipelineSettings(), decorators...)
}

func NewPipeline(settings *PipelineSettings, decorators ...Decorator) *Pipeline {
	return &Pipeline{
		decorators: decorators,
		settings:   settings,
	}
}

func (self *Pipeline) Len() int {
	return len(self.decorators)
}

// enriches the initial batch
// each decorator sees the undecorated batch, and enrichment for
// uuids not in the batch is dropped
func (self *Pipeline) Initial(ctx context.Context, documents []*protocol.DocumentState) []*protocol.DocumentState {
	results := map[string]map[string]any{}
	namespaces := []string{}
	for _, decorator := range self.decorators {
		initialDataDecorator, ok := decorator.(InitialDataDecorator)
		if !ok {
			continue
		}
		namespace := decorator.Namespace()
		var enrichments map[string]any
		err := self.run(ctx, namespace, func(decoratorCtx context.Context) (err error) {
			enrichments, err = initialDataDecorator.OnInitialData(decoratorCtx, documents)
			return
		})
		if err != nil {
			continue
		}
		if enrichments == nil {
			continue
		}
		if _, ok := results[namespace]; !ok {
			namespaces = append(namespaces, namespace)
		}
		results[namespace] = enrichments
	}

	decorated := make([]*protocol.DocumentState, 0, len(documents))
	for _, document := range documents {
		next := document.Clone()
		for _, namespace := range namespaces {
			merge(next, namespace, results[namespace], next.Uuids())
		}
		decorated = append(decorated, next)
	}
	return decorated
}

// enriches one updated document
func (self *Pipeline) Update(ctx context.Context, state *protocol.DocumentState) *protocol.DocumentState {
	next := state.Clone()
	uuid := state.Uuid()
	for _, decorator := range self.decorators {
		updateDecorator, ok := decorator.(UpdateDecorator)
		if !ok {
			continue
		}
		namespace := decorator.Namespace()
		var result *UpdateResult
		err := self.run(ctx, namespace, func(decoratorCtx context.Context) (err error) {
			result, err = updateDecorator.OnUpdate(decoratorCtx, state)
			return
		})
		if err != nil || result == nil {
			continue
		}
		switch {
		case result.Enrichments != nil:
			if _, ok := result.Enrichments[uuid]; !ok {
				// ran but has nothing new
				continue
			}
			merge(next, namespace, result.Enrichments, next.Uuids())
		case result.Enrichment != nil:
			merge(next, namespace, map[string]any{uuid: result.Enrichment}, []string{uuid})
		}
	}
	return next
}

// runs one decorator call, isolating errors and panics
func (self *Pipeline) run(ctx context.Context, namespace string, do func(context.Context) error) (err error) {
	decoratorCtx, cancel := context.WithTimeout(ctx, self.settings.DecoratorTimeout)
	defer cancel()

	connect.HandleError(func() {
		err = do(decoratorCtx)
	}, func(panicErr error) {
		err = fmt.Errorf("panic: %w", panicErr)
	})
	if err != nil {
		glog.Infof("[decorator]%s error = %s\n", namespace, err)
	}
	return
}

// merges enrichments for `uuids` into a copy of the namespace
func merge(state *protocol.DocumentState, namespace string, enrichments map[string]any, uuids []string) {
	var namespaceData map[string]any
	if prior, ok := state.Decorators[namespace]; ok {
		namespaceData = maps.Clone(prior)
	} else {
		namespaceData = map[string]any{}
	}
	changed := false
	for _, uuid := range uuids {
		if enrichment, ok := enrichments[uuid]; ok {
			namespaceData[uuid] = enrichment
			changed = true
		}
	}
	if !changed && len(namespaceData) == 0 {
		return
	}
	if state.Decorators == nil {
		state.Decorators = protocol.DecoratorData{}
	}
	state.Decorators[namespace] = namespaceData
}
