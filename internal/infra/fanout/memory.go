package fanout

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"strato/internal/domain/edge"
)

// PublishedResult is one envelope captured by the in-process publisher.
type PublishedResult struct {
	Stream   string
	TenantID uuid.UUID
	Envelope edge.MessageEnvelope
}

// MemoryPublisher records published results in memory. It backs the process
// when redis is not configured and doubles as a test capture.
type MemoryPublisher struct {
	mu      sync.Mutex
	streams map[string]string
	results []PublishedResult
}

// NewMemoryPublisher constructs an in-process publisher with the given
// message_type → stream mapping.
func NewMemoryPublisher(streams map[string]string) *MemoryPublisher {
	return &MemoryPublisher{streams: streams}
}

func (p *MemoryPublisher) PublishResult(_ context.Context, tenantID uuid.UUID, envelope edge.MessageEnvelope) (bool, error) {
	stream, ok := p.streams[envelope.MessageType]
	if !ok {
		return false, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = append(p.results, PublishedResult{Stream: stream, TenantID: tenantID, Envelope: envelope})
	return true, nil
}

// Results returns everything published so far, in publish order.
func (p *MemoryPublisher) Results() []PublishedResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PublishedResult, len(p.results))
	copy(out, p.results)
	return out
}
