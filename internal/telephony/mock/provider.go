package mock

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/acme/adherence-call-pipeline/internal/config"
	"github.com/acme/adherence-call-pipeline/internal/telephony"
)

// Provider simulates the voice provider accepting outbound calls.
type Provider struct {
	successRate float64
	latency     time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewProvider constructs a simulated provider.
func NewProvider(cfg config.VoiceConfig) *Provider {
	latency := cfg.RequestTimeout / 20
	if latency <= 0 {
		latency = 200 * time.Millisecond
	}
	return &Provider{
		successRate: 0.95,
		latency:     latency,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// StartCall pretends to place the call and returns simulated identifiers.
func (p *Provider) StartCall(ctx context.Context, req telephony.StartCallRequest) (telephony.StartCallResult, error) {
	select {
	case <-ctx.Done():
		return telephony.StartCallResult{}, ctx.Err()
	case <-time.After(p.latency):
	}

	p.mu.Lock()
	ok := p.rng.Float64() <= p.successRate
	p.mu.Unlock()
	if !ok {
		return telephony.StartCallResult{}, fmt.Errorf("%w: simulated failure for %s", telephony.ErrRejected, req.CallID)
	}

	now := time.Now().UnixNano()
	return telephony.StartCallResult{
		ConversationID: fmt.Sprintf("SIM_CONV_%d", now),
		ProviderCallID: fmt.Sprintf("SIM_CALL_%d", now),
	}, nil
}
