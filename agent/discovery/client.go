package discovery

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/agentrelay/agent/protocol/a2a"
)

// Filter narrows discovery. Empty fields are ignored; set fields are
// AND-combined.
type Filter struct {
	Skill          string
	Capability     string
	CapabilityType a2a.Capability
	ContentType    string
}

// IsEmpty reports whether no field is set.
func (f Filter) IsEmpty() bool {
	return f.Skill == "" && f.Capability == "" && f.CapabilityType == "" && f.ContentType == ""
}

// QualifiedStage is a peer whose descriptor and live answers passed the filter.
type QualifiedStage struct {
	Peer       Peer
	Descriptor *a2a.StageDescriptor
	// MatchedBy records how each applied filter was satisfied.
	MatchedBy map[string]a2a.MatchedBy
}

// Address returns the descriptor url, falling back to the peer address.
func (q QualifiedStage) Address() string {
	if q.Descriptor != nil && q.Descriptor.URL != "" {
		return q.Descriptor.URL
	}
	return q.Peer.Address
}

// Discoverer is implemented by Client and by test doubles.
type Discoverer interface {
	Discover(ctx context.Context, filter Filter) ([]QualifiedStage, error)
}

// ProbeObserver receives per-peer probe outcomes; internal/metrics.Collector
// satisfies it.
type ProbeObserver interface {
	RecordProbe(peer, outcome string, duration time.Duration)
}

// Probe outcomes.
const (
	ProbeQualified   = "qualified"
	ProbeFiltered    = "filtered"
	ProbeUnreachable = "unreachable"
)

// ClientConfig holds configuration for the discovery client.
type ClientConfig struct {
	// PeerTimeout bounds every call made to a single peer.
	PeerTimeout time.Duration `json:"peer_timeout"`

	// Concurrency limits simultaneous peer probes.
	Concurrency int `json:"concurrency"`
}

// DefaultClientConfig returns a ClientConfig with sensible defaults.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		PeerTimeout: 5 * time.Second,
		Concurrency: 4,
	}
}

// Client discovers qualifying stages among a fixed peer list.
type Client struct {
	peers    []Peer
	stages   a2a.StageClient
	config   *ClientConfig
	logger   *zap.Logger
	tracer   trace.Tracer
	observer ProbeObserver
}

var _ Discoverer = (*Client)(nil)

// NewClient creates a discovery client over the given peers.
func NewClient(peers []Peer, stages a2a.StageClient, config *ClientConfig, logger *zap.Logger) *Client {
	if config == nil {
		config = DefaultClientConfig()
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		peers:  append([]Peer(nil), peers...),
		stages: stages,
		config: config,
		logger: logger.With(zap.String("component", "discovery_client")),
		tracer: otel.Tracer("github.com/BaSui01/agentrelay/agent/discovery"),
	}
}

// SetObserver sets the probe observer.
func (c *Client) SetObserver(o ProbeObserver) {
	c.observer = o
}

// Peers returns a copy of the configured peers.
func (c *Client) Peers() []Peer {
	return append([]Peer(nil), c.peers...)
}

// Discover probes every peer and returns those passing the filter, in peer
// order. Unreachable or misbehaving peers are skipped. The error is non-nil
// only when ctx is done.
func (c *Client) Discover(ctx context.Context, filter Filter) ([]QualifiedStage, error) {
	ctx, span := c.tracer.Start(ctx, "discovery.Discover", trace.WithAttributes(
		attribute.String("filter.skill", filter.Skill),
		attribute.String("filter.capability", filter.Capability),
		attribute.String("filter.content_type", filter.ContentType),
		attribute.Int("peers", len(c.peers)),
	))
	defer span.End()

	results := make([]*QualifiedStage, len(c.peers))

	var g errgroup.Group
	g.SetLimit(c.config.Concurrency)
	for i, peer := range c.peers {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			results[i] = c.probe(ctx, peer, filter)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	out := make([]QualifiedStage, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	span.SetAttributes(attribute.Int("qualified", len(out)))
	c.logger.Debug("discovery finished",
		zap.String("skill", filter.Skill),
		zap.String("capability", filter.Capability),
		zap.String("content_type", filter.ContentType),
		zap.Int("qualified", len(out)),
	)
	return out, nil
}

func (c *Client) probe(ctx context.Context, peer Peer, filter Filter) *QualifiedStage {
	start := time.Now()
	logger := c.logger.With(zap.String("peer", peer.Name), zap.String("address", peer.Address))

	q, err := c.evaluate(ctx, peer, filter)
	outcome := ProbeQualified
	switch {
	case err != nil:
		outcome = ProbeUnreachable
		logger.Debug("peer skipped", zap.Error(err))
	case q == nil:
		outcome = ProbeFiltered
	}
	if c.observer != nil {
		c.observer.RecordProbe(peer.Name, outcome, time.Since(start))
	}
	return q
}

// evaluate returns (nil, nil) when the peer answered but did not qualify.
func (c *Client) evaluate(ctx context.Context, peer Peer, filter Filter) (*QualifiedStage, error) {
	d, err := c.fetchDescriptor(ctx, peer)
	if err != nil {
		return nil, err
	}

	matched := make(map[string]a2a.MatchedBy)

	if filter.Skill != "" {
		if DeclaresSkill(d, filter.Skill) {
			matched["skill"] = a2a.MatchedBySkill
		} else {
			resp, err := c.query(ctx, peer, a2a.CapabilityQuery{Skill: filter.Skill})
			if err != nil {
				return nil, err
			}
			if !resp.Available {
				return nil, nil
			}
			matched["skill"] = resp.MatchedBy()
		}
	}

	if filter.CapabilityType != "" {
		resp, err := c.query(ctx, peer, a2a.CapabilityQuery{CapabilityType: filter.CapabilityType})
		if err != nil {
			return nil, err
		}
		if !resp.Available {
			return nil, nil
		}
		matched["capability_type"] = resp.MatchedBy()
	}

	if filter.Capability != "" {
		resp, err := c.query(ctx, peer, a2a.CapabilityQuery{Capability: filter.Capability})
		if err != nil {
			return nil, err
		}
		if !resp.Available {
			return nil, nil
		}
		matched["capability"] = resp.MatchedBy()
	}

	if filter.ContentType != "" {
		resp, err := c.query(ctx, peer, a2a.ContentTypeQuery(filter.ContentType))
		if err != nil {
			return nil, err
		}
		if !resp.Available {
			return nil, nil
		}
		matched["content_type"] = resp.MatchedBy()
	}

	return &QualifiedStage{Peer: peer, Descriptor: d, MatchedBy: matched}, nil
}

func (c *Client) fetchDescriptor(ctx context.Context, peer Peer) (*a2a.StageDescriptor, error) {
	ctx, cancel := c.peerContext(ctx)
	defer cancel()
	return c.stages.FetchDescriptor(ctx, peer.Address)
}

func (c *Client) query(ctx context.Context, peer Peer, q a2a.CapabilityQuery) (*a2a.QueryResponse, error) {
	ctx, cancel := c.peerContext(ctx)
	defer cancel()
	resp, err := c.stages.QuerySkill(ctx, peer.Address, q)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, errors.New("empty query response")
	}
	return resp, nil
}

func (c *Client) peerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.config.PeerTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.config.PeerTimeout)
}
