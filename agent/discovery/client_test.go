package discovery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/BaSui01/agentrelay/agent/protocol/a2a"
)

// fakeStages answers descriptor and query calls from memory using a real Matcher.
type fakeStages struct {
	a2a.StageClient
	descriptors map[string]*a2a.StageDescriptor
	profiles    map[string]StageProfile
	down        map[string]bool
}

func (f *fakeStages) FetchDescriptor(_ context.Context, addr string) (*a2a.StageDescriptor, error) {
	if f.down[addr] {
		return nil, a2a.ErrRemoteUnavailable
	}
	d, ok := f.descriptors[addr]
	if !ok {
		return nil, a2a.ErrRemoteUnavailable
	}
	return d.Clone(), nil
}

func (f *fakeStages) QuerySkill(_ context.Context, addr string, q a2a.CapabilityQuery) (*a2a.QueryResponse, error) {
	if f.down[addr] {
		return nil, a2a.ErrRemoteUnavailable
	}
	m := NewMatcher(&MatcherConfig{Profile: f.profiles[addr], LexiconFallback: true}, nil)
	return m.Match(q, f.descriptors[addr])
}

type countingObserver struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (o *countingObserver) RecordProbe(_ string, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.outcomes == nil {
		o.outcomes = make(map[string]int)
	}
	o.outcomes[outcome]++
}

func stageServer(t *testing.T, d *a2a.StageDescriptor, profile StageProfile) *httptest.Server {
	t.Helper()
	srv := a2a.NewHTTPServer(nil, a2a.NewStaticDescriptorSource(d, ""), NewMatcher(&MatcherConfig{Profile: profile, LexiconFallback: true}, nil), nil)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts
}

func TestClient_FaultIsolation(t *testing.T) {
	extractor := stageServer(t, extractorDescriptor(), ExtractorProfile)

	dead1 := httptest.NewServer(http.NotFoundHandler())
	dead1.Close()
	dead2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer dead2.Close()

	peers := []Peer{
		{Name: "gone", Address: dead1.URL},
		{Name: "broken", Address: dead2.URL},
		{Name: "extractor", Address: extractor.URL},
	}
	obs := &countingObserver{}
	client := NewClient(peers, a2a.NewHTTPClient(&a2a.ClientConfig{Timeout: 2 * time.Second}), nil, nil)
	client.SetObserver(obs)

	stages, err := client.Discover(context.Background(), Filter{Skill: "recipe"})
	require.NoError(t, err)
	require.Len(t, stages, 1)
	assert.Equal(t, "extractor", stages[0].Peer.Name)
	assert.Equal(t, extractor.URL, stages[0].Address())
	assert.Equal(t, a2a.MatchedBySkill, stages[0].MatchedBy["skill"])
	assert.Equal(t, 2, obs.outcomes[ProbeUnreachable])
	assert.Equal(t, 1, obs.outcomes[ProbeQualified])
}

func TestClient_LiveQueryAfterDeclaredSkillMiss(t *testing.T) {
	var queries int
	var mu sync.Mutex
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case a2a.PathDescriptor:
			_ = json.NewEncoder(w).Encode(a2a.StageDescriptor{Name: "storer", Skills: []a2a.Skill{{Name: "notion_registration"}}})
		case a2a.PathQuerySkill:
			mu.Lock()
			queries++
			mu.Unlock()
			_ = json.NewEncoder(w).Encode(a2a.QueryResponse{Available: true, Details: map[string]any{"matchedBy": "skill"}})
		}
	}))
	defer ts.Close()

	client := NewClient([]Peer{{Name: "storer", Address: ts.URL}}, a2a.NewHTTPClient(nil), nil, nil)

	stages, err := client.Discover(context.Background(), Filter{Skill: "notion"})
	require.NoError(t, err)
	assert.Len(t, stages, 1)
	assert.Equal(t, 0, queries)

	stages, err = client.Discover(context.Background(), Filter{Skill: "database"})
	require.NoError(t, err)
	assert.Len(t, stages, 1)
	assert.Equal(t, 1, queries)
}

func TestClient_PreservesPeerOrder(t *testing.T) {
	f := &fakeStages{descriptors: map[string]*a2a.StageDescriptor{}, profiles: map[string]StageProfile{}}
	var peers []Peer
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		addr := "http://" + name
		f.descriptors[addr] = extractorDescriptor()
		f.profiles[addr] = ExtractorProfile
		peers = append(peers, Peer{Name: name, Address: addr})
	}

	client := NewClient(peers, f, &ClientConfig{PeerTimeout: time.Second, Concurrency: 3}, nil)
	stages, err := client.Discover(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, stages, len(peers))
	for i, s := range stages {
		assert.Equal(t, peers[i].Name, s.Peer.Name)
	}
}

func TestClient_CancelledContext(t *testing.T) {
	f := &fakeStages{descriptors: map[string]*a2a.StageDescriptor{"http://a": extractorDescriptor()}}
	client := NewClient([]Peer{{Name: "a", Address: "http://a"}}, f, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.Discover(ctx, Filter{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClient_ContentTypeFilter(t *testing.T) {
	f := &fakeStages{
		descriptors: map[string]*a2a.StageDescriptor{
			"http://t": {Name: "transcriber", Skills: []a2a.Skill{{Name: "youtube_processing"}}},
			"http://e": extractorDescriptor(),
			"http://s": storerDescriptor(),
		},
		profiles: map[string]StageProfile{
			"http://t": TranscriberProfile,
			"http://e": ExtractorProfile,
			"http://s": StorerProfile,
		},
	}
	peers := []Peer{{Name: "t", Address: "http://t"}, {Name: "e", Address: "http://e"}, {Name: "s", Address: "http://s"}}
	client := NewClient(peers, f, nil, nil)

	stages, err := client.Discover(context.Background(), Filter{ContentType: "recipe"})
	require.NoError(t, err)
	require.Len(t, stages, 2)
	assert.Equal(t, "e", stages[0].Peer.Name)
	assert.Equal(t, "s", stages[1].Peer.Name)

	stages, err = client.Discover(context.Background(), Filter{Capability: "store recipe in database"})
	require.NoError(t, err)
	require.Len(t, stages, 1)
	assert.Equal(t, "s", stages[0].Peer.Name)
}

// 同时满足两个过滤条件的结果集不会大于任一单独条件的结果集.
func TestClient_FilterMonotonicityProperty(t *testing.T) {
	skillPool := []string{"recipe_extraction", "notion_registration", "data_validation", "youtube_processing", "video_upload"}
	capPool := []a2a.Capability{a2a.CapabilityExtractRecipe, a2a.CapabilityStoreRecord, a2a.CapabilityTranscribeVideo, a2a.CapabilityValidateRecord}
	profilePool := []StageProfile{TranscriberProfile, ExtractorProfile, StorerProfile}
	queryPool := []string{"recipe", "notion", "video", "data", "extract"}
	phrasePool := []string{"extract recipe from text", "store recipe in database", "cooking", "verify", "transcribe video", "process recipe content"}

	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 6).Draw(t, "peers")
		f := &fakeStages{
			descriptors: map[string]*a2a.StageDescriptor{},
			profiles:    map[string]StageProfile{},
			down:        map[string]bool{},
		}
		var peers []Peer
		for i := 0; i < n; i++ {
			addr := "http://peer" + string(rune('a'+i))
			d := &a2a.StageDescriptor{Name: addr}
			for _, s := range rapid.SliceOfNDistinct(rapid.SampledFrom(skillPool), 0, 3, rapid.ID[string]).Draw(t, "skills") {
				d.Skills = append(d.Skills, a2a.Skill{Name: s})
			}
			d.Capabilities = rapid.SliceOfNDistinct(rapid.SampledFrom(capPool), 0, 2, rapid.ID[a2a.Capability]).Draw(t, "caps")
			f.descriptors[addr] = d
			f.profiles[addr] = rapid.SampledFrom(profilePool).Draw(t, "profile")
			f.down[addr] = rapid.Bool().Draw(t, "down")
			peers = append(peers, Peer{Name: addr, Address: addr})
		}
		client := NewClient(peers, f, nil, nil)

		skill := rapid.SampledFrom(queryPool).Draw(t, "skill")
		phrase := rapid.SampledFrom(phrasePool).Draw(t, "phrase")

		both := names(t, client, Filter{Skill: skill, Capability: phrase})
		onlySkill := names(t, client, Filter{Skill: skill})
		onlyCap := names(t, client, Filter{Capability: phrase})
		none := names(t, client, Filter{})

		for name := range both {
			assert.True(t, onlySkill[name], "%s passed both filters but not skill alone", name)
			assert.True(t, onlyCap[name], "%s passed both filters but not capability alone", name)
		}
		for name := range onlySkill {
			assert.True(t, none[name])
		}
		for name := range onlyCap {
			assert.True(t, none[name])
		}
	})
}

func names(t *rapid.T, c *Client, f Filter) map[string]bool {
	stages, err := c.Discover(context.Background(), f)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	out := make(map[string]bool, len(stages))
	for _, s := range stages {
		out[s.Peer.Name] = true
	}
	return out
}
