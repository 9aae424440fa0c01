// Package discovery finds peer stages that accept a given unit of work.
//
// The package has three parts:
//
//   - Matcher: decides whether a CapabilityQuery is satisfied by a stage's
//     descriptor. Enumerated capabilities are the primary contract; skill
//     names match by case-insensitive containment; free-text capability
//     phrases are first resolved through an alias table and only then fall
//     back to a per-stage lexicon, which is reported as "lexicon".
//   - Peers: a static list of {name, address} resolved once at startup from
//     configuration. ResolvePeers picks the local or fleet list, optionally
//     by probing the runtime environment.
//   - Client: probes every configured peer (descriptor plus live
//     /query-skill calls) and returns the qualifying stages in peer order.
//     Each peer call carries its own timeout and an unreachable peer is
//     skipped, never reported as an error.
//
// # Basic Usage
//
//	peers, mode, err := discovery.ResolvePeers(cfg.Peers, discovery.DefaultEnvProbe())
//	client := discovery.NewClient(peers, stageClient, discovery.DefaultClientConfig(), logger)
//
//	stages, err := client.Discover(ctx, discovery.Filter{Skill: "recipe"})
//	if err != nil {
//	    return err // context cancelled
//	}
//	for _, s := range stages {
//	    fmt.Println(s.Peer.Name, s.Address())
//	}
package discovery
