// Copyright 2024 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a MIT license that can be
// found in the LICENSE file.

/*
Package agent groups the building blocks of an AgentRelay pipeline. The
root package holds no code; each concern lives in a subpackage.

# Overview

A pipeline is a chain of independent stage services. The origin accepts a
video URL and hands it to the first stage. Each stage does its work, answers
its caller, then discovers the next stage at run time and forwards its
output. The origin follows the chain until it reaches a terminal state.

	origin ──► transcriber ──► extractor ──► storer
	   ▲                                        │
	   └──────────── completion callback ◄──────┘

# Subpackages

  - protocol/a2a: wire types, stage descriptors, the stage HTTP server and
    the peer client
  - discovery: peer sets, descriptor fetches and capability matching
  - handoff: tiered routing hints and forwarding to the chosen peer
  - stages: the transcriber, extractor and storer handlers
  - tracker: the origin's per-task state machine
  - persistence: chain state shared between stages and the origin
*/
package agent
