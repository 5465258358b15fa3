// Package cogmem implements a cognitive memory engine for long-running
// assistants.
//
// Text snippets ("experiences") are encoded into a fused semantic+dimensional
// vector, stored across a three-tier hierarchy (concepts, contexts,
// episodes) with an explicit associative graph, and recalled by combining
// direct similarity, spreading activation over the graph, and bridge
// discovery. A dual-memory manager promotes frequently accessed episodic
// memories into stable semantic ones and decays the rest.
//
// The package wires together the lower-level packages under pkg/:
// embedding, dimension, encoder, vectorstore, metastore, activation, bridge,
// dualmemory and filesync. Most callers only need the System façade defined
// in system.go.
package cogmem
