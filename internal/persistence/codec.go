package persistence

import (
	"bytes"
	"encoding/gob"

	"github.com/petrijr/outflow/pkg/api"
)

// The durable stores all persist contexts and graphs the same way:
// gob-encoded blobs. Unlike opaque user payloads, both types are concrete
// and fully exported, so plain gob round-trips them; only the values inside
// LeadContext.Variables need registration, which pkg/api does in its init.

// EncodeContext serializes a lead context.
func EncodeContext(lc *api.LeadContext) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(lc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeContext deserializes a lead context. Empty input means "not found".
func DecodeContext(data []byte) (*api.LeadContext, error) {
	if len(data) == 0 {
		return nil, ErrContextNotFound
	}
	var lc api.LeadContext
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&lc); err != nil {
		return nil, err
	}
	return &lc, nil
}

// EncodeGraph serializes a flow graph.
func EncodeGraph(g *api.FlowGraph) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(g); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeGraph deserializes a flow graph.
func DecodeGraph(data []byte) (*api.FlowGraph, error) {
	if len(data) == 0 {
		return nil, ErrGraphNotFound
	}
	var g api.FlowGraph
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&g); err != nil {
		return nil, err
	}
	return &g, nil
}
