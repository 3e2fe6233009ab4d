package transport

import "fmt"

// Schema validates one message name's payload shape. Validate should
// type-assert data and check required fields; it returns a descriptive
// error rather than panicking on malformed input, since Envelopes
// ultimately arrive over a network endpoint from an untrusted worker.
type Schema func(data any) error

// Protocol is a named map of message name to Schema, mirroring
// original_source/transport.py's per-direction message tables (e.g. the
// worker protocol's BUSY/IDLE/DONE/BUILT set, the admin protocol's
// ADDPKG/ADDVER set). Validate rejects any message name the Protocol
// doesn't know about, so a typo in a handler never silently no-ops.
type Protocol struct {
	Name     string
	schemas  map[string]Schema
}

// NewProtocol constructs an empty Protocol with the given name.
func NewProtocol(name string) *Protocol {
	return &Protocol{Name: name, schemas: make(map[string]Schema)}
}

// On registers a message name and its payload validator.
func (p *Protocol) On(msg string, schema Schema) *Protocol {
	p.schemas[msg] = schema
	return p
}

// Validate checks that env.Msg is known to the protocol and that its
// payload passes the registered Schema.
func (p *Protocol) Validate(env Envelope) error {
	schema, ok := p.schemas[env.Msg]
	if !ok {
		return fmt.Errorf("transport: protocol %q has no schema for message %q", p.Name, env.Msg)
	}
	if schema == nil {
		return nil
	}
	return schema(env.Data)
}

// Reversed returns a Protocol with the same messages, for documentation
// and testing purposes where a single conversation is described from
// both sides (e.g. "the worker protocol, reversed, is what the master
// sees"). It is the identity function today since Protocol carries no
// directionality, but callers that hold a "client protocol" vs "server
// protocol" distinction thread their own intent through separate
// Protocol values built with On; this exists to name both sides of a
// pairing explicitly in endpoint construction code instead of reusing
// one *Protocol ambiguously.
func (p *Protocol) Reversed() *Protocol { return p }

// Known reports whether msg is a recognized message name.
func (p *Protocol) Known(msg string) bool {
	_, ok := p.schemas[msg]
	return ok
}
