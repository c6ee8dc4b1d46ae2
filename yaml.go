package outflow

import (
	"fmt"
	"io"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/petrijr/outflow/pkg/api"
)

// graphDoc is the YAML shape of a campaign graph:
//
//	campaign: summer-promo
//	nodes:
//	  entry:
//	    kind: trigger
//	    channels: [whatsapp]
//	  cooloff:
//	    kind: delay
//	    value: 1
//	    unit: d
//	  done:
//	    kind: closing
//	    final_status: completed
//	edges:
//	  - {source: entry, port: default, target: cooloff}
//	  - {source: cooloff, port: default, target: done}
//
// Each node mapping carries "kind" plus that kind's config fields inline.
type graphDoc struct {
	Campaign string                    `yaml:"campaign"`
	Nodes    map[string]map[string]any `yaml:"nodes"`
	Edges    []edgeDoc                 `yaml:"edges"`
}

type edgeDoc struct {
	Source string `yaml:"source"`
	Port   string `yaml:"port"`
	Target string `yaml:"target"`
}

// LoadGraphYAML parses a campaign graph from YAML and validates it.
func LoadGraphYAML(r io.Reader) (*FlowGraph, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return ParseGraphYAML(data)
}

// ParseGraphYAML parses a campaign graph from YAML bytes and validates it.
func ParseGraphYAML(data []byte) (*FlowGraph, error) {
	var doc graphDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse graph yaml: %w", err)
	}
	if doc.Campaign == "" {
		return nil, fmt.Errorf("graph yaml: missing campaign")
	}

	g := &api.FlowGraph{
		CampaignID: doc.Campaign,
		Nodes:      make(map[string]*api.NodeSpec, len(doc.Nodes)),
	}
	for id, fields := range doc.Nodes {
		spec, err := decodeNode(id, fields)
		if err != nil {
			return nil, err
		}
		g.Nodes[id] = spec
	}
	for _, e := range doc.Edges {
		port := e.Port
		if port == "" {
			port = api.PortDefault
		}
		g.Edges = append(g.Edges, api.Edge{Source: e.Source, Port: port, Target: e.Target})
	}

	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func decodeNode(id string, fields map[string]any) (*api.NodeSpec, error) {
	kindVal, ok := fields["kind"]
	if !ok {
		return nil, fmt.Errorf("node %s: missing kind", id)
	}
	kindStr, ok := kindVal.(string)
	if !ok {
		return nil, fmt.Errorf("node %s: kind must be a string", id)
	}

	cfg := make(map[string]any, len(fields))
	for k, v := range fields {
		if k != "kind" {
			cfg[k] = v
		}
	}

	spec := &api.NodeSpec{ID: id, Kind: api.NodeKind(kindStr)}
	var target any
	switch spec.Kind {
	case api.KindTrigger:
		spec.Trigger = &api.TriggerConfig{}
		target = spec.Trigger
	case api.KindDelay:
		spec.Delay = &api.DelayConfig{}
		target = spec.Delay
	case api.KindSplit:
		spec.Split = &api.SplitConfig{}
		target = spec.Split
	case api.KindAction, api.KindBroadcast:
		spec.Action = &api.ActionConfig{}
		target = spec.Action
	case api.KindLogic:
		spec.Logic = &api.LogicConfig{}
		target = spec.Logic
	case api.KindGoto:
		spec.Goto = &api.GotoConfig{}
		target = spec.Goto
	case api.KindGotoCampaign:
		spec.GotoCampaign = &api.GotoCampaignConfig{}
		target = spec.GotoCampaign
	case api.KindHandoff:
		spec.Handoff = &api.HandoffConfig{}
		target = spec.Handoff
	case api.KindClosing:
		spec.Closing = &api.ClosingConfig{}
		target = spec.Closing
	case api.KindAgent:
		spec.Agent = &api.AgentConfig{}
		target = spec.Agent
	default:
		return nil, fmt.Errorf("node %s: unknown kind %q", id, kindStr)
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      target,
		ErrorUnused: true,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("node %s: %w", id, err)
	}
	return spec, nil
}
