package graph

import (
	"encoding/json"
	"time"
)

// Storage serialization forms. The public structs hide timestamps and
// confidence from API JSON; the storage forms keep everything, with
// timestamps as Unix milliseconds.

type serializableNode struct {
	ID         string         `json:"id"`
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties"`
	CreatedAt  int64          `json:"created_at"`
	UpdatedAt  int64          `json:"updated_at"`
}

type serializableEdge struct {
	ID         string         `json:"id"`
	StartNode  string         `json:"start_node"`
	EndNode    string         `json:"end_node"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	Confidence float64        `json:"confidence"`
	CreatedAt  int64          `json:"created_at"`
	UpdatedAt  int64          `json:"updated_at"`
}

func encodeNode(n *Node) ([]byte, error) {
	return json.Marshal(serializableNode{
		ID:         string(n.ID),
		Labels:     n.Labels,
		Properties: n.Properties,
		CreatedAt:  n.CreatedAt.UnixMilli(),
		UpdatedAt:  n.UpdatedAt.UnixMilli(),
	})
}

func decodeNode(data []byte) (*Node, error) {
	var s serializableNode
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &Node{
		ID:         NodeID(s.ID),
		Labels:     s.Labels,
		Properties: s.Properties,
		CreatedAt:  unixMilliToTime(s.CreatedAt),
		UpdatedAt:  unixMilliToTime(s.UpdatedAt),
	}, nil
}

func encodeEdge(e *Edge) ([]byte, error) {
	return json.Marshal(serializableEdge{
		ID:         string(e.ID),
		StartNode:  string(e.StartNode),
		EndNode:    string(e.EndNode),
		Type:       e.Type,
		Properties: e.Properties,
		Confidence: e.Confidence,
		CreatedAt:  e.CreatedAt.UnixMilli(),
		UpdatedAt:  e.UpdatedAt.UnixMilli(),
	})
}

func decodeEdge(data []byte) (*Edge, error) {
	var s serializableEdge
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &Edge{
		ID:         EdgeID(s.ID),
		StartNode:  NodeID(s.StartNode),
		EndNode:    NodeID(s.EndNode),
		Type:       s.Type,
		Properties: s.Properties,
		Confidence: s.Confidence,
		CreatedAt:  unixMilliToTime(s.CreatedAt),
		UpdatedAt:  unixMilliToTime(s.UpdatedAt),
	}, nil
}

func unixMilliToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
