package document

import "github.com/zhouzirui/compliance-galaxy/client/internal/model/ident"

// Assessment statuses reported on graph nodes and edges.
const (
	StatusCompliant    = "compliant"
	StatusNonCompliant = "non_compliant"
	StatusPartial      = "partial"
)

// Node is a clause in the compliance graph.
type Node struct {
	ID        string   `json:"id"`
	Label     string   `json:"label"`
	Type      string   `json:"type"`
	Status    string   `json:"status,omitempty"`
	Risk      string   `json:"risk,omitempty"`
	Reasoning string   `json:"reasoning,omitempty"`
	Evidence  string   `json:"evidence,omitempty"`
	Page      *int     `json:"page,omitempty"`
	DocID     ident.ID `json:"doc_id,omitempty"`
	Text      string   `json:"text,omitempty"`
}

// Edge links a customer clause to the regulation clause it was assessed against.
type Edge struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Status string `json:"status"`
}

// Graph is the compliance graph of one assessment.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// StatusCounts tallies edges per status.
func (g Graph) StatusCounts() map[string]int {
	counts := make(map[string]int)
	for _, e := range g.Edges {
		counts[e.Status]++
	}
	return counts
}

// FindNode looks a node up by id.
func (g Graph) FindNode(id string) (Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}
