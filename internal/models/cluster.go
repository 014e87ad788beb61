package models

// ClusterMember identifies one chunk inside a near-duplicate cluster.
type ClusterMember struct {
	Source string `json:"source"`
	ID     string `json:"id"`
	URL    string `json:"url"`
	Path   string `json:"path"`
	Chunk  int    `json:"chunk"`
	Text   string `json:"text,omitempty"`
}

// Cluster is a set of chunks connected through a chain of above-threshold similarities.
type Cluster struct {
	Members []ClusterMember `json:"members"`
}

// Size returns the number of members.
func (c Cluster) Size() int {
	return len(c.Members)
}
