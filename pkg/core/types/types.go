// Package types holds the small value types shared by the index, the store and
// the public engine API.
package types

// SearchResult is a single hit returned to callers, keyed by the external ID.
type SearchResult struct {
	ID       uint64  `json:"id"`
	Distance float32 `json:"distance"`
}

// Candidate is the graph-internal form of a result: internal index plus distance.
type Candidate struct {
	Id       uint32
	Distance float32
}

// Less orders candidates by ascending distance, breaking ties by ascending internal id
// so that result ordering is deterministic.
func (c Candidate) Less(o Candidate) bool {
	if c.Distance != o.Distance {
		return c.Distance < o.Distance
	}
	return c.Id < o.Id
}

// BatchObject is one entry of a bulk insert.
type BatchObject struct {
	Id     uint64
	Vector []float32
}

// IndexInfo describes an open index for introspection and the CLI.
type IndexInfo struct {
	Dimension      int    `json:"dimension"`
	Metric         string `json:"metric"`
	M              int    `json:"m"`
	EfConstruction int    `json:"ef_construction"`
	VectorCount    int    `json:"vector_count"`
	Tombstones     int    `json:"tombstones"`
	MaxLevel       int    `json:"max_level"`
	EntryPoint     int64  `json:"entry_point"`
	LevelCounts    []int  `json:"level_counts"`
	State          string `json:"state"`
	ISA            string `json:"isa"`
}
