package tables

import (
	"strings"
	"sync"
)

type recordKey struct {
	name string
	typ  Type
}

// Merger accumulates extraction records into per-type datasets. The
// first record seen for a given (name, type) pair wins; later
// duplicates are dropped. Insertion order is preserved within each
// dataset and across types.
type Merger struct {
	mu        sync.Mutex
	typeOrder []Type
	datasets  map[Type]*Dataset
	seen      map[recordKey]struct{}
	dropped   int
}

func NewMerger() *Merger {
	return &Merger{
		datasets: map[Type]*Dataset{},
		seen:     map[recordKey]struct{}{},
	}
}

// Add appends records, suppressing (name, type) duplicates. Records
// with an empty name are dropped, they cannot be deduplicated or
// usefully looked up later.
func (m *Merger) Add(records ...Record) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range records {
		name := strings.TrimSpace(r.Name)
		if name == "" {
			m.dropped++
			continue
		}

		key := recordKey{name: strings.ToLower(name), typ: r.Type}
		if _, ok := m.seen[key]; ok {
			m.dropped++
			continue
		}
		m.seen[key] = struct{}{}

		ds, ok := m.datasets[r.Type]
		if !ok {
			ds = &Dataset{Type: r.Type}
			m.datasets[r.Type] = ds
			m.typeOrder = append(m.typeOrder, r.Type)
		}
		ds.Records = append(ds.Records, r)
	}
}

// Datasets returns the merged datasets in the order their types first
// appeared.
func (m *Merger) Datasets() []Dataset {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Dataset, 0, len(m.typeOrder))
	for _, t := range m.typeOrder {
		out = append(out, *m.datasets[t])
	}
	return out
}

// Len reports the total number of kept records.
func (m *Merger) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, ds := range m.datasets {
		n += len(ds.Records)
	}
	return n
}

// Dropped reports how many records were suppressed as duplicates or
// for missing a name.
func (m *Merger) Dropped() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}
