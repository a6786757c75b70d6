package container

// Set is the ordered collection of containers one orchestrator owns.
// Containers are created once at process start and never deleted during
// a run; only their metrics change.
type Set struct {
	containers []*Container
	byCategory map[Category]*Container
}

// NewSet builds a set from the given containers, indexed by category.
// Later containers win a category collision, which matches the
// one-container-per-category model.
func NewSet(containers ...*Container) *Set {
	s := &Set{
		containers: containers,
		byCategory: make(map[Category]*Container, len(containers)),
	}
	for _, c := range containers {
		s.byCategory[c.Category()] = c
	}
	return s
}

// DefaultSet returns the canonical three-container set with the given
// coherence weights.
func DefaultSet(salesWeight, opsWeight, financeWeight float64) *Set {
	return NewSet(
		New("Sales", CategorySales, TimescaleDaily, salesWeight),
		New("Operations", CategoryOperations, TimescaleHourly, opsWeight),
		New("Finance", CategoryFinance, TimescaleWeekly, financeWeight),
	)
}

// All returns the containers in declaration order.
func (s *Set) All() []*Container {
	out := make([]*Container, len(s.containers))
	copy(out, s.containers)
	return out
}

// ByCategory returns the container owning the given category, or nil.
func (s *Set) ByCategory(cat Category) *Container {
	return s.byCategory[cat]
}

// Len returns the number of containers.
func (s *Set) Len() int { return len(s.containers) }
