package audio

// DefaultThresholdDB classifies batches quieter than this as silence.
const DefaultThresholdDB = -40.0

// Transition is emitted by Gate when the classification changes.
type Transition struct {
	Active  bool
	Initial bool
}

// Gate is an energy-threshold speech activity detector. One Gate belongs to
// one capture session; it is not safe for concurrent use.
type Gate struct {
	thresholdDB float64
	initialized bool
	active      bool
}

func NewGate(thresholdDB float64) *Gate {
	return &Gate{thresholdDB: thresholdDB}
}

// Process classifies one batch. ok is true on the first batch and on every
// change of classification.
func (g *Gate) Process(samples []float32) (tr Transition, ok bool) {
	active := LevelDB(samples) >= g.thresholdDB
	if !g.initialized {
		g.initialized = true
		g.active = active
		return Transition{Active: active, Initial: true}, true
	}
	if active == g.active {
		return Transition{}, false
	}
	g.active = active
	return Transition{Active: active}, true
}

// Active reports the last classification.
func (g *Gate) Active() bool { return g.active }

func (g *Gate) Reset() {
	g.initialized = false
	g.active = false
}
