package hazard

import (
	"fmt"
	"strings"
)

// Class is one of the fixed ocean hazard categories a photo may depict.
type Class string

const (
	Tsunami    Class = "tsunami"
	StormSurge Class = "storm_surge"
	HighWaves  Class = "high_waves"
	Flooding   Class = "flooding"
	Debris     Class = "debris"
	Pollution  Class = "pollution"
	Erosion    Class = "erosion"
	Wildlife   Class = "wildlife"
	Other      Class = "other"
)

// All lists every class in model output order. The position of a class is
// its ordinal index and must not change while a trained model is deployed.
var All = [...]Class{
	Tsunami,
	StormSurge,
	HighWaves,
	Flooding,
	Debris,
	Pollution,
	Erosion,
	Wildlife,
	Other,
}

// Count is the number of hazard classes a model scores.
const Count = len(All)

// Index returns the ordinal of c, or -1 when c is not a known class.
func (c Class) Index() int {
	for i, known := range All {
		if known == c {
			return i
		}
	}
	return -1
}

// Valid reports whether c belongs to the closed class set.
func (c Class) Valid() bool {
	return c.Index() >= 0
}

func (c Class) String() string {
	return string(c)
}

// FromIndex maps a model output position back to its class.
func FromIndex(i int) (Class, error) {
	if i < 0 || i >= Count {
		return "", fmt.Errorf("hazard index %d out of range [0,%d)", i, Count)
	}
	return All[i], nil
}

// Parse normalizes user supplied names such as "Storm-Surge" and
// returns the matching class.
func Parse(name string) (Class, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	normalized = strings.NewReplacer("-", "_", " ", "_").Replace(normalized)
	c := Class(normalized)
	if !c.Valid() {
		return "", fmt.Errorf("unknown hazard type %q", name)
	}
	return c, nil
}

// Coerce is the collection-time rule: anything outside the class set
// becomes Other.
func Coerce(name string) Class {
	c, err := Parse(name)
	if err != nil {
		return Other
	}
	return c
}

// Names returns the class names in ordinal order.
func Names() []string {
	names := make([]string, Count)
	for i, c := range All {
		names[i] = string(c)
	}
	return names
}
