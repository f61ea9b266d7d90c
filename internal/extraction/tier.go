package extraction

// Tier is a parsing stage of the extraction state machine, in the order the
// stages are attempted
type Tier int

const (
	// StructuredOk: the whole output is the expected {"items": [...]} object
	StructuredOk Tier = iota + 1
	// ObjectSpanFound: a {...} span inside the output decoded
	ObjectSpanFound
	// ArraySpanFound: a [...] span inside the output decoded as an item list
	ArraySpanFound
	// Unrecoverable: nothing decoded; the batch is empty
	Unrecoverable
)

func (t Tier) String() string {
	switch t {
	case StructuredOk:
		return "structured_ok"
	case ObjectSpanFound:
		return "object_span_found"
	case ArraySpanFound:
		return "array_span_found"
	case Unrecoverable:
		return "unrecoverable"
	default:
		return "unknown"
	}
}

// Outcome records the tier that produced the batch and every tier attempted
// on the way there, in order
type Outcome struct {
	Tier      Tier
	Attempted []Tier
}

// Recovered reports whether a tier other than Unrecoverable produced the batch
func (o Outcome) Recovered() bool {
	return o.Tier != Unrecoverable
}
