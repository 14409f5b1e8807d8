package payload

import "fmt"

// Kind identifies the category of telemetry a payload carries. Each kind
// owns an independent queue and redelivery loop.
type Kind string

const (
	KindReport  Kind = "report"
	KindSession Kind = "session"
)

// Kinds lists every payload kind in a stable order.
var Kinds = []Kind{KindReport, KindSession}

// PayloadVersion is the collector payload schema version for the kind.
func (k Kind) PayloadVersion() string {
	switch k {
	case KindReport:
		return "4"
	case KindSession:
		return "1"
	}
	return ""
}

func (k Kind) Valid() bool {
	return k == KindReport || k == KindSession
}

// ParseKind converts a string such as "report" into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown payload kind %q", s)
	}
	return k, nil
}
