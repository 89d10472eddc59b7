package classifier

// Verdict is the binary classification outcome for a URL.
type Verdict int

const (
	VerdictUnknown Verdict = iota
	VerdictSafe
	VerdictMalicious
)

func (v Verdict) String() string {
	switch v {
	case VerdictSafe:
		return "safe"
	case VerdictMalicious:
		return "malicious"
	default:
		return "unknown"
	}
}

// Response is a decoded classification result.
type Response struct {
	URL        string
	Verdict    Verdict
	RawResult  string
	Confidence float64
}
