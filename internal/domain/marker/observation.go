package marker

// Observation is the decode result for one frame.
type Observation struct {
	// Seq is the sequence number of the originating frame.
	Seq uint64
	// Payload is the decoded text. It is meaningful only when Found is true.
	Payload string
	// Found reports whether a marker was decoded at all.
	Found bool
}

// NoMarker returns an observation for a frame without a readable marker.
func NoMarker(seq uint64) Observation {
	return Observation{Seq: seq}
}

// Decoded returns an observation carrying a decoded payload.
func Decoded(seq uint64, payload string) Observation {
	return Observation{
		Seq:     seq,
		Payload: payload,
		Found:   true,
	}
}
