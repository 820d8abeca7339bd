package stt

import "time"

// Transcript represents a speech-to-text result from an STT provider.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final or partial transcript.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the
	// provider does not report confidence.
	Confidence float64

	// Words contains per-word timing when the provider reports it.
	Words []WordDetail

	// ResultID groups successive partials that refine the same utterance,
	// for providers that report one.
	ResultID string

	// Timestamp marks when the utterance started, relative to stream start.
	Timestamp time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration
}

// Span returns the audio time range covered by t. Word timings take
// precedence; otherwise Timestamp and Duration are used.
func (t Transcript) Span() (start, end time.Duration) {
	if len(t.Words) == 0 {
		return t.Timestamp, t.Timestamp + t.Duration
	}
	start, end = t.Words[0].Start, t.Words[0].End
	for _, w := range t.Words[1:] {
		start = min(start, w.Start)
		end = max(end, w.End)
	}
	return start, end
}

// WordDetail holds per-word metadata from STT providers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// KeywordBoost is a vocabulary hint.
type KeywordBoost struct {
	// Keyword is the text to boost.
	Keyword string

	// Boost is the intensity of the boost (provider-specific scale).
	Boost float64
}
