// Package correction turns fast ASR text into a delayed, higher-quality
// rewrite and describes that rewrite as a backspace-and-retype edit.
//
// The flow on the server is: the pipeline sends fast_text, hands the same
// text to a [Scheduler], which runs a [Corrector] (custom vocabulary, then an
// LLM) under a timeout. When the result differs, [Diff] computes the minimal
// suffix edit and the scheduler emits a protocol.Correction no earlier than
// the configured minimum delay after fast_text.
package correction

import "unicode/utf8"

// Plan is the edit a client applies to replace previously injected text:
// press backspace DeleteCount times, then type ReplacedText.
type Plan struct {
	// DeleteCount is the number of code points to remove from the end of the
	// injected text. Never negative.
	DeleteCount int

	// ReplacedText is typed after the deletions.
	ReplacedText string
}

// Empty reports whether applying p would leave the text unchanged.
func (p Plan) Empty() bool {
	return p.DeleteCount == 0 && p.ReplacedText == ""
}

// Diff computes the edit that turns original into corrected by keeping their
// longest common prefix, measured in code points.
//
//	Diff("hello", "hello.")  // {0, "."}
//	Diff("abcX", "abcY")     // {1, "Y"}
func Diff(original, corrected string) Plan {
	i := 0
	for i < len(original) && i < len(corrected) {
		or, osz := utf8.DecodeRuneInString(original[i:])
		cr, csz := utf8.DecodeRuneInString(corrected[i:])
		if or != cr || osz != csz {
			break
		}
		i += osz
	}
	return Plan{
		DeleteCount:  utf8.RuneCountInString(original[i:]),
		ReplacedText: corrected[i:],
	}
}

// Apply replays p on text the way a client does it. It is the inverse check
// for [Diff]: Apply(original, Diff(original, corrected)) == corrected.
func Apply(text string, p Plan) string {
	n := p.DeleteCount
	end := len(text)
	for n > 0 && end > 0 {
		_, size := utf8.DecodeLastRuneInString(text[:end])
		end -= size
		n--
	}
	return text[:end] + p.ReplacedText
}
