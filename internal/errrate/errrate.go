// Package errrate computes character and word error rates of token-id
// hypotheses against references, using a character list to render text.
package errrate

import (
	"strings"

	"github.com/agnivade/levenshtein"
)

// Calculator renders id sequences with a character list; ids -1 end a reference.
type Calculator struct {
	chars     []string
	space     string
	blank     string
	reportCER bool
	reportWER bool
}

func New(charList []string, symSpace, symBlank string, reportCER, reportWER bool) *Calculator {
	return &Calculator{
		chars:     charList,
		space:     symSpace,
		blank:     symBlank,
		reportCER: reportCER,
		reportWER: reportWER,
	}
}

func (c *Calculator) ReportCER() bool { return c.reportCER }
func (c *Calculator) ReportWER() bool { return c.reportWER }

// Text joins the characters of ids, mapping the space symbol to " " and
// dropping the blank symbol and out-of-range ids.
func (c *Calculator) Text(ids []int) string {
	var b strings.Builder
	for _, id := range ids {
		if id < 0 || id >= len(c.chars) {
			continue
		}
		b.WriteString(c.chars[id])
	}
	s := strings.ReplaceAll(b.String(), c.space, " ")
	return strings.ReplaceAll(s, c.blank, "")
}

// truncate cuts ref at the first ignored position and hyp to the same length.
func truncate(hyp, ref []int) ([]int, []int) {
	n := len(ref)
	for i, id := range ref {
		if id == -1 {
			n = i
			break
		}
	}
	ref = ref[:n]
	if len(hyp) > n {
		hyp = hyp[:n]
	}
	return hyp, ref
}

// CER is the summed character edit distance over summed reference length, spaces removed.
func (c *Calculator) CER(hyps, refs [][]int) float64 {
	dist, total := 0, 0
	for i := range refs {
		hyp, ref := truncate(hyps[i], refs[i])
		h := strings.ReplaceAll(c.Text(hyp), " ", "")
		r := strings.ReplaceAll(c.Text(ref), " ", "")
		dist += levenshtein.ComputeDistance(h, r)
		total += len([]rune(r))
	}
	return ratio(dist, total)
}

// WER is the summed word edit distance over summed reference word count.
func (c *Calculator) WER(hyps, refs [][]int) float64 {
	dist, total := 0, 0
	for i := range refs {
		hyp, ref := truncate(hyps[i], refs[i])
		h, r := encodeWords(strings.Fields(c.Text(hyp)), strings.Fields(c.Text(ref)))
		dist += levenshtein.ComputeDistance(h, r)
		total += len([]rune(r))
	}
	return ratio(dist, total)
}

// CTCCER scores frame-level argmax paths: repeats are merged and blanks removed first.
func (c *Calculator) CTCCER(paths, refs [][]int, blank int) float64 {
	dist, total := 0, 0
	for i := range refs {
		_, ref := truncate(nil, refs[i])
		hyp := []int{}
		prev := -1
		for _, id := range paths[i] {
			if id != prev && id != blank && id != -1 {
				hyp = append(hyp, id)
			}
			prev = id
		}
		h := strings.ReplaceAll(c.Text(hyp), " ", "")
		r := strings.ReplaceAll(c.Text(ref), " ", "")
		if len(r) == 0 {
			continue
		}
		dist += levenshtein.ComputeDistance(h, r)
		total += len([]rune(r))
	}
	return ratio(dist, total)
}

// Calculate returns the configured rates; disabled rates are nil.
func (c *Calculator) Calculate(hyps, refs [][]int) (cer, wer *float64) {
	if c.reportCER {
		v := c.CER(hyps, refs)
		cer = &v
	}
	if c.reportWER {
		v := c.WER(hyps, refs)
		wer = &v
	}
	return cer, wer
}

// encodeWords maps every distinct word to one private-use rune so that word
// sequences can be compared with a rune edit distance.
func encodeWords(hyp, ref []string) (string, string) {
	codes := map[string]rune{}
	encode := func(words []string) string {
		rs := make([]rune, len(words))
		for i, w := range words {
			r, ok := codes[w]
			if !ok {
				r = rune(0xE000 + len(codes))
				codes[w] = r
			}
			rs[i] = r
		}
		return string(rs)
	}
	return encode(hyp), encode(ref)
}

func ratio(dist, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(dist) / float64(total)
}
