// Package fingerprint derives deterministic digests of observation sets used
// to invalidate cached optimization results.
package fingerprint

import (
	"cmp"
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strconv"
	"strings"

	"github.com/sells-group/forecast-tuner/internal/model"
)

// Empty is returned for an empty observation set.
const Empty = "empty"

// precision is the number of decimals kept when rounding values.
const precision = 4

// Compute returns the fingerprint of one product's observations. The result
// does not depend on input order. When any observation carries a note, a
// short digest of the note texts is appended so edits to a note's wording
// also change the fingerprint.
func Compute(obs []model.Observation) string {
	if len(obs) == 0 {
		return Empty
	}

	sorted := slices.Clone(obs)
	slices.SortFunc(sorted, compare)

	values := make([]string, len(sorted))
	texts := make([]string, len(sorted))
	var outliers, notes strings.Builder
	noted := false
	for i, o := range sorted {
		values[i] = formatValue(o.Value)
		outliers.WriteByte(bit(o.IsOutlier))
		notes.WriteByte(bit(o.Note != ""))
		texts[i] = o.Note
		noted = noted || o.Note != ""
	}

	var b strings.Builder
	b.WriteString(strconv.Itoa(len(sorted)))
	b.WriteByte('-')
	b.WriteString(strings.Join(values, ","))
	b.WriteByte('-')
	b.WriteString(outliers.String())
	b.WriteByte('-')
	b.WriteString(notes.String())
	if noted {
		b.WriteByte('-')
		b.WriteString(noteDigest(texts))
	}
	return b.String()
}

// noteDigest is the first 4 bytes of the SHA-256 of the NUL-joined notes,
// hex encoded.
func noteDigest(texts []string) string {
	sum := sha256.Sum256([]byte(strings.Join(texts, "\x00")))
	return hex.EncodeToString(sum[:4])
}

// ByProduct groups obs by product and fingerprints each group.
func ByProduct(obs []model.Observation) map[string]string {
	groups := make(map[string][]model.Observation)
	for _, o := range obs {
		groups[o.ProductID] = append(groups[o.ProductID], o)
	}
	out := make(map[string]string, len(groups))
	for id, g := range groups {
		out[id] = Compute(g)
	}
	return out
}

// compare orders by (product, date) and breaks remaining ties on the
// content fields so duplicates on the same date sort the same way every time.
func compare(a, b model.Observation) int {
	if c := cmp.Compare(a.ProductID, b.ProductID); c != 0 {
		return c
	}
	if c := a.Date.Compare(b.Date); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Value, b.Value); c != 0 {
		return c
	}
	if a.IsOutlier != b.IsOutlier {
		if !a.IsOutlier {
			return -1
		}
		return 1
	}
	return cmp.Compare(a.Note, b.Note)
}

// formatValue rounds v to the fixed precision. Negative zero collapses to
// zero so sub-precision noise around 0 does not change the digest.
func formatValue(v float64) string {
	s := strconv.FormatFloat(v, 'f', precision, 64)
	if s == "-0.0000" {
		return "0.0000"
	}
	return s
}

func bit(b bool) byte {
	if b {
		return '1'
	}
	return '0'
}
