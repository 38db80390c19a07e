package textutil

import (
	"github.com/antzucaro/matchr"
)

type Link struct {
	Left        string
	Right       string
	Correlation float64
}

// LinkNames pairs each name on the shorter side with its most similar unmatched
// name on the other side. Exact matches after normalization are linked first
// with a correlation of 1, the rest by Jaro-Winkler similarity. Pairs below
// threshold are not linked.
func LinkNames(leftList, rightList []string, threshold float64) []Link {
	swapped := false
	if len(rightList) < len(leftList) {
		leftList, rightList = rightList, leftList
		swapped = true
	}

	var result []Link
	matchedLeft := make(map[int]struct{})
	matchedRight := make(map[int]struct{})

	emit := func(l, r int, correlation float64) {
		link := Link{Left: leftList[l], Right: rightList[r], Correlation: correlation}
		if swapped {
			link.Left, link.Right = link.Right, link.Left
		}
		result = append(result, link)
		matchedLeft[l] = struct{}{}
		matchedRight[r] = struct{}{}
	}

	for l, left := range leftList {
		normalized := NormalizeName(left)
		for r, right := range rightList {
			if _, ok := matchedRight[r]; ok {
				continue
			}
			if normalized != "" && normalized == NormalizeName(right) {
				emit(l, r, 1)
				break
			}
		}
	}

	for l, left := range leftList {
		if _, ok := matchedLeft[l]; ok {
			continue
		}
		normalized := NormalizeName(left)
		if normalized == "" {
			continue
		}

		mostSimilar := -1
		mostSimilarity := 0.0
		for r, right := range rightList {
			if _, ok := matchedRight[r]; ok {
				continue
			}
			similarity := matchr.JaroWinkler(normalized, NormalizeName(right), false)
			if similarity > mostSimilarity {
				mostSimilarity = similarity
				mostSimilar = r
			}
		}

		if mostSimilar >= 0 && mostSimilarity >= threshold {
			emit(l, mostSimilar, mostSimilarity)
		}
	}

	return result
}

// Overlaps reports whether at least one name in a can be linked to a name in b.
func Overlaps(a, b []string, threshold float64) bool {
	return len(LinkNames(a, b, threshold)) > 0
}
