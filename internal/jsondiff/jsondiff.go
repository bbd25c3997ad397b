// Package jsondiff computes a structural delta between two JSON documents.
// The delta format follows the
// jsondiffpatch convention the wider diff-merge ecosystem already uses,
// since internal/jsonpatch (the three-way merge half) and this package are
// the only two consumers of the format:
//
//	[new]            property inserted
//	[old, new]       property changed
//	[old, 0, 0]      property deleted
//	[patch, 0, 2]    changed plain-text property, patch is a unified-diff
//	                 patch-text (diff-match-patch format) instead of a
//	                 literal new value
//	{"_t":"a", ...}  array delta: numeric keys are insert/update slots,
//	                 "_<oldIndex>" keys are removal/move slots
//
// Nested objects recurse into a map[string]interface{} keyed by property
// name; a nil delta means the two documents are equal.
package jsondiff

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Options configures array keying and which string properties use
// operational-transform text diffing instead of literal replacement.
type Options struct {
	// IdOfSubtree maps an array-valued property name to the name of the
	// id property its elements are keyed by, for stable array diffing
	// across insertions/deletions/reorders.
	IdOfSubtree map[string]string

	// PlainTextProperties marks string properties whose diffs should be
	// unified-diff patch text rather than [old,new] replacement.
	PlainTextProperties map[string]bool
}

// textDiffOp is the jsondiffpatch-style op code for a text (OT) diff.
const textDiffOp = 2

// Diff computes the delta turning a into b. Returns nil if they are
// logically equal.
func Diff(a, b json.RawMessage, opts Options) (map[string]interface{}, error) {
	var av, bv interface{}
	if len(a) > 0 {
		if err := json.Unmarshal(a, &av); err != nil {
			return nil, fmt.Errorf("unmarshal base: %w", err)
		}
	}
	if len(b) > 0 {
		if err := json.Unmarshal(b, &bv); err != nil {
			return nil, fmt.Errorf("unmarshal other: %w", err)
		}
	}

	amap, aok := av.(map[string]interface{})
	bmap, bok := bv.(map[string]interface{})
	if !aok || !bok {
		// Not both objects: the whole document is a single replaced value.
		if reflect.DeepEqual(av, bv) {
			return nil, nil
		}
		return map[string]interface{}{"": diffValue(av, bv, "", opts)}, nil
	}

	return diffObjects(amap, bmap, opts), nil
}

// diffObjects computes a property-by-property delta, recursing into
// nested objects and dispatching arrays to diffArray.
func diffObjects(a, b map[string]interface{}, opts Options) map[string]interface{} {
	result := map[string]interface{}{}

	names := map[string]bool{}
	for k := range a {
		names[k] = true
	}
	for k := range b {
		names[k] = true
	}

	for name := range names {
		av, aok := a[name]
		bv, bok := b[name]

		switch {
		case !aok && bok:
			result[name] = []interface{}{bv}
		case aok && !bok:
			result[name] = []interface{}{av, float64(0), float64(0)}
		default:
			if d := diffValue(av, bv, name, opts); d != nil {
				result[name] = d
			}
		}
	}

	if len(result) == 0 {
		return nil
	}
	return result
}

// diffValue diffs a single property's old/new value, given its property
// name (used to look up IdOfSubtree / PlainTextProperties config).
func diffValue(av, bv interface{}, name string, opts Options) interface{} {
	if reflect.DeepEqual(av, bv) {
		return nil
	}

	if amap, aok := av.(map[string]interface{}); aok {
		if bmap, bok := bv.(map[string]interface{}); bok {
			if nested := diffObjects(amap, bmap, opts); nested != nil {
				return nested
			}
			return nil
		}
	}

	if aarr, aok := av.([]interface{}); aok {
		if barr, bok := bv.([]interface{}); bok {
			idProp := opts.IdOfSubtree[name]
			if d := diffArray(aarr, barr, idProp, opts); d != nil {
				return d
			}
			return nil
		}
	}

	if opts.PlainTextProperties[name] {
		atext, aok := av.(string)
		btext, bok := bv.(string)
		if aok && bok {
			return []interface{}{makeTextPatch(atext, btext), float64(0), float64(textDiffOp)}
		}
	}

	return []interface{}{av, bv}
}

// makeTextPatch produces a unified-diff patch (diff-match-patch format)
// turning oldText into newText.
func makeTextPatch(oldText, newText string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(oldText, newText, false)
	patches := dmp.PatchMake(oldText, diffs)
	return dmp.PatchToText(patches)
}

// itemKey returns a stable matching key for an array element: its
// idProperty value when idProp is set and the element is an object, else
// its canonical JSON encoding (so identical primitives/objects match).
func itemKey(item interface{}, idProp string) string {
	if idProp != "" {
		if m, ok := item.(map[string]interface{}); ok {
			if id, ok := m[idProp]; ok {
				return fmt.Sprintf("%v", id)
			}
		}
	}
	b, err := json.Marshal(item)
	if err != nil {
		return fmt.Sprintf("%v", item)
	}
	return string(b)
}

// diffArray computes an LCS-based array delta: items matched by key that
// also appear in relative order in both arrays are left alone (or
// recursively diffed if their content changed); everything else is an
// insert, a removal, or a move.
func diffArray(a, b []interface{}, idProp string, opts Options) map[string]interface{} {
	aKeys := make([]string, len(a))
	for i, v := range a {
		aKeys[i] = itemKey(v, idProp)
	}
	bKeys := make([]string, len(b))
	for i, v := range b {
		bKeys[i] = itemKey(v, idProp)
	}

	lcs := longestCommonSubsequence(aKeys, bKeys)
	inLCSFromA := make(map[int]bool, len(lcs))
	inLCSFromB := make(map[int]bool, len(lcs))
	for _, pair := range lcs {
		inLCSFromA[pair[0]] = true
		inLCSFromB[pair[1]] = true
	}

	bIndexByKey := map[string][]int{}
	for i, k := range bKeys {
		bIndexByKey[k] = append(bIndexByKey[k], i)
	}
	consumed := map[string]int{}

	result := map[string]interface{}{}

	for ai, key := range aKeys {
		candidates := bIndexByKey[key]
		used := consumed[key]
		if used >= len(candidates) {
			// No matching element in b: removed.
			result["_"+strconv.Itoa(ai)] = []interface{}{a[ai], float64(0), float64(0)}
			continue
		}
		bi := candidates[used]
		consumed[key] = used + 1

		if inLCSFromA[ai] && inLCSFromB[bi] {
			// Stable position: recurse for content-only changes.
			if d := diffValue(a[ai], b[bi], "", opts); d != nil {
				result[strconv.Itoa(bi)] = d
			}
			continue
		}

		// Same key, different relative order: moved, possibly also changed.
		if reflect.DeepEqual(a[ai], b[bi]) {
			result["_"+strconv.Itoa(ai)] = []interface{}{"", bi, 3}
		} else {
			result["_"+strconv.Itoa(ai)] = []interface{}{"", bi, 3}
			if d := diffValue(a[ai], b[bi], "", opts); d != nil {
				result[strconv.Itoa(bi)] = d
			}
		}
	}

	for bi, key := range bKeys {
		if _, found := findAIndexFor(aKeys, key, bi, bIndexByKey, consumed); found {
			continue
		}
		if !containedBefore(aKeys, key) {
			result[strconv.Itoa(bi)] = []interface{}{b[bi]}
		}
	}

	if len(result) == 0 {
		return nil
	}
	result["_t"] = "a"
	return result
}

// findAIndexFor reports whether b's element at bi was already matched to
// some a-element (i.e. is not a pure insertion).
func findAIndexFor(aKeys []string, key string, bi int, bIndexByKey map[string][]int, consumed map[string]int) (int, bool) {
	candidates := bIndexByKey[key]
	matchedSlots := consumed[key]
	for i, c := range candidates {
		if c == bi && i < matchedSlots {
			return i, true
		}
	}
	return 0, false
}

func containedBefore(aKeys []string, key string) bool {
	for _, k := range aKeys {
		if k == key {
			return true
		}
	}
	return false
}

// longestCommonSubsequence returns index pairs (i,j) of a stable matching
// between a and b, preserving relative order — the classic LCS DP.
func longestCommonSubsequence(a, b []string) [][2]int {
	n, m := len(a), len(b)
	dp := make([][]int, n+1)
	for i := range dp {
		dp[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if a[i] == b[j] {
				dp[i][j] = dp[i+1][j+1] + 1
			} else if dp[i+1][j] >= dp[i][j+1] {
				dp[i][j] = dp[i+1][j]
			} else {
				dp[i][j] = dp[i][j+1]
			}
		}
	}

	var pairs [][2]int
	i, j := 0, 0
	for i < n && j < m {
		if a[i] == b[j] {
			pairs = append(pairs, [2]int{i, j})
			i++
			j++
		} else if dp[i+1][j] >= dp[i][j+1] {
			i++
		} else {
			j++
		}
	}
	return pairs
}

// SortedKeys returns a deterministically ordered list of delta property
// names, used by callers that need stable iteration (e.g. tests).
func SortedKeys(delta map[string]interface{}) []string {
	keys := make([]string, 0, len(delta))
	for k := range delta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
