// Package jsonpatch reconciles two independently changed JSON documents
// (ours, theirs) against a shared base document into one merged document. It
// is the document-level counterpart to internal/merge3's tree-level merge: merge3
// decides which documents need reconciling, jsonpatch decides what the
// reconciled document contains.
//
// The merge walks base/ours/theirs together by value (not by replaying
// jsondiff deltas): objects reconcile property-by-property, arrays
// reconcile element-by-element keyed by an element's "_id"/"id" field,
// falling back to content equality (the IdOfSubtree setting jsondiff uses
// for array keying is not consulted here), and leaves
// that changed on both sides only fall back to jsondiff's per-property
// deltas to find a plain-text OT merge.
package jsonpatch

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/basalt-sync/gitdocdb/internal/jsondiff"
)

// Strategy names the conflict-resolution policy applied when both sides
// changed the same property to different values.
type Strategy string

const (
	// Ours takes the ours-side document wholesale, ignoring theirs.
	Ours Strategy = "ours"
	// Theirs takes the theirs-side document wholesale, ignoring ours.
	Theirs Strategy = "theirs"
	// OursDiff merges property-by-property, preferring ours on conflict.
	OursDiff Strategy = "ours-diff"
	// TheirsDiff merges property-by-property, preferring theirs on conflict.
	TheirsDiff Strategy = "theirs-diff"
)

// Merge reconciles ours and theirs (each already diffed from base) into a
// single document. oursDiff/theirsDiff (from jsondiff.Diff(base, ours/theirs))
// are consulted only to find plain-text property patches for an
// operational-transform merge on conflicting string leaves.
func Merge(base, ours, theirs json.RawMessage, oursDiff, theirsDiff map[string]interface{}, strategy Strategy) (json.RawMessage, error) {
	switch strategy {
	case Ours:
		return ours, nil
	case Theirs:
		return theirs, nil
	}

	var baseVal, oursVal, theirsVal interface{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &baseVal); err != nil {
			return nil, fmt.Errorf("unmarshal base: %w", err)
		}
	}
	if err := json.Unmarshal(ours, &oursVal); err != nil {
		return nil, fmt.Errorf("unmarshal ours: %w", err)
	}
	if err := json.Unmarshal(theirs, &theirsVal); err != nil {
		return nil, fmt.Errorf("unmarshal theirs: %w", err)
	}

	merged := mergeValue(baseVal, oursVal, theirsVal, oursDiff, theirsDiff, strategy)

	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("marshal merged document: %w", err)
	}
	return out, nil
}

// mergeValue reconciles one base/ours/theirs value triple. oursDiff/
// theirsDiff, when non-nil, are the jsondiff delta slots for this same
// value (used to recover a text OT patch on conflicting string leaves);
// they may be nil when recursing into a value jsondiff never separately
// keyed (e.g. array elements).
func mergeValue(base, ours, theirs interface{}, oursDiff, theirsDiff map[string]interface{}, strategy Strategy) interface{} {
	if jsonEqual(ours, theirs) {
		return ours
	}
	oursChanged := !jsonEqual(base, ours)
	theirsChanged := !jsonEqual(base, theirs)

	switch {
	case oursChanged && !theirsChanged:
		return ours
	case !oursChanged && theirsChanged:
		return theirs
	}

	// Both sides changed this value to something different: recurse
	// structurally when possible, otherwise it is a leaf-level conflict.
	baseMap, baseIsMap := base.(map[string]interface{})
	oursMap, oursIsMap := ours.(map[string]interface{})
	theirsMap, theirsIsMap := theirs.(map[string]interface{})
	if oursIsMap && theirsIsMap {
		if !baseIsMap {
			baseMap = nil
		}
		return mergeObjects(baseMap, oursMap, theirsMap, oursDiff, theirsDiff, strategy)
	}

	baseArr, baseIsArr := base.([]interface{})
	oursArr, oursIsArr := ours.([]interface{})
	theirsArr, theirsIsArr := theirs.([]interface{})
	if oursIsArr && theirsIsArr {
		if !baseIsArr {
			baseArr = nil
		}
		return mergeArrays(baseArr, oursArr, theirsArr, strategy)
	}

	if oursText, ok := asTextDiff(oursDiff); ok {
		if theirsText, ok2 := asTextDiff(theirsDiff); ok2 {
			baseText, _ := base.(string)
			if merged, err := mergeText(baseText, oursText, theirsText); err == nil {
				return merged
			}
		}
	}

	if strategy == TheirsDiff {
		return theirs
	}
	return ours
}

// mergeObjects walks every property touched on either side.
func mergeObjects(base, ours, theirs map[string]interface{}, oursDiff, theirsDiff map[string]interface{}, strategy Strategy) map[string]interface{} {
	names := map[string]bool{}
	for k := range base {
		names[k] = true
	}
	for k := range ours {
		names[k] = true
	}
	for k := range theirs {
		names[k] = true
	}

	result := map[string]interface{}{}
	for name := range names {
		bv, bok := base[name]
		ov, ook := ours[name]
		tv, tok := theirs[name]

		if !ook && !tok {
			continue
		}
		if !ook {
			if jsonEqual(bv, tv) && bok == tok {
				continue
			}
			result[name] = tv
			continue
		}
		if !tok {
			if jsonEqual(bv, ov) && bok == ook {
				continue
			}
			result[name] = ov
			continue
		}

		result[name] = mergeValue(bv, ov, tv, propertySlot(oursDiff, name), propertySlot(theirsDiff, name), strategy)
	}
	return result
}

func propertySlot(diff map[string]interface{}, name string) map[string]interface{} {
	if diff == nil {
		return nil
	}
	if s, ok := diff[name].(map[string]interface{}); ok {
		return s
	}
	// Leaf slots ([patch,0,2] etc.) are carried as a single-entry map
	// under a synthetic key so mergeValue's asTextDiff lookup still works
	// uniformly for both nested-object and leaf cases.
	if s, ok := diff[name].([]interface{}); ok {
		return map[string]interface{}{"": s}
	}
	return nil
}

// mergeArrays reconciles base/ours/theirs arrays by matching elements on
// content equality (or, for id-bearing objects, their "_id"/"id" field;
// jsondiff's array diff instead keys by its configured IdOfSubtree
// property), then merging each matched
// triple recursively. This rebuilds the result directly from the three
// full arrays rather than replaying positional diff ops, which sidesteps
// having to reconcile two independent move/insert delta sets.
func mergeArrays(base, ours, theirs []interface{}, strategy Strategy) []interface{} {
	baseByKey := indexByKey(base)
	oursByKey := indexByKey(ours)
	theirsByKey := indexByKey(theirs)

	seen := map[string]bool{}
	var result []interface{}

	appendMerged := func(key string) {
		if seen[key] {
			return
		}
		seen[key] = true

		bv, bok := baseByKey[key]
		ov, ook := oursByKey[key]
		tv, tok := theirsByKey[key]

		switch {
		case ook && tok:
			result = append(result, mergeValue(valOrNil(bv, bok), ov.v, tv.v, nil, nil, strategy))
		case ook && !tok:
			if bok && jsonEqual(bv.v, ov.v) {
				return // theirs deleted it, ours left it untouched: delete wins
			}
			result = append(result, ov.v)
		case !ook && tok:
			if bok && jsonEqual(bv.v, tv.v) {
				return // ours deleted it, theirs left it untouched: delete wins
			}
			result = append(result, tv.v)
		}
	}

	// Preserve theirs' ordering for elements it still has, then append any
	// ours-only insertions at the end — a simple, deterministic rule since
	// exact interleaving of concurrent array edits is otherwise unspecified
	// beyond "accept both" for non-conflicting inserts.
	for _, item := range theirs {
		appendMerged(itemKeyOf(item))
	}
	for _, item := range ours {
		appendMerged(itemKeyOf(item))
	}

	return result
}

type keyedValue struct{ v interface{} }

func indexByKey(arr []interface{}) map[string]keyedValue {
	out := make(map[string]keyedValue, len(arr))
	for _, item := range arr {
		out[itemKeyOf(item)] = keyedValue{v: item}
	}
	return out
}

func valOrNil(kv keyedValue, ok bool) interface{} {
	if !ok {
		return nil
	}
	return kv.v
}

// itemKeyOf keys an array element by its "_id"/"id" field when it is an
// object carrying one, else by its canonical JSON encoding.
func itemKeyOf(item interface{}) string {
	if m, ok := item.(map[string]interface{}); ok {
		if id, ok := m["_id"]; ok {
			return fmt.Sprintf("id:%v", id)
		}
		if id, ok := m["id"]; ok {
			return fmt.Sprintf("id:%v", id)
		}
	}
	b, err := json.Marshal(item)
	if err != nil {
		return fmt.Sprintf("%v", item)
	}
	return string(b)
}

func asTextDiff(slot map[string]interface{}) (string, bool) {
	arr, ok := slot[""].([]interface{})
	if !ok || len(arr) != 3 {
		return "", false
	}
	code, ok := arr[2].(float64)
	if !ok || int(code) != 2 {
		return "", false
	}
	patch, ok := arr[0].(string)
	return patch, ok
}

// mergeText applies both sides' patches to base in sequence, a best-effort
// operational-transform merge over diff-match-patch hunks.
func mergeText(base, oursPatch, theirsPatch string) (string, error) {
	afterOurs, err := applyTextPatch(base, oursPatch)
	if err != nil {
		return "", err
	}
	afterBoth, err := applyTextPatch(afterOurs, theirsPatch)
	if err != nil {
		return "", err
	}
	return afterBoth, nil
}

func applyTextPatch(oldText, patchText string) (string, error) {
	dmp := diffmatchpatch.New()
	patches, err := dmp.PatchFromText(patchText)
	if err != nil {
		return "", fmt.Errorf("parse text patch: %w", err)
	}
	newText, _ := dmp.PatchApply(patches, oldText)
	return newText, nil
}

func jsonEqual(a, b interface{}) bool {
	if a == nil && b == nil {
		return true
	}
	return reflect.DeepEqual(a, b)
}

// Diff is a re-export of jsondiff.Diff for callers that only import
// jsonpatch (keeps the merge + diff call sites together, e.g. in
// internal/merge3).
func Diff(a, b json.RawMessage, opts jsondiff.Options) (map[string]interface{}, error) {
	return jsondiff.Diff(a, b, opts)
}
