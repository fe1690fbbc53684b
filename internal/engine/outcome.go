package engine

import (
	"fmt"
	"sort"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Status is a recipe's terminal outcome.
type Status string

const (
	StatusDone   Status = "done"
	StatusFailed Status = "failed"
)

// Result is one recipe's outcome after RunFull.
type Result struct {
	Status    Status
	Phase     string // the phase that failed; empty when Status is done
	Reason    string // failure reason; empty when Status is done
	AssetPath string // install dir (or check-reported path); empty on failure
}

// Outcome maps recipe key to Result for every recipe in the resolved
// graph.
type Outcome map[string]Result

// Failed reports whether any recipe in the outcome failed.
func (o Outcome) Failed() bool {
	for _, r := range o {
		if r.Status == StatusFailed {
			return true
		}
	}
	return false
}

// Keys returns the recipe keys in sorted order, for stable reporting.
func (o Outcome) Keys() []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// JSON renders the outcome as a JSON document keyed by recipe, built
// incrementally with sjson so keys stay in sorted order.
func (o Outcome) JSON() (string, error) {
	doc := "{}"
	var err error
	for _, key := range o.Keys() {
		r := o[key]
		if doc, err = sjson.Set(doc, escapeKey(key)+".status", string(r.Status)); err != nil {
			return "", err
		}
		if r.Status == StatusFailed {
			if doc, err = sjson.Set(doc, escapeKey(key)+".phase", r.Phase); err != nil {
				return "", err
			}
			if doc, err = sjson.Set(doc, escapeKey(key)+".reason", r.Reason); err != nil {
				return "", err
			}
		} else if r.AssetPath != "" {
			if doc, err = sjson.Set(doc, escapeKey(key)+".asset_path", r.AssetPath); err != nil {
				return "", err
			}
		}
	}
	return doc, nil
}

// ParseOutcomeJSON reads a document produced by JSON back into an Outcome.
func ParseOutcomeJSON(doc string) (Outcome, error) {
	if !gjson.Valid(doc) {
		return nil, fmt.Errorf("engine: invalid outcome document")
	}
	out := Outcome{}
	gjson.Parse(doc).ForEach(func(key, value gjson.Result) bool {
		out[key.String()] = Result{
			Status:    Status(value.Get("status").String()),
			Phase:     value.Get("phase").String(),
			Reason:    value.Get("reason").String(),
			AssetPath: value.Get("asset_path").String(),
		}
		return true
	})
	return out, nil
}

// escapeKey protects the '.', '?' and '@' characters recipe keys contain
// (and the other sjson/gjson path metacharacters) from being interpreted as
// path separators, wildcards or modifiers by sjson/gjson.
func escapeKey(key string) string {
	out := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		switch key[i] {
		case '.', '*', '?', '@', '|', '#':
			out = append(out, '\\')
		}
		out = append(out, key[i])
	}
	return string(out)
}
