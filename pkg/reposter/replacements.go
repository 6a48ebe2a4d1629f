// Copyright 2024-2026 Aiku AI

package reposter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
)

// Replacement is one find/replace rule.
type Replacement struct {
	Find    string
	Replace string
}

// Replacements is an ordered replacement table. Rules apply in insertion
// order; the JSON form is an object whose key order is that order.
type Replacements []Replacement

// patternCache holds compiled find patterns keyed by source text.
var patternCache sync.Map

func compileFind(find string) *regexp.Regexp {
	if cached, ok := patternCache.Load(find); ok {
		return cached.(*regexp.Regexp)
	}
	re, err := regexp.Compile(find)
	if err != nil {
		// Not a valid expression; match it literally.
		re = regexp.MustCompile(regexp.QuoteMeta(find))
	}
	patternCache.Store(find, re)
	return re
}

// Apply runs every rule over text, in order. Each find pattern replaces all
// of its matches; replacement text is inserted literally.
func (r Replacements) Apply(text string) string {
	if text == "" {
		return text
	}
	for _, rule := range r {
		if rule.Find == "" {
			continue
		}
		text = compileFind(rule.Find).ReplaceAllLiteralString(text, rule.Replace)
	}
	return text
}

// ApplyEmbed returns a copy of e with the textual fields passed through the
// table.
func (r Replacements) ApplyEmbed(e *Embed) *Embed {
	if e == nil {
		return nil
	}
	out := *e
	out.AuthorName = r.Apply(e.AuthorName)
	out.Description = r.Apply(e.Description)
	out.FooterText = r.Apply(e.FooterText)
	out.Title = r.Apply(e.Title)
	if len(e.Fields) > 0 {
		out.Fields = make([]EmbedField, len(e.Fields))
		copy(out.Fields, e.Fields)
	}
	return &out
}

// Lookup returns the replacement registered for find.
func (r Replacements) Lookup(find string) (string, bool) {
	for _, rule := range r {
		if rule.Find == find {
			return rule.Replace, true
		}
	}
	return "", false
}

// Set upserts a rule. An existing rule keeps its position.
func (r Replacements) Set(find, replace string) Replacements {
	for i, rule := range r {
		if rule.Find == find {
			out := r.clone()
			out[i].Replace = replace
			return out
		}
	}
	return append(r.clone(), Replacement{Find: find, Replace: replace})
}

// Delete removes the rule for find.
func (r Replacements) Delete(find string) (Replacements, bool) {
	for i, rule := range r {
		if rule.Find == find {
			out := make(Replacements, 0, len(r)-1)
			out = append(out, r[:i]...)
			out = append(out, r[i+1:]...)
			return out, true
		}
	}
	return r, false
}

func (r Replacements) clone() Replacements {
	out := make(Replacements, len(r))
	copy(out, r)
	return out
}

func (r Replacements) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, rule := range r {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(rule.Find)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(rule.Replace)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (r *Replacements) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*r = nil
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("replacements: expected object, got %v", tok)
	}
	var out Replacements
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("replacements: expected string key, got %v", keyTok)
		}
		var value string
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("replacements: value for %q: %w", key, err)
		}
		out = out.Set(key, value)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*r = out
	return nil
}
