// Package out writes command envelopes as indented JSON or as plain text
// tables for terminals.
package out

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/ggonzalez94/drain-cli/internal/config"
	"github.com/ggonzalez94/drain-cli/internal/model"
)

func Render(w io.Writer, env model.Envelope, settings config.Settings) error {
	data := env.Data
	if len(settings.SelectFields) > 0 {
		data = project(data, settings.SelectFields)
	}

	if settings.OutputMode == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if settings.ResultsOnly {
			return enc.Encode(data)
		}
		env.Data = data
		return enc.Encode(env)
	}

	p := &plainWriter{w: w, preferred: settings.SelectFields}
	if !settings.ResultsOnly {
		p.header(env)
		if !env.Success {
			return p.err
		}
	}
	p.value(normalizeValue(data))
	return p.err
}

type plainWriter struct {
	w         io.Writer
	preferred []string
	err       error
}

func (p *plainWriter) printf(format string, args ...any) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintf(p.w, format, args...)
}

func (p *plainWriter) header(env model.Envelope) {
	status := "ok"
	if !env.Success {
		status = "error"
	}
	p.printf("%s: %s\n", env.Meta.Command, status)
	if env.Error != nil {
		p.printf("error: %s (%d): %s\n", env.Error.Type, env.Error.Code, env.Error.Message)
	}
	for _, warning := range env.Warnings {
		p.printf("warning: %s\n", warning)
	}
	if c := env.Meta.Cache; c.Status == "hit" {
		p.printf("cache: hit age=%dms stale=%t\n", c.AgeMS, c.Stale)
	}
}

func (p *plainWriter) value(v any) {
	switch t := v.(type) {
	case []any:
		p.table("", t)
	case map[string]any:
		p.record(t)
	default:
		p.printf("%s\n", scalar(t))
	}
}

// record prints scalar fields as aligned "key: value" lines followed by one
// section per nested list or object.
func (p *plainWriter) record(m map[string]any) {
	var nested []string
	var buf bytes.Buffer
	tw := tabwriter.NewWriter(&buf, 0, 2, 2, ' ', 0)
	for _, k := range orderKeys(keysOf(m), p.preferred) {
		switch m[k].(type) {
		case []any, map[string]any:
			nested = append(nested, k)
			continue
		}
		fmt.Fprintf(tw, "%s:\t%s\n", k, scalar(m[k]))
	}
	_ = tw.Flush()
	p.printf("%s", buf.String())

	for _, k := range nested {
		p.printf("%s:\n", k)
		switch t := m[k].(type) {
		case []any:
			p.table("  ", t)
		case map[string]any:
			flat := map[string]any{}
			flatten("", t, flat)
			for _, fk := range keysOf(flat) {
				p.printf("  %s: %s\n", fk, scalar(flat[fk]))
			}
		}
	}
}

// table prints a list of objects with one column per flattened key. Lists
// of scalars print one value per line.
func (p *plainWriter) table(indent string, rows []any) {
	if len(rows) == 0 {
		p.printf("%s(none)\n", indent)
		return
	}
	flatRows := make([]map[string]any, 0, len(rows))
	seen := map[string]struct{}{}
	for _, row := range rows {
		m, ok := row.(map[string]any)
		if !ok {
			p.printf("%s%s\n", indent, scalar(row))
			continue
		}
		flat := map[string]any{}
		flatten("", m, flat)
		for k := range flat {
			seen[k] = struct{}{}
		}
		flatRows = append(flatRows, flat)
	}
	if len(flatRows) == 0 {
		return
	}
	columns := make([]string, 0, len(seen))
	for k := range seen {
		columns = append(columns, k)
	}
	sort.Strings(columns)
	columns = orderKeys(columns, p.preferred)

	var buf bytes.Buffer
	tw := tabwriter.NewWriter(&buf, 0, 2, 2, ' ', 0)
	heads := make([]string, len(columns))
	for i, c := range columns {
		heads[i] = strings.ToUpper(c)
	}
	fmt.Fprintf(tw, "%s%s\n", indent, strings.Join(heads, "\t"))
	for _, row := range flatRows {
		cells := make([]string, len(columns))
		for i, c := range columns {
			cells[i] = scalar(row[c])
		}
		fmt.Fprintf(tw, "%s%s\n", indent, strings.Join(cells, "\t"))
	}
	_ = tw.Flush()
	p.printf("%s", buf.String())
}

// project keeps only the selected fields. A dotted field selects inside a
// nested object or list of objects, so "entries.tx_hash" keeps just the
// hash of every entry.
func project(data any, fields []string) any {
	switch t := normalizeValue(data).(type) {
	case []any:
		out := make([]any, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				out = append(out, projectMap(m, fields))
			}
		}
		return out
	case map[string]any:
		return projectMap(t, fields)
	default:
		return t
	}
}

func projectMap(m map[string]any, fields []string) map[string]any {
	whole := map[string]bool{}
	sub := map[string][]string{}
	for _, f := range fields {
		head, rest, nested := strings.Cut(f, ".")
		if !nested {
			whole[head] = true
			continue
		}
		sub[head] = append(sub[head], rest)
	}
	out := make(map[string]any, len(whole)+len(sub))
	for head := range whole {
		if v, ok := m[head]; ok {
			out[head] = v
		}
	}
	for head, rests := range sub {
		if whole[head] {
			continue
		}
		if v, ok := m[head]; ok {
			out[head] = project(v, rests)
		}
	}
	return out
}

// normalizeValue round-trips v through JSON so renderers only see maps,
// slices and scalars. Numbers stay exact.
func normalizeValue(v any) any {
	buf, err := json.Marshal(v)
	if err != nil {
		return v
	}
	dec := json.NewDecoder(bytes.NewReader(buf))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return v
	}
	return out
}

func flatten(prefix string, m map[string]any, dst map[string]any) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok && len(nested) > 0 {
			flatten(key, nested, dst)
			continue
		}
		dst[key] = v
	}
}

func scalar(v any) string {
	switch t := v.(type) {
	case nil:
		return "-"
	case string:
		if t == "" {
			return "-"
		}
		return t
	case json.Number:
		return t.String()
	case bool:
		return fmt.Sprintf("%t", t)
	default:
		buf, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(buf)
	}
}

func keysOf(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// orderKeys moves preferred keys to the front in the order given and keeps
// the rest in their existing order.
func orderKeys(keys, preferred []string) []string {
	if len(preferred) == 0 {
		return keys
	}
	present := make(map[string]bool, len(keys))
	for _, k := range keys {
		present[k] = true
	}
	out := make([]string, 0, len(keys))
	used := map[string]bool{}
	for _, k := range preferred {
		if present[k] && !used[k] {
			out = append(out, k)
			used[k] = true
		}
	}
	for _, k := range keys {
		if !used[k] {
			out = append(out, k)
		}
	}
	return out
}
