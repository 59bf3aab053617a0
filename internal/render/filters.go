package render

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/samestrin/promptforge/internal/perr"
)

// Filter is one entry of the filter catalog (spec.md §4.3): a pure,
// deterministic transform of a piped value given its evaluated arguments.
type Filter func(value interface{}, args []interface{}) (interface{}, error)

// filterCatalog is the exhaustive filter set named in spec.md §4.3, grouped
// text/data/table/code as documented there.
var filterCatalog = map[string]Filter{
	"word_count":      filterWordCount,
	"char_count":      filterCharCount,
	"remove_comments": filterRemoveComments,
	"normalize":       filterNormalize,
	"strip_markdown":  filterStripMarkdown,
	"wrap":            filterWrap,
	"indent":          filterIndent,
	"dedent":          filterDedent,
	"escape_special":  filterEscapeSpecial,

	"to_json":       filterToJSON,
	"from_json":     filterFromJSON,
	"sort_by":       filterSortBy,
	"group_by":      filterGroupBy,
	"filter_by":     filterFilterBy,
	"extract_field": filterExtractField,
	"unique":        filterUnique,
	"frequency":     filterFrequency,
	"aggregate":     filterAggregate,

	"table":          filterTable,
	"align_table":    filterAlignTable,
	"dict_to_table":  filterDictToTable,
	"list_to_table":  filterListToTable,
	"auto_table":     filterAutoTable,

	"format_code":    filterFormatCode,
	"strip_comments": filterRemoveComments,
}

func asString(v interface{}) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func filterErr(name, msg string) error { return &perr.FilterError{Filter: name, Message: msg} }

func filterWordCount(value interface{}, args []interface{}) (interface{}, error) {
	s, ok := asString(value)
	if !ok {
		return nil, filterErr("word_count", "input is not a string")
	}
	fields := strings.Fields(s)
	return len(fields), nil
}

func filterCharCount(value interface{}, args []interface{}) (interface{}, error) {
	s, ok := asString(value)
	if !ok {
		return nil, filterErr("char_count", "input is not a string")
	}
	return len([]rune(s)), nil
}

var (
	lineCommentPattern  = regexp.MustCompile(`(//|#).*`)
	blockCommentPattern = regexp.MustCompile(`(?s)/\*.*?\*/`)
)

func filterRemoveComments(value interface{}, args []interface{}) (interface{}, error) {
	s, ok := asString(value)
	if !ok {
		return nil, filterErr("remove_comments", "input is not a string")
	}
	s = blockCommentPattern.ReplaceAllString(s, "")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = lineCommentPattern.ReplaceAllString(line, "")
	}
	return strings.Join(lines, "\n"), nil
}

var whitespaceRunPattern = regexp.MustCompile(`\s+`)

func filterNormalize(value interface{}, args []interface{}) (interface{}, error) {
	s, ok := asString(value)
	if !ok {
		return nil, filterErr("normalize", "input is not a string")
	}
	return strings.TrimSpace(whitespaceRunPattern.ReplaceAllString(s, " ")), nil
}

var (
	markdownEmphasisPattern = regexp.MustCompile("[*_`]")
	markdownHeadingPattern  = regexp.MustCompile(`(?m)^#{1,6}\s*`)
	markdownBulletPattern   = regexp.MustCompile(`(?m)^\s*[-*+]\s+`)
	markdownLinkPattern     = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
)

func filterStripMarkdown(value interface{}, args []interface{}) (interface{}, error) {
	s, ok := asString(value)
	if !ok {
		return nil, filterErr("strip_markdown", "input is not a string")
	}
	if looksLikeHTML(s) {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(s)); err == nil {
			s = doc.Text()
		}
	}
	s = markdownLinkPattern.ReplaceAllString(s, "$1")
	s = markdownHeadingPattern.ReplaceAllString(s, "")
	s = markdownBulletPattern.ReplaceAllString(s, "")
	s = markdownEmphasisPattern.ReplaceAllString(s, "")
	return s, nil
}

func looksLikeHTML(s string) bool {
	trimmed := strings.TrimSpace(s)
	return strings.HasPrefix(trimmed, "<") && strings.Contains(trimmed, ">")
}

func filterWrap(value interface{}, args []interface{}) (interface{}, error) {
	s, ok := asString(value)
	if !ok {
		return nil, filterErr("wrap", "input is not a string")
	}
	width := 80
	if len(args) > 0 {
		w, err := toInt(args[0])
		if err != nil {
			return nil, filterErr("wrap", "width argument: "+err.Error())
		}
		width = w
	}
	if width <= 0 {
		return nil, filterErr("wrap", "width must be positive")
	}

	var out []string
	for _, line := range strings.Split(s, "\n") {
		out = append(out, wrapLine(line, width)...)
	}
	return strings.Join(out, "\n"), nil
}

func wrapLine(line string, width int) []string {
	words := strings.Fields(line)
	if len(words) == 0 {
		return []string{""}
	}
	var lines []string
	cur := words[0]
	for _, w := range words[1:] {
		if len(cur)+1+len(w) > width {
			lines = append(lines, cur)
			cur = w
		} else {
			cur += " " + w
		}
	}
	lines = append(lines, cur)
	return lines
}

func filterIndent(value interface{}, args []interface{}) (interface{}, error) {
	s, ok := asString(value)
	if !ok {
		return nil, filterErr("indent", "input is not a string")
	}
	n := 2
	if len(args) > 0 {
		v, err := toInt(args[0])
		if err != nil {
			return nil, filterErr("indent", "n argument: "+err.Error())
		}
		n = v
	}
	prefix := strings.Repeat(" ", n)
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if line == "" {
			continue
		}
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n"), nil
}

func filterDedent(value interface{}, args []interface{}) (interface{}, error) {
	s, ok := asString(value)
	if !ok {
		return nil, filterErr("dedent", "input is not a string")
	}
	lines := strings.Split(s, "\n")
	minIndent := -1
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		indent := len(line) - len(strings.TrimLeft(line, " \t"))
		if minIndent == -1 || indent < minIndent {
			minIndent = indent
		}
	}
	if minIndent <= 0 {
		return s, nil
	}
	for i, line := range lines {
		if len(line) >= minIndent {
			lines[i] = line[minIndent:]
		} else {
			lines[i] = strings.TrimLeft(line, " \t")
		}
	}
	return strings.Join(lines, "\n"), nil
}

func filterEscapeSpecial(value interface{}, args []interface{}) (interface{}, error) {
	s, ok := asString(value)
	if !ok {
		return nil, filterErr("escape_special", "input is not a string")
	}
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\t':
			b.WriteString(`\t`)
		case '\r':
			b.WriteString(`\r`)
		default:
			if r < 0x20 {
				b.WriteString(fmt.Sprintf(`\x%02x`, r))
			} else {
				b.WriteRune(r)
			}
		}
	}
	return b.String(), nil
}

func filterToJSON(value interface{}, args []interface{}) (interface{}, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return nil, filterErr("to_json", err.Error())
	}
	return string(b), nil
}

func filterFromJSON(value interface{}, args []interface{}) (interface{}, error) {
	s, ok := asString(value)
	if !ok {
		return nil, filterErr("from_json", "input is not a string")
	}
	var out interface{}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, filterErr("from_json", err.Error())
	}
	return out, nil
}

func asSlice(value interface{}) ([]interface{}, bool) {
	v, ok := value.([]interface{})
	return v, ok
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	m, ok := v.(map[string]interface{})
	return m, ok
}

func filterSortBy(value interface{}, args []interface{}) (interface{}, error) {
	items, ok := asSlice(value)
	if !ok {
		return nil, filterErr("sort_by", "input is not a sequence")
	}
	if len(args) < 1 {
		return nil, filterErr("sort_by", "missing key argument")
	}
	key, ok := asString(args[0])
	if !ok {
		return nil, filterErr("sort_by", "key argument is not a string")
	}
	out := append([]interface{}{}, items...)
	sort.SliceStable(out, func(i, j int) bool {
		return fmt.Sprint(fieldOf(out[i], key)) < fmt.Sprint(fieldOf(out[j], key))
	})
	return out, nil
}

func fieldOf(item interface{}, key string) interface{} {
	if m, ok := asMap(item); ok {
		return m[key]
	}
	return nil
}

func filterGroupBy(value interface{}, args []interface{}) (interface{}, error) {
	items, ok := asSlice(value)
	if !ok {
		return nil, filterErr("group_by", "input is not a sequence")
	}
	if len(args) < 1 {
		return nil, filterErr("group_by", "missing key argument")
	}
	key, ok := asString(args[0])
	if !ok {
		return nil, filterErr("group_by", "key argument is not a string")
	}
	groups := map[string]interface{}{}
	order := []string{}
	for _, item := range items {
		k := fmt.Sprint(fieldOf(item, key))
		if _, seen := groups[k]; !seen {
			order = append(order, k)
			groups[k] = []interface{}{}
		}
		groups[k] = append(groups[k].([]interface{}), item)
	}
	out := make(map[string]interface{}, len(groups))
	for _, k := range order {
		out[k] = groups[k]
	}
	return out, nil
}

func filterFilterBy(value interface{}, args []interface{}) (interface{}, error) {
	items, ok := asSlice(value)
	if !ok {
		return nil, filterErr("filter_by", "input is not a sequence")
	}
	if len(args) < 2 {
		return nil, filterErr("filter_by", "requires key and value arguments")
	}
	key, ok := asString(args[0])
	if !ok {
		return nil, filterErr("filter_by", "key argument is not a string")
	}
	want := args[1]
	var out []interface{}
	for _, item := range items {
		if fmt.Sprint(fieldOf(item, key)) == fmt.Sprint(want) {
			out = append(out, item)
		}
	}
	return out, nil
}

func filterExtractField(value interface{}, args []interface{}) (interface{}, error) {
	items, ok := asSlice(value)
	if !ok {
		return nil, filterErr("extract_field", "input is not a sequence")
	}
	if len(args) < 1 {
		return nil, filterErr("extract_field", "missing key argument")
	}
	key, ok := asString(args[0])
	if !ok {
		return nil, filterErr("extract_field", "key argument is not a string")
	}
	out := make([]interface{}, 0, len(items))
	for _, item := range items {
		out = append(out, fieldOf(item, key))
	}
	return out, nil
}

func filterUnique(value interface{}, args []interface{}) (interface{}, error) {
	items, ok := asSlice(value)
	if !ok {
		return nil, filterErr("unique", "input is not a sequence")
	}
	seen := map[string]bool{}
	var out []interface{}
	for _, item := range items {
		k := fmt.Sprint(item)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, item)
	}
	return out, nil
}

func filterFrequency(value interface{}, args []interface{}) (interface{}, error) {
	items, ok := asSlice(value)
	if !ok {
		return nil, filterErr("frequency", "input is not a sequence")
	}
	counts := map[string]int{}
	order := []string{}
	for _, item := range items {
		k := fmt.Sprint(item)
		if _, seen := counts[k]; !seen {
			order = append(order, k)
		}
		counts[k]++
	}
	out := make(map[string]interface{}, len(counts))
	for _, k := range order {
		out[k] = counts[k]
	}
	return out, nil
}

func filterAggregate(value interface{}, args []interface{}) (interface{}, error) {
	items, ok := asSlice(value)
	if !ok {
		return nil, filterErr("aggregate", "input is not a sequence")
	}
	if len(items) == 0 {
		return map[string]interface{}{"count": 0, "sum": 0.0, "avg": 0.0, "min": 0.0, "max": 0.0}, nil
	}
	sum, min, max := 0.0, 0.0, 0.0
	for i, item := range items {
		f, err := toFloat(item)
		if err != nil {
			return nil, filterErr("aggregate", fmt.Sprintf("item %d is not numeric", i))
		}
		sum += f
		if i == 0 || f < min {
			min = f
		}
		if i == 0 || f > max {
			max = f
		}
	}
	return map[string]interface{}{
		"count": len(items),
		"sum":   sum,
		"avg":   sum / float64(len(items)),
		"min":   min,
		"max":   max,
	}, nil
}

func filterTable(value interface{}, args []interface{}) (interface{}, error) {
	return filterAutoTable(value, args)
}

func filterAlignTable(value interface{}, args []interface{}) (interface{}, error) {
	rows, header, err := tableRows(value)
	if err != nil {
		return nil, filterErr("align_table", err.Error())
	}
	return renderAlignedTable(header, rows), nil
}

func filterDictToTable(value interface{}, args []interface{}) (interface{}, error) {
	m, ok := asMap(value)
	if !ok {
		return nil, filterErr("dict_to_table", "input is not a mapping")
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, []string{k, fmt.Sprint(m[k])})
	}
	return renderAlignedTable([]string{"key", "value"}, rows), nil
}

func filterListToTable(value interface{}, args []interface{}) (interface{}, error) {
	items, ok := asSlice(value)
	if !ok {
		return nil, filterErr("list_to_table", "input is not a sequence")
	}
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		rows = append(rows, []string{fmt.Sprint(item)})
	}
	return renderAlignedTable([]string{"value"}, rows), nil
}

func filterAutoTable(value interface{}, args []interface{}) (interface{}, error) {
	if m, ok := asMap(value); ok {
		return filterDictToTable(m, args)
	}
	if items, ok := asSlice(value); ok {
		if len(items) > 0 {
			if _, ok := asMap(items[0]); ok {
				rows, header, err := tableRows(value)
				if err != nil {
					return nil, filterErr("auto_table", err.Error())
				}
				return renderAlignedTable(header, rows), nil
			}
		}
		return filterListToTable(items, args)
	}
	return nil, filterErr("auto_table", "unsupported input type for table dispatch")
}

func tableRows(value interface{}) ([][]string, []string, error) {
	items, ok := asSlice(value)
	if !ok {
		return nil, nil, fmt.Errorf("input is not a sequence of rows")
	}
	var header []string
	seen := map[string]bool{}
	for _, item := range items {
		m, ok := asMap(item)
		if !ok {
			return nil, nil, fmt.Errorf("row is not a mapping")
		}
		for k := range m {
			if !seen[k] {
				seen[k] = true
				header = append(header, k)
			}
		}
	}
	sort.Strings(header)

	rows := make([][]string, 0, len(items))
	for _, item := range items {
		m, _ := asMap(item)
		row := make([]string, len(header))
		for i, col := range header {
			row[i] = fmt.Sprint(m[col])
		}
		rows = append(rows, row)
	}
	return rows, header, nil
}

func renderAlignedTable(header []string, rows [][]string) string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	var b strings.Builder
	writeRow := func(cells []string) {
		for i, w := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			b.WriteString("| ")
			b.WriteString(cell)
			b.WriteString(strings.Repeat(" ", w-len(cell)))
			b.WriteString(" ")
		}
		b.WriteString("|\n")
	}
	writeRow(header)
	for i, w := range widths {
		b.WriteString("|")
		b.WriteString(strings.Repeat("-", w+2))
		if i == len(widths)-1 {
			b.WriteString("|")
		}
	}
	b.WriteString("\n")
	for _, row := range rows {
		writeRow(row)
	}
	return b.String()
}

var blockCommentOrLineCommentPattern = regexp.MustCompile(`(?s)/\*.*?\*/|//[^\n]*|#[^\n]*`)

func filterFormatCode(value interface{}, args []interface{}) (interface{}, error) {
	s, ok := asString(value)
	if !ok {
		return nil, filterErr("format_code", "input is not a string")
	}
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.Join(lines, "\n") + "\n", nil
}

func toInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		return strconv.Atoi(n)
	default:
		return 0, fmt.Errorf("not a number: %v", v)
	}
}

func toFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(n, 64)
	default:
		return 0, fmt.Errorf("not a number: %v", v)
	}
}
