// Package toon implements TOON (Token-Oriented Object Notation) encoding.
package toon

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/phobologic/routetrace/internal/model"
	"github.com/phobologic/routetrace/internal/routes"
)

var (
	needsQuoting = regexp.MustCompile(`[,:"\\{}\[\]]`)
	looksNumeric = regexp.MustCompile(`^-?(?:0|[1-9]\d*)(?:\.\d+)?$`)
	keywords     = map[string]struct{}{
		"true":  {},
		"false": {},
		"null":  {},
	}
)

// Map is the printable form of a route index.
type Map struct {
	Root      string
	Framework string
	Routes    []*model.Route
	// Ranks scores routes by pattern; routes absent from it print 0.
	Ranks map[string]float64
	Calls []model.CallEdge
	// Locations maps a callee pattern to its source location for the calls
	// table.
	Locations map[string]string
}

// NewMap assembles a Map from an index. Routes keep registration order.
func NewMap(ix *routes.Index, calls []model.CallEdge, ranks map[string]float64) Map {
	locs := make(map[string]string)
	for _, r := range ix.Routes() {
		if _, ok := locs[r.Pattern]; !ok {
			locs[r.Pattern] = r.LocationString()
		}
	}
	return Map{
		Root:      ix.Root,
		Framework: ix.Framework,
		Routes:    ix.Routes(),
		Ranks:     ranks,
		Calls:     calls,
		Locations: locs,
	}
}

// Encode converts a Map into TOON format.
func Encode(m Map) string {
	var parts []string

	parts = append(parts, fmt.Sprintf("root: %s", encodeValue(m.Root)))
	parts = append(parts, fmt.Sprintf("framework: %s", encodeValue(m.Framework)))

	var routeRows [][]string
	for _, r := range m.Routes {
		tpl := ""
		if r.TemplateAt != nil {
			tpl = r.TemplateAt.String()
		}
		routeRows = append(routeRows, []string{
			r.Pattern,
			r.Methods.String(),
			r.Handler,
			r.Group,
			r.LocationString(),
			tpl,
			fmt.Sprintf("%.4f", m.Ranks[r.Pattern]),
		})
	}
	parts = append(parts, formatTabular("routes",
		[]string{"pattern", "methods", "handler", "group", "location", "template", "rank"}, routeRows))

	var callRows [][]string
	for i := range m.Calls {
		ce := &m.Calls[i]
		callRows = append(callRows, []string{ce.Caller, ce.URL, ce.Callee, m.Locations[ce.Callee]})
	}
	parts = append(parts, formatTabular("calls", []string{"caller", "url", "callee", "location"}, callRows))

	return strings.Join(parts, "\n")
}

func formatTabular(name string, columns []string, rows [][]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s[%d]{%s}:", name, len(rows), strings.Join(columns, ","))
	for _, row := range rows {
		encoded := make([]string, len(row))
		for i, cell := range row {
			encoded[i] = encodeValue(cell)
		}
		fmt.Fprintf(&b, "\n  %s", strings.Join(encoded, ","))
	}
	return b.String()
}

func encodeValue(value string) string {
	if value == "" {
		return `""`
	}

	if value != strings.TrimSpace(value) {
		return quote(value)
	}

	if strings.ContainsAny(value, "\n\r\t") {
		return quote(value)
	}

	if _, ok := keywords[strings.ToLower(value)]; ok {
		return quote(value)
	}

	if looksNumeric.MatchString(value) {
		return value
	}

	if needsQuoting.MatchString(value) {
		return quote(value)
	}

	if strings.HasPrefix(value, "-") {
		return quote(value)
	}

	return value
}

func quote(value string) string {
	escaped := strings.ReplaceAll(value, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	escaped = strings.ReplaceAll(escaped, "\n", `\n`)
	escaped = strings.ReplaceAll(escaped, "\r", `\r`)
	escaped = strings.ReplaceAll(escaped, "\t", `\t`)
	return `"` + escaped + `"`
}
