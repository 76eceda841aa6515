package tools

import (
	"sort"
	"strings"

	"github.com/tidwall/gjson"
)

// EndpointHit is one scored match from the deployed OpenAPI document.
type EndpointHit struct {
	Method      string `json:"method"`
	Path        string `json:"path"`
	Summary     string `json:"summary,omitempty"`
	OperationID string `json:"operation_id,omitempty"`
	Score       int    `json:"score"`
}

var httpMethods = map[string]bool{
	"get": true, "post": true, "put": true, "patch": true, "delete": true, "head": true, "options": true,
}

// searchAPISchema scores every operation in the OpenAPI document against the
// query terms and returns the best matches. Scoring favors path segments,
// then summary and operation id, then description and tags.
func searchAPISchema(schemaJSON, query string, limit int) []EndpointHit {
	terms := queryTerms(query)
	if len(terms) == 0 {
		return nil
	}

	var hits []EndpointHit
	gjson.Get(schemaJSON, "paths").ForEach(func(path, operations gjson.Result) bool {
		operations.ForEach(func(method, op gjson.Result) bool {
			m := strings.ToLower(method.String())
			if !httpMethods[m] {
				return true
			}
			hit := EndpointHit{
				Method:      strings.ToUpper(m),
				Path:        path.String(),
				Summary:     op.Get("summary").String(),
				OperationID: op.Get("operationId").String(),
			}
			lowerPath := strings.ToLower(hit.Path)
			lowerSummary := strings.ToLower(hit.Summary)
			lowerOpID := strings.ToLower(hit.OperationID)
			lowerDesc := strings.ToLower(op.Get("description").String())
			lowerTags := strings.ToLower(op.Get("tags").Raw)
			for _, term := range terms {
				if strings.Contains(lowerPath, term) {
					hit.Score += 3
				}
				if strings.Contains(lowerSummary, term) || strings.Contains(lowerOpID, term) {
					hit.Score += 2
				}
				if strings.Contains(lowerDesc, term) || strings.Contains(lowerTags, term) {
					hit.Score++
				}
			}
			if hit.Score > 0 {
				hits = append(hits, hit)
			}
			return true
		})
		return true
	})

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

func queryTerms(query string) []string {
	var terms []string
	for _, field := range strings.Fields(strings.ToLower(query)) {
		field = strings.Trim(field, `"'.,;:`)
		if len(field) >= 2 {
			terms = append(terms, field)
		}
	}
	return terms
}
