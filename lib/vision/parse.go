package vision

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/titanous/json5"

	"flashback-datasets/lib/tables"
)

var jsonArrayRe = regexp.MustCompile(`(?s)\[.*\]`)

// parseRows decodes the model's answer into raw row maps. The answer
// is usually a bare JSON array but models wrap it in prose or fences
// often enough that the widest bracketed slice is tried as a fallback.
func parseRows(content string) ([]map[string]any, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return nil, fmt.Errorf("empty response")
	}

	var rows []map[string]any
	if err := json5.Unmarshal([]byte(trimmed), &rows); err == nil {
		return rows, nil
	}

	match := jsonArrayRe.FindString(trimmed)
	if match == "" {
		return nil, fmt.Errorf("no json array in response")
	}
	if err := json5.Unmarshal([]byte(match), &rows); err != nil {
		return nil, fmt.Errorf("parse json array: %w", err)
	}
	return rows, nil
}

var fieldAliases = map[string][]string{
	"name":          {"name", "nom", "item", "weapon", "vehicle", "action"},
	"type":          {"type", "category", "categorie", "catégorie"},
	"price":         {"price", "prix", "cost", "cout", "coût"},
	"authorization": {"authorization", "autorisation", "authorized", "legal", "status", "statut"},
}

func stringField(row map[string]any, field string) (string, string) {
	for _, alias := range fieldAliases[field] {
		for key, value := range row {
			if !strings.EqualFold(strings.TrimSpace(key), alias) {
				continue
			}
			if value == nil {
				return key, ""
			}
			return key, strings.TrimSpace(fmt.Sprint(value))
		}
	}
	return "", ""
}

// normalizeRows applies the field normalization rules and drops rows
// without a name. Unparseable individual fields degrade to the
// unspecified sentinel instead of failing the record.
func normalizeRows(rows []map[string]any, img Image) []tables.Record {
	records := []tables.Record{}
	for _, row := range rows {
		nameKey, name := stringField(row, "name")
		if name == "" {
			continue
		}

		typeKey, typeText := stringField(row, "type")
		recordType := tables.ParseType(typeText)
		if recordType == tables.TypeUnknown && img.TypeHint != "" {
			recordType = img.TypeHint
		}

		priceKey, priceText := stringField(row, "price")
		authKey, authText := stringField(row, "authorization")

		record := tables.Record{
			Name:          name,
			Type:          recordType,
			Price:         NormalizePrice(priceText),
			Authorization: NormalizeAuthorization(authText),
			SourceHash:    img.Hash,
		}

		consumed := map[string]bool{
			nameKey: true, typeKey: true, priceKey: true, authKey: true,
		}
		extra := map[string]string{}
		for key, value := range row {
			if consumed[key] || value == nil {
				continue
			}
			text := strings.TrimSpace(fmt.Sprint(value))
			if text != "" {
				extra[strings.ToLower(strings.TrimSpace(key))] = text
			}
		}
		if len(extra) > 0 {
			record.Extra = extra
		}

		records = append(records, record)
	}
	return records
}

var priceDigitsRe = regexp.MustCompile(`[^\d.]`)

// NormalizePrice parses price text with currency symbols and
// separators into a plain integer. Anything unparseable becomes
// PriceUnspecified rather than an error.
func NormalizePrice(text string) tables.Price {
	cleaned := priceDigitsRe.ReplaceAllString(text, "")
	cleaned = strings.Trim(cleaned, ".")
	if cleaned == "" {
		return tables.PriceUnspecified
	}
	value, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return tables.PriceUnspecified
	}
	return tables.Price(int(value))
}

var authorizedMarkers = map[string]bool{
	"✓": true, "✔": true, "✅": true,
	"yes": true, "oui": true, "ok": true,
	"authorized": true, "autorisé": true, "autorise": true,
	"legal": true, "légal": true, "allowed": true,
}

var forbiddenMarkers = map[string]bool{
	"✗": true, "✘": true, "❌": true, "x": true,
	"no": true, "non": true,
	"forbidden": true, "interdit": true,
	"illegal": true, "illégal": true, "banned": true,
}

// NormalizeAuthorization maps symbolic and textual permission markers
// onto the canonical tokens.
func NormalizeAuthorization(text string) tables.Authorization {
	cleaned := strings.ToLower(strings.TrimSpace(text))
	switch {
	case authorizedMarkers[cleaned]:
		return tables.Authorized
	case forbiddenMarkers[cleaned]:
		return tables.Forbidden
	default:
		return tables.AuthorizationUnspecified
	}
}
