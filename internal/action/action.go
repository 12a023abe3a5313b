// Package action maps opaque action identifiers to concrete upstream routes.
// Ids are derived from the action name and a build-time salt so that deployed
// client bundles and the gateway agree without exposing route names on the
// wire. The salt is obfuscation, not access control.
package action

import (
	"crypto/md5"
	"encoding/base64"
	"regexp"
)

type Route struct {
	Method string
	Path   string
}

const idLen = 8

// Hash derives the wire identifier for an action name. It must stay in sync
// with the client build: md5 of "name:salt", base64url, first 8 chars.
func Hash(name, salt string) string {
	sum := md5.Sum([]byte(name + ":" + salt))
	return base64.RawURLEncoding.EncodeToString(sum[:])[:idLen]
}

// Table is the static dispatch table for one deployed build.
type Table struct {
	routes   map[string]Route
	searchID string
}

// actionRoutes lists every action the catalog client can request.
var actionRoutes = map[string]Route{
	"searchRelics":             {Method: "GET", Path: "/api/relics/search"},
	"getRelicById":             {Method: "GET", Path: "/api/relics/:id"},
	"getServers":               {Method: "GET", Path: "/api/dictionaries/servers"},
	"getSlotTypes":             {Method: "GET", Path: "/api/dictionaries/slot-types"},
	"getAttributes":            {Method: "GET", Path: "/api/dictionaries/attributes"},
	"getRelicDefinitions":      {Method: "GET", Path: "/api/dictionaries/relic-definitions"},
	"getEnhancementCurve":      {Method: "GET", Path: "/api/dictionaries/enhancement-curve"},
	"getNotificationFilters":   {Method: "GET", Path: "/api/notifications/filters"},
	"createNotificationFilter": {Method: "POST", Path: "/api/notifications/filters"},
	"deleteNotificationFilter": {Method: "DELETE", Path: "/api/notifications/filters/:id"},
	"generateTelegramLink":     {Method: "POST", Path: "/api/telegram/binding/generate-link"},
	"getPriceTrends":           {Method: "GET", Path: "/api/analytics/price-trends"},
}

const searchAction = "searchRelics"

func NewTable(salt string) *Table {
	t := &Table{routes: make(map[string]Route, len(actionRoutes))}
	for name, route := range actionRoutes {
		t.routes[Hash(name, salt)] = route
	}
	t.searchID = Hash(searchAction, salt)
	return t
}

// Resolve looks up the route for an action id. Callers must not echo unknown
// ids back to the client.
func (t *Table) Resolve(id string) (Route, bool) {
	r, ok := t.routes[id]
	return r, ok
}

// IsSearch reports whether the id is the catalog-search action, which carries
// its own rate-limit tier.
func (t *Table) IsSearch(id string) bool { return id == t.searchID }

var pathParamPattern = regexp.MustCompile(`:(\w+)`)

// ResolvePath substitutes :name placeholders from params, consuming the used
// keys. A placeholder without a matching param becomes an empty string; the
// upstream rejects the malformed path.
func ResolvePath(template string, params map[string]any) (string, map[string]any) {
	remaining := make(map[string]any, len(params))
	for k, v := range params {
		remaining[k] = v
	}
	resolved := pathParamPattern.ReplaceAllStringFunc(template, func(m string) string {
		key := m[1:]
		v, ok := remaining[key]
		delete(remaining, key)
		if !ok || v == nil {
			return ""
		}
		return stringify(v)
	})
	return resolved, remaining
}
