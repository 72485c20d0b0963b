package pro

import "strings"

// Organization is one registry entry for a performing rights organization.
type Organization struct {
	Code      string
	Name      string
	Territory string
}

// DefaultPROCode is the local society every unresolvable track falls back to.
const DefaultPROCode = "GHAMRO"

// registry is the static PRO table. Keyed by code.
var registry = map[string]Organization{
	"GHAMRO": {Code: "GHAMRO", Name: "Ghana Music Rights Organization", Territory: "GH"},
	"ASCAP":  {Code: "ASCAP", Name: "American Society of Composers, Authors and Publishers", Territory: "US"},
	"BMI":    {Code: "BMI", Name: "Broadcast Music, Inc.", Territory: "US"},
	"SESAC":  {Code: "SESAC", Name: "SESAC", Territory: "US"},
	"PRS":    {Code: "PRS", Name: "PRS for Music", Territory: "GB"},
	"GEMA":   {Code: "GEMA", Name: "Gesellschaft für musikalische Aufführungsrechte", Territory: "DE"},
	"SACEM":  {Code: "SACEM", Name: "Société des auteurs, compositeurs et éditeurs de musique", Territory: "FR"},
	"SOCAN":  {Code: "SOCAN", Name: "Society of Composers, Authors and Music Publishers of Canada", Territory: "CA"},
	"APRA":   {Code: "APRA", Name: "Australasian Performing Right Association", Territory: "AU"},
	"JASRAC": {Code: "JASRAC", Name: "Japanese Society for Rights of Authors, Composers and Publishers", Territory: "JP"},
	"SAMRO":  {Code: "SAMRO", Name: "Southern African Music Rights Organisation", Territory: "ZA"},
	"MCSK":   {Code: "MCSK", Name: "Music Copyright Society of Kenya", Territory: "KE"},
	"COSON":  {Code: "COSON", Name: "Copyright Society of Nigeria", Territory: "NG"},
}

// territoryPRO maps an ISO country code to its primary collection society.
var territoryPRO = map[string]string{
	"GH": "GHAMRO",
	"US": "ASCAP",
	"GB": "PRS",
	"UK": "PRS",
	"DE": "GEMA",
	"FR": "SACEM",
	"CA": "SOCAN",
	"AU": "APRA",
	"NZ": "APRA",
	"JP": "JASRAC",
	"ZA": "SAMRO",
	"KE": "MCSK",
	"NG": "COSON",
}

// publisherPatterns matches well-known publisher name fragments to the PRO
// that administers their catalogs. Checked lowercased, first match wins per
// pattern.
var publisherPatterns = []struct {
	Fragment string
	Code     string
}{
	{"ghamro", "GHAMRO"},
	{"ghana", "GHAMRO"},
	{"emi music", "PRS"},
	{"universal music", "ASCAP"},
	{"sony music", "ASCAP"},
	{"warner chappell", "BMI"},
	{"prs for music", "PRS"},
	{"gema", "GEMA"},
	{"sacem", "SACEM"},
}

// labelTerritoryHints maps label-name fragments to a territory when nothing
// better resolved. A weak signal, applied last.
var labelTerritoryHints = []struct {
	Fragment  string
	Territory string
}{
	{"ghana", "GH"},
	{"accra", "GH"},
	{"lagos", "NG"},
	{"nairobi", "KE"},
	{"london", "GB"},
	{"berlin", "DE"},
	{"paris", "FR"},
	{"nashville", "US"},
}

// Lookup returns the registry entry for a PRO code.
func Lookup(code string) (Organization, bool) {
	org, ok := registry[strings.ToUpper(strings.TrimSpace(code))]
	return org, ok
}

// ForTerritory returns the primary PRO for a country code.
func ForTerritory(territory string) (Organization, bool) {
	code, ok := territoryPRO[strings.ToUpper(strings.TrimSpace(territory))]
	if !ok {
		return Organization{}, false
	}
	return registry[code], true
}

// ForPublisher matches a publisher name against the pattern table.
func ForPublisher(name string) (Organization, bool) {
	lower := strings.ToLower(name)
	for _, p := range publisherPatterns {
		if strings.Contains(lower, p.Fragment) {
			return registry[p.Code], true
		}
	}
	return Organization{}, false
}

// TerritoryForLabel applies the label-name heuristics.
func TerritoryForLabel(label string) (string, bool) {
	lower := strings.ToLower(label)
	for _, h := range labelTerritoryHints {
		if strings.Contains(lower, h.Fragment) {
			return h.Territory, true
		}
	}
	return "", false
}
