package identify

// Wire types for the identification provider's JSON responses.

type statusBlock struct {
	Msg     string `json:"msg"`
	Code    int    `json:"code"`
	Version string `json:"version"`
}

// Provider status codes.
const (
	codeSuccess  = 0
	codeNoResult = 1001
)

type artistBlock struct {
	Name string `json:"name"`
}

type albumBlock struct {
	Name string `json:"name"`
}

type externalIDs struct {
	ISRC string `json:"isrc"`
	ISWC string `json:"iswc"`
}

type musicBlock struct {
	Title       string        `json:"title"`
	Artists     []artistBlock `json:"artists"`
	Album       albumBlock    `json:"album"`
	ExternalIDs externalIDs   `json:"external_ids"`
	Label       string        `json:"label"`
	ReleaseDate string        `json:"release_date"`
	DurationMs  int           `json:"duration_ms"`
	Score       float64       `json:"score"` // 0-100
	Acrid       string        `json:"acrid"`
}

type identifyResponse struct {
	Status   statusBlock `json:"status"`
	Metadata struct {
		Music []musicBlock `json:"music"`
	} `json:"metadata"`
}

// Identification is the resolved result of one external lookup.
type Identification struct {
	Title       string
	Artist      string
	Album       string
	ISRC        string
	ISWC        string
	Label       string
	ReleaseDate string
	DurationMs  int
	ACRID       string
	Confidence  float64 // [0,1], from the provider's 0-100 score
}

// Publisher as returned by the metadata endpoint.
type Publisher struct {
	Name      string `json:"name"`
	Territory string `json:"territory"`
}

// Writer as returned by the metadata endpoint.
type Writer struct {
	Name        string `json:"name"`
	Role        string `json:"role"` // writer or composer
	Affiliation string `json:"affiliation"`
}

// WorkMetadata is the richer rights record looked up by ISRC.
type WorkMetadata struct {
	ISRC       string      `json:"isrc"`
	ISWC       string      `json:"iswc"`
	Title      string      `json:"title"`
	WorkID     string      `json:"work_id"`
	Territory  string      `json:"territory"`
	Label      string      `json:"label"`
	Publishers []Publisher `json:"publishers"`
	Writers    []Writer    `json:"writers"`
	RightsPRO  string      `json:"rights_pro"` // explicit affiliation when the provider knows it
}

type metadataResponse struct {
	Status statusBlock  `json:"status"`
	Work   WorkMetadata `json:"work"`
}
