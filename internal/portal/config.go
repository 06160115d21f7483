package portal

import "strings"

// Config holds the url conventions of the portal. Every template may contain
// the placeholders {caseId}, {attachmentId} or {query}.
type Config struct {
	BaseUrl string `json:"base_url"`
	ApiBase string `json:"api_base"`
	Origin  string `json:"origin"`

	PlanPage        string `json:"plan_page"`
	AttachmentsPage string `json:"attachments_page"`
	SearchPage      string `json:"search_page"`

	// AttachmentListing is the api path the portal calls to list a case's
	// attachments, ListingMarker is the fragment used to recognize it.
	AttachmentListing  string   `json:"attachment_listing"`
	ListingMarker      string   `json:"listing_marker"`
	PlanDetails        string   `json:"plan_details"`
	SearchEndpoints    []string `json:"search_endpoints"`
	AttachmentDownload string   `json:"attachment_download"`

	// Contacts and Inspections are searched with {EntityId, EntityType}.
	Contacts    string `json:"contacts"`
	Inspections string `json:"inspections"`
	EntityType  int    `json:"entity_type"`

	UserAgent         string  `json:"user_agent"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst"`
	TimeoutSeconds    float64 `json:"timeout_seconds"`
}

// DefaultConfig points at the Miami-Dade EnerGov self service portal.
func DefaultConfig() Config {
	return Config{
		BaseUrl: "https://energov.miamidade.gov/EnerGov_Prod/SelfService",
		ApiBase: "https://energov.miamidade.gov/energov_prod/selfservice/api",
		Origin:  "https://energov.miamidade.gov",

		PlanPage:        "#/plan/{caseId}",
		AttachmentsPage: "#/plan/{caseId}?tab=attachments",
		SearchPage:      "#/search?searchText={query}&module=Plan",

		// entity type 2 is Plan
		AttachmentListing:  "energov/entity/attachments/search/entityattachments/{caseId}/2/true",
		ListingMarker:      "entityattachments",
		PlanDetails:        "energov/plans/{caseId}",
		SearchEndpoints:    []string{"energov/search/plan", "energov/plans/search", "caps/search"},
		AttachmentDownload: "energov/entity/attachments/download/{attachmentId}",

		Contacts:    "energov/entity/contacts/search/search",
		Inspections: "energov/entity/inspections/search/search",
		EntityType:  2,

		UserAgent:         "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		RequestsPerSecond: 5,
		Burst:             10,
		TimeoutSeconds:    60,
	}
}

func expand(template string, pairs ...string) string {
	return strings.NewReplacer(pairs...).Replace(template)
}

func join(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
