package portal

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"planscraper/internal/components/telemetry"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := DefaultConfig()
	cfg.BaseUrl = server.URL + "/SelfService"
	cfg.ApiBase = server.URL + "/api"
	cfg.Origin = server.URL
	cfg.RequestsPerSecond = 0

	client, err := NewClient(ClientOptions{Config: cfg}, telemetry.NewTestAPI())
	require.NoError(t, err)
	return client
}

func TestIsCaseKey(t *testing.T) {
	require.True(t, IsCaseKey("0f3c2a4e-1b2c-4d5e-8f90-123456789abc"))
	require.False(t, IsCaseKey("Z2024000123"))
	require.False(t, IsCaseKey(""))
	require.False(t, IsCaseKey("0f3c2a4e-1b2c-4d5e-8f90-1234-6789abc"))
}

func TestUrls(t *testing.T) {
	client, err := NewClient(ClientOptions{Config: DefaultConfig()}, telemetry.NewTestAPI())
	require.NoError(t, err)

	caseId := "0f3c2a4e-1b2c-4d5e-8f90-123456789abc"
	require.Equal(t,
		"https://energov.miamidade.gov/EnerGov_Prod/SelfService/#/plan/"+caseId,
		client.PlanUrl(caseId),
	)
	require.Equal(t,
		"https://energov.miamidade.gov/EnerGov_Prod/SelfService/#/plan/"+caseId+"?tab=attachments",
		client.AttachmentsPageUrl(caseId),
	)
	require.Equal(t,
		"https://energov.miamidade.gov/energov_prod/selfservice/api/energov/entity/attachments/download/abc",
		client.AttachmentDownloadUrl("abc"),
	)
	require.Equal(t, "", client.AttachmentDownloadUrl(""))
	require.True(t, client.IsAttachmentListing(client.AttachmentListingUrl(caseId)))
	require.False(t, client.IsAttachmentListing("https://energov.miamidade.gov/api/energov/plans/"+caseId))
}

func TestBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseUrl = "not a url"
	_, err := NewClient(ClientOptions{Config: cfg}, telemetry.NewTestAPI())
	require.Error(t, err)
}

func TestParseSearchResults(t *testing.T) {
	testCases := []struct {
		name     string
		body     string
		expected []SearchResult
	}{
		{
			name:     "top level list",
			body:     `[{"PlanId":"a","PlanNumber":"Z1"}]`,
			expected: []SearchResult{{CaseId: "a", PlanNumber: "Z1"}},
		},
		{
			name:     "wrapped in Result",
			body:     `{"Result":[{"CaseId":"b","PlanNumber":"Z2"}]}`,
			expected: []SearchResult{{CaseId: "b", PlanNumber: "Z2"}},
		},
		{
			name:     "nested under Result.EntityResults",
			body:     `{"Result":{"EntityResults":[{"caseid":"c","casenumber":"Z3"}]}}`,
			expected: []SearchResult{{CaseId: "c", PlanNumber: "Z3"}},
		},
		{
			name:     "entries without ids are skipped",
			body:     `{"Data":[{"PlanNumber":"Z4"},"junk",{"PlanId":"d"}]}`,
			expected: []SearchResult{{CaseId: "d"}},
		},
		{
			name: "no list",
			body: `{"Success":false}`,
		},
	}
	for _, test := range testCases {
		t.Run(test.name, func(t *testing.T) {
			results, err := parseSearchResults([]byte(test.body))
			require.NoError(t, err)
			if diff := cmp.Diff(test.expected, results); diff != "" {
				t.Fatal(diff)
			}
		})
	}
}

func TestSelectCase(t *testing.T) {
	results := []SearchResult{
		{CaseId: "first", PlanNumber: "Z2024000120"},
		{CaseId: "exact", PlanNumber: " z2024000123 "},
	}
	caseId, ok := SelectCase("Z2024000123", results)
	require.True(t, ok)
	require.Equal(t, "exact", caseId)

	caseId, ok = SelectCase("Z9999999999", results)
	require.True(t, ok)
	require.Equal(t, "first", caseId)

	_, ok = SelectCase("Z2024000123", nil)
	require.False(t, ok)
}

func TestResolveCaseKey(t *testing.T) {
	var bodies []map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/energov/search/plan", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("POST /api/energov/plans/search", func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		bodies = append(bodies, body)
		_, _ = w.Write([]byte(`{"Result":[{"PlanId":"other","PlanNumber":"Z2024000999"},{"PlanId":"case-1","PlanNumber":"Z2024000123"}]}`))
	})
	client := newTestClient(t, mux)

	caseId, err := client.ResolveCaseKey(context.Background(), "Z2024000123")
	require.NoError(t, err)
	require.Equal(t, "case-1", caseId)

	require.Len(t, bodies, 1)
	require.Equal(t, "Z2024000123", bodies[0]["SearchText"])
	require.Equal(t, "Plan", bodies[0]["ModuleName"])
}

func TestResolveCaseKeyFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})
	client := newTestClient(t, mux)

	_, err := client.ResolveCaseKey(context.Background(), "Z2024000123")
	require.ErrorIs(t, err, ErrIdentifierResolution)
}

func TestCaseKeyFromPage(t *testing.T) {
	caseId := "0f3c2a4e-1b2c-4d5e-8f90-123456789abc"

	require.Equal(t, caseId, CaseKeyFromPage("https://portal/SelfService/#/plan/"+caseId, "", "Z1"))

	html := `<div>
		<a href="#/plan/11111111-2222-3333-4444-555555555555">Z2024000999</a>
		<a href="#/plan/` + caseId + `"> Z2024000123 </a>
	</div>`
	require.Equal(t, caseId, CaseKeyFromPage("https://portal/SelfService/#/search", html, "Z2024000123"))
	require.Equal(t, "", CaseKeyFromPage("https://portal/SelfService/#/search", html, "Z2024000000"))
}

func TestPlanDetails(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/energov/plans/case-1", func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie("session")
		if err != nil || cookie.Value != "abc" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"Result":{"PlanNumber":"Z2024000123","MainAddress":{"FullAddress":"1 Main St"}}}`))
	})
	client := newTestClient(t, mux)

	details, err := client.PlanDetails(context.Background(), "case-1", []*http.Cookie{{Name: "session", Value: "abc"}})
	require.NoError(t, err)
	require.Equal(t, "Z2024000123", details.PlanNumber)
	require.Equal(t, "1 Main St", details.Address)

	_, err = client.PlanDetails(context.Background(), "case-1", nil)
	require.Error(t, err)
}

func TestSessionClientCarriesCookies(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/whoami", func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie("session")
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(cookie.Value))
	})
	client := newTestClient(t, mux)

	session, err := client.SessionClient([]*http.Cookie{{Name: "session", Value: "xyz", Path: "/"}})
	require.NoError(t, err)

	res, err := session.R().Get(client.cfg.ApiBase + "/whoami")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode())
	require.Equal(t, "xyz", string(res.Body()))
}

func TestEntitySearches(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/energov/entity/contacts/search/search", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			EntityId   string
			EntityType int
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.EntityId != "case-1" || body.EntityType != 2 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"Result":[{"FirstName":"Ana","ContactType":"Applicant"},"noise"]}`))
	})
	mux.HandleFunc("POST /api/energov/entity/inspections/search/search", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"InspectionType":"Final","Status":"Passed"}]`))
	})
	client := newTestClient(t, mux)

	contacts, err := client.Contacts(context.Background(), "case-1", nil)
	require.NoError(t, err)
	require.Equal(t, []map[string]any{{"FirstName": "Ana", "ContactType": "Applicant"}}, contacts)

	inspections, err := client.Inspections(context.Background(), "case-1", nil)
	require.NoError(t, err)
	require.Equal(t, []map[string]any{{"InspectionType": "Final", "Status": "Passed"}}, inspections)

	_, err = client.Contacts(context.Background(), "other", nil)
	require.Error(t, err)
}

func TestEntitySearchEmptyResult(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/energov/entity/inspections/search/search", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"Result":null}`))
	})
	client := newTestClient(t, mux)

	inspections, err := client.Inspections(context.Background(), "case-1", nil)
	require.NoError(t, err)
	require.NotNil(t, inspections)
	require.Empty(t, inspections)
}
