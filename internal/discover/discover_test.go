package discover

import (
	"context"
	"testing"

	"planscraper/internal/attachment"
	"planscraper/internal/browser"
	"planscraper/internal/browser/browsertest"
	"planscraper/internal/components/telemetry"
	"planscraper/internal/portal"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

const caseId = "0f3c2a4e-1b2c-4d5e-8f90-123456789abc"

func setup(t *testing.T) (Discoverer, *portal.Client, *browsertest.Page, *telemetry.TestAPI) {
	t.Helper()
	tel := telemetry.NewTestAPI()
	client, err := portal.NewClient(portal.ClientOptions{Config: portal.DefaultConfig()}, tel)
	require.NoError(t, err)
	return NewDiscoverer(client, tel), client, browsertest.NewPage(), tel
}

func names(records []attachment.Record) []string {
	var out []string
	for _, r := range records {
		out = append(out, r.FileName)
	}
	return out
}

func TestParsePayload(t *testing.T) {
	testCases := []struct {
		name     string
		body     string
		expected []string
	}{
		{
			name:     "top level array",
			body:     `[{"FileName":"a.pdf"},"b.pdf"]`,
			expected: []string{"a.pdf", "b.pdf"},
		},
		{
			name:     "result array",
			body:     `{"Result":[{"AttachmentId":"1","FileName":"a.pdf"}]}`,
			expected: []string{"a.pdf"},
		},
		{
			name:     "result attachments array",
			body:     `{"result":{"attachments":[{"DocumentName":"c.pdf","DocumentId":"2"}]}}`,
			expected: []string{"c.pdf"},
		},
		{
			name:     "result attachments items",
			body:     `{"Result":{"Attachments":{"Items":[{"FileName":"d.pdf"}],"Total":1}}}`,
			expected: []string{"d.pdf"},
		},
		{
			name:     "result attachments list",
			body:     `{"Result":{"Attachments":{"List":[{"FileName":"e.pdf"}]}}}`,
			expected: []string{"e.pdf"},
		},
		{
			name:     "top level data",
			body:     `{"Success":true,"Data":[{"FileName":"f.pdf"}]}`,
			expected: []string{"f.pdf"},
		},
		{
			name:     "entries that are not descriptors are dropped",
			body:     `[{"Color":"red"},{"FileName":"g.pdf"},42,""]`,
			expected: []string{"g.pdf"},
		},
		{
			name: "not json",
			body: `<html></html>`,
		},
		{
			name: "no list",
			body: `{"Result":{"Attachments":null}}`,
		},
	}
	for _, test := range testCases {
		t.Run(test.name, func(t *testing.T) {
			require.Equal(t, test.expected, names(ParsePayload([]byte(test.body))))
		})
	}
}

func TestInterceptedTier(t *testing.T) {
	d, client, page, _ := setup(t)
	pageUrl := client.AttachmentsPageUrl(caseId)
	listing := client.AttachmentListingUrl(caseId)

	page.Responses[pageUrl] = []browser.Response{
		{
			Url:    listing,
			Status: 200,
			Body: []byte(`{"Result":{"Attachments":{"Items":[
				{"AttachmentId":"1","FileName":"a.pdf","FileSize":2048},
				{"AttachmentId":"2","FileName":"a.pdf"},
				{"AttachmentId":"3","FileName":"photo.jpg"},
				{"FileName":"c.pdf","DownloadUrl":"docs/c.pdf"}
			]}}}`),
		},
		{
			Url:    listing,
			Status: 500,
			Body:   []byte(`[{"FileName":"broken.pdf"}]`),
		},
		{
			Url:    "https://energov.miamidade.gov/energov_prod/selfservice/api/energov/plans/" + caseId,
			Status: 200,
			Body:   []byte(`[{"FileName":"unrelated.pdf"}]`),
		},
	}

	result, err := d.Discover(context.Background(), page, caseId)
	require.NoError(t, err)
	require.Equal(t, TierIntercepted, result.Tier)

	expected := []attachment.Record{
		{
			Id:          "1",
			FileName:    "a.pdf",
			SizeBytes:   2048,
			DownloadUrl: client.AttachmentDownloadUrl("1"),
		},
		{
			FileName:    "c.pdf",
			DownloadUrl: "https://energov.miamidade.gov/EnerGov_Prod/SelfService/docs/c.pdf",
		},
	}
	if diff := cmp.Diff(expected, result.Records); diff != "" {
		t.Fatal(diff)
	}

	// the observer must be attached before the page is loaded
	require.Equal(t, 1, page.Observed)
	require.Equal(t, []string{pageUrl}, page.Navigations)
}

func TestDomTierAfterFilteredIntercept(t *testing.T) {
	d, client, page, _ := setup(t)
	pageUrl := client.AttachmentsPageUrl(caseId)

	page.Responses[pageUrl] = []browser.Response{{
		Url:    client.AttachmentListingUrl(caseId),
		Status: 200,
		Body:   []byte(`[{"FileName":"photo.png"}]`),
	}}
	page.Pages[pageUrl] = `<html><body>
		<a href="/docs/site%20plan.pdf">Download</a>
		<a href="files/x.PDF"> Survey.PDF </a>
		<a href="#/home">Home</a>
	</body></html>`

	result, err := d.Discover(context.Background(), page, caseId)
	require.NoError(t, err)
	require.Equal(t, TierDOM, result.Tier)

	expected := []attachment.Record{
		{FileName: "site plan.pdf", DownloadUrl: "https://energov.miamidade.gov/docs/site%20plan.pdf"},
		{FileName: "Survey.PDF", DownloadUrl: "https://energov.miamidade.gov/EnerGov_Prod/SelfService/files/x.PDF"},
	}
	if diff := cmp.Diff(expected, result.Records); diff != "" {
		t.Fatal(diff)
	}
}

func TestModelTier(t *testing.T) {
	d, client, page, _ := setup(t)
	page.Pages[client.AttachmentsPageUrl(caseId)] = `<div class="attachment-list"></div>`
	page.Scripts["ng-controller"] = `[{"AttachmentId":"9","FileName":"model.pdf"},{"AttachmentId":"9","FileName":"model.pdf"}]`

	result, err := d.Discover(context.Background(), page, caseId)
	require.NoError(t, err)
	require.Equal(t, TierModel, result.Tier)
	require.Equal(t, []attachment.Record{{
		Id:          "9",
		FileName:    "model.pdf",
		DownloadUrl: client.AttachmentDownloadUrl("9"),
	}}, result.Records)
}

func TestLeafTier(t *testing.T) {
	d, client, page, _ := setup(t)
	page.Pages[client.AttachmentsPageUrl(caseId)] = `<table>
		<tr><td>Leaf.pdf</td><td>12 KB</td></tr>
		<tr><td><div class="file"><span>Nested.pdf</span></div></td></tr>
	</table>`

	result, err := d.Discover(context.Background(), page, caseId)
	require.NoError(t, err)
	require.Equal(t, TierLeaf, result.Tier)
	require.Equal(t, []string{"Leaf.pdf", "Nested.pdf"}, names(result.Records))
	for _, r := range result.Records {
		require.Equal(t, "", r.DownloadUrl)
	}
}

func TestDiscoveryEmpty(t *testing.T) {
	d, client, page, tel := setup(t)
	page.Pages[client.AttachmentsPageUrl(caseId)] = `<p>No attachments</p>`

	result, err := d.Discover(context.Background(), page, caseId)
	require.NoError(t, err)
	require.Equal(t, TierNone, result.Tier)
	require.Empty(t, result.Records)
	require.Len(t, tel.Reports("warning", report_empty), 1)
}

func TestNavigationFailure(t *testing.T) {
	d, _, page, _ := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Discover(ctx, page, caseId)
	require.ErrorIs(t, err, context.Canceled)
}
