package browser

import (
	"strings"
	"sync"
	"testing"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"
)

func TestXpathLiteral(t *testing.T) {
	testCases := []struct {
		in       string
		expected string
	}{
		{in: "Site Plan.pdf", expected: "'Site Plan.pdf'"},
		{in: "Owner's Affidavit.pdf", expected: `"Owner's Affidavit.pdf"`},
		{in: `Owner's "final".pdf`, expected: `concat('Owner', "'", 's "final".pdf')`},
	}
	for _, test := range testCases {
		require.Equal(t, test.expected, xpathLiteral(test.in))
	}
}

func TestRecorder(t *testing.T) {
	recorder := NewRecorder(func(url string) bool {
		return strings.Contains(url, "/entityattachments/")
	})
	require.True(t, recorder.Matches("https://portal.example.com/api/entityattachments/abc/2/true"))
	require.False(t, recorder.Matches("https://portal.example.com/api/plans/abc"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			recorder.Record(Response{Url: "u", Status: 200})
		}()
	}
	wg.Wait()
	require.Len(t, recorder.Responses(), 10)

	recorder.Stop()
	recorder.Record(Response{Url: "late"})
	require.Len(t, recorder.Responses(), 10)

	require.True(t, NewRecorder(nil).Matches("anything"))
}

func TestStoppedRecorderDetaches(t *testing.T) {
	page := &chromePage{pending: map[network.RequestID]pendingResponse{}}
	listings := page.attach(func(url string) bool {
		return strings.Contains(url, "/entityattachments/")
	})
	everything := page.attach(nil)
	require.Len(t, page.recorders, 2)

	url := "https://portal.example.com/api/entityattachments/abc/2/true"
	page.onEvent(&network.EventResponseReceived{
		RequestID: "1",
		Response:  &network.Response{URL: url, Status: 200},
	})
	require.Len(t, page.pending["1"].recorders, 2)

	listings.Stop()
	listings.Stop()
	require.Equal(t, []*Recorder{everything}, page.recorders)

	page.onEvent(&network.EventResponseReceived{
		RequestID: "2",
		Response:  &network.Response{URL: url, Status: 200},
	})
	require.Equal(t, []*Recorder{everything}, page.pending["2"].recorders)

	everything.Stop()
	require.Empty(t, page.recorders)
}
