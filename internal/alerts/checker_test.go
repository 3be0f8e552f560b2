package alerts

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-gateway/internal/publisher/memory"
)

type fakeStore struct {
	mu      sync.Mutex
	alerts  []Alert
	seen    map[string]bool
	loadErr error
}

func (s *fakeStore) ActiveAlerts(context.Context) ([]Alert, error) {
	return s.alerts, s.loadErr
}

func (s *fakeStore) RecordMatches(_ context.Context, matches []Match) ([]Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen == nil {
		s.seen = map[string]bool{}
	}
	var fresh []Match
	for _, m := range matches {
		key := m.AlertID + "/" + m.ListingID
		if !s.seen[key] {
			s.seen[key] = true
			fresh = append(fresh, m)
		}
	}
	return fresh, nil
}

type fakeSearcher struct {
	results map[string][]Listing
	errs    map[string]error
}

func (s fakeSearcher) Search(_ context.Context, query, _ string) ([]Listing, error) {
	if err := s.errs[query]; err != nil {
		return nil, err
	}
	return s.results[query], nil
}

func TestCheckAlertsFiltersByPriceAndDedups(t *testing.T) {
	t.Parallel()

	store := &fakeStore{alerts: []Alert{
		{ID: "a1", Query: "lamp", MaxPrice: 50},
		{ID: "a2", Query: "chair"},
	}}
	searcher := fakeSearcher{results: map[string][]Listing{
		"lamp":  {{ID: "l1", Price: 40}, {ID: "l2", Price: 80}},
		"chair": {{ID: "c1", Price: 900}},
	}}
	pub := memory.New()
	checker := NewChecker(store, searcher, pub, 2, zap.NewNop())

	report, err := checker.CheckAlerts(context.Background(), "sid=1")
	require.NoError(t, err)
	require.Equal(t, Report{Alerts: 2, Matches: 2, NewMatches: 2}, report)
	require.Len(t, pub.Topic(MatchTopic), 2)

	report, err = checker.CheckAlerts(context.Background(), "sid=1")
	require.NoError(t, err)
	require.Equal(t, 0, report.NewMatches)
	require.Len(t, pub.Topic(MatchTopic), 2)
}

func TestCheckAlertsIsolatesOrdinaryFailures(t *testing.T) {
	t.Parallel()

	store := &fakeStore{alerts: []Alert{{ID: "a1", Query: "lamp"}, {ID: "a2", Query: "chair"}}}
	searcher := fakeSearcher{
		results: map[string][]Listing{"chair": {{ID: "c1", Price: 10}}},
		errs:    map[string]error{"lamp": errors.New("timeout")},
	}
	report, err := NewChecker(store, searcher, nil, 2, zap.NewNop()).CheckAlerts(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, 1, report.Failed)
	require.Equal(t, 1, report.NewMatches)
}

func TestCheckAlertsSurfacesSystemicErrors(t *testing.T) {
	t.Parallel()

	store := &fakeStore{alerts: []Alert{{ID: "a1", Query: "lamp"}, {ID: "a2", Query: "chair"}}}
	searcher := fakeSearcher{errs: map[string]error{
		"lamp":  ErrCredentialsInvalid,
		"chair": ErrForbidden,
	}}
	_, err := NewChecker(store, searcher, nil, 1, zap.NewNop()).CheckAlerts(context.Background(), "")
	require.ErrorIs(t, err, ErrForbidden)
	require.True(t, IsSystemic(err))
	require.Empty(t, store.seen)
}

func TestCheckAlertsLoadError(t *testing.T) {
	t.Parallel()

	store := &fakeStore{loadErr: errors.New("db down")}
	_, err := NewChecker(store, fakeSearcher{}, nil, 1, nil).CheckAlerts(context.Background(), "")
	require.ErrorContains(t, err, "db down")
	require.False(t, IsSystemic(err))
}

func TestMarketplaceClassifiesStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("q") {
		case "blocked":
			w.WriteHeader(http.StatusForbidden)
		case "expired":
			w.WriteHeader(http.StatusUnauthorized)
		case "broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			require.Equal(t, "sid=abc", r.Header.Get("Cookie"))
			_, _ = w.Write([]byte(`{"items":[{"id":"x1","title":"Lamp","price":12.5,"url":"https://m/x1"}]}`))
		}
	}))
	defer srv.Close()

	mp, err := NewMarketplace(MarketplaceConfig{BaseURL: srv.URL}, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	items, err := mp.Search(ctx, "lamp", "sid=abc")
	require.NoError(t, err)
	require.Equal(t, []Listing{{ID: "x1", Title: "Lamp", Price: 12.5, URL: "https://m/x1"}}, items)

	_, err = mp.Search(ctx, "blocked", "")
	require.ErrorIs(t, err, ErrForbidden)
	_, err = mp.Search(ctx, "expired", "")
	require.ErrorIs(t, err, ErrCredentialsInvalid)
	_, err = mp.Search(ctx, "broken", "")
	require.Error(t, err)
	require.False(t, IsSystemic(err))
}
