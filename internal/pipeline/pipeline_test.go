package pipeline_test

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"cararth/ingest-service/internal/extract"
	"cararth/ingest-service/internal/fetch"
	"cararth/ingest-service/internal/gate"
	"cararth/ingest-service/internal/model"
	"cararth/ingest-service/internal/pipeline"
	"cararth/ingest-service/internal/trust"
)

// ── Test doubles ───────────────────────────────────────────────────────────

type memStore struct {
	mu            sync.Mutex
	listings      map[string]*model.Listing
	imageVerdicts map[string][]model.ImageVerdict
	trustVerdicts []model.TrustVerdict
	scores        map[string]model.ScoreBreakdown
}

func newMemStore() *memStore {
	return &memStore{
		listings:      map[string]*model.Listing{},
		imageVerdicts: map[string][]model.ImageVerdict{},
		scores:        map[string]model.ScoreBreakdown{},
	}
}

func (m *memStore) UpsertListing(ctx context.Context, l *model.Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Same as the SQL upsert: the first-seen listing date sticks.
	if prior, ok := m.listings[l.ID]; ok {
		l.ListingDate = prior.ListingDate
	}
	m.listings[l.ID] = l
	return nil
}

func (m *memStore) SaveImageVerdicts(ctx context.Context, runID, listingID string, verdicts []model.ImageVerdict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.imageVerdicts[listingID] = append(m.imageVerdicts[listingID], verdicts...)
	return nil
}

func (m *memStore) SaveTrustVerdict(ctx context.Context, v model.TrustVerdict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trustVerdicts = append(m.trustVerdicts, v)
	return nil
}

func (m *memStore) SaveScore(ctx context.Context, listingID string, b model.ScoreBreakdown) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores[listingID] = b
	return nil
}

type failingStore struct {
	*memStore
	upsertErr error
}

func (f *failingStore) UpsertListing(ctx context.Context, l *model.Listing) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	return f.memStore.UpsertListing(ctx, l)
}

type staticMarket struct {
	avg    float64
	demand float64
}

func (s staticMarket) AveragePrice(ctx context.Context, brand, carModel, city string) (float64, bool, error) {
	return s.avg, s.avg > 0, nil
}

func (s staticMarket) DemandIndex(ctx context.Context, brand, carModel, city string) (float64, bool, error) {
	return s.demand, s.demand > 0, nil
}

type staticScraper struct {
	portal string
	urls   []string
	err    error
}

func (s staticScraper) Portal() string { return s.portal }

func (s staticScraper) ListingURLs(ctx context.Context, city string) ([]string, error) {
	return s.urls, s.err
}

func photoPNG(w, h, size int) []byte {
	buf := make([]byte, size)
	copy(buf, "\x89PNG\r\n\x1a\n")
	binary.BigEndian.PutUint32(buf[8:12], 13)
	copy(buf[12:16], "IHDR")
	binary.BigEndian.PutUint32(buf[16:20], uint32(w))
	binary.BigEndian.PutUint32(buf[20:24], uint32(h))
	for i := 24; i < size; i++ {
		buf[i] = byte((i*37 + i/7) % 251)
	}
	return buf
}

// ── Fixtures ───────────────────────────────────────────────────────────────

const goodListingHTML = `<!doctype html>
<html>
<head>
<script type="application/ld+json">
{"@type":"Car","name":"2019 Hyundai Creta SX",
 "image":["%[1]s/img/front.png","%[1]s/img/side.png","%[1]s/img/logo.png"]}
</script>
</head>
<body>
<span data-aut-id="itemTitle">2019 Hyundai Creta SX</span>
<span data-aut-id="itemPrice">₹ 9,20,000</span>
<div data-aut-id="itemGallery"></div>
</body>
</html>`

const imagelessListingHTML = `<!doctype html>
<html>
<head><title>2017 Tata Nexon XZ</title></head>
<body>
<span data-aut-id="itemTitle">2017 Tata Nexon XZ</span>
<span data-aut-id="itemPrice">₹ 5,60,000</span>
</body>
</html>`

func newPortalServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var srv *httptest.Server

	mux.HandleFunc("/listing/creta", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, goodListingHTML, srv.URL)
	})
	mux.HandleFunc("/listing/nexon", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(imagelessListingHTML))
	})
	mux.HandleFunc("/img/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		switch {
		case strings.HasSuffix(r.URL.Path, "logo.png"):
			w.Write(photoPNG(120, 90, 15013))
		default:
			w.Write(photoPNG(800, 600, 61237))
		}
	})

	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newRunner(store pipeline.Store, scrapers []pipeline.PortalScraper, mkt staticMarket) *pipeline.Runner {
	log := zap.NewNop()
	fetcher := fetch.New(5*time.Second, log)
	extractor := extract.New(extract.NewRegistry(), log)
	return pipeline.NewRunner(
		fetcher, extractor, gate.New(log), trust.New(log),
		store, mkt, scrapers, 2, 0, log,
	)
}

// ── End to end ─────────────────────────────────────────────────────────────

func TestRunBatch_CertifiesGenuineListing(t *testing.T) {
	srv := newPortalServer(t)
	store := newMemStore()

	scraper := staticScraper{portal: "olx", urls: []string{srv.URL + "/listing/creta"}}
	runner := newRunner(store, []pipeline.PortalScraper{scraper}, staticMarket{avg: 920000, demand: 0.8})

	if err := runner.RunBatch(context.Background(), []string{"Hyderabad"}); err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	id := "olx:" + srv.URL + "/listing/creta"
	l, ok := store.listings[id]
	if !ok {
		t.Fatalf("listing not persisted; stored %v", store.listings)
	}
	if l.VerificationStatus != model.StatusCertified {
		t.Errorf("status = %s, want certified", l.VerificationStatus)
	}
	if l.Brand != "Hyundai" || l.Model != "Creta SX" || l.Year != 2019 || l.Price != 920000 {
		t.Errorf("normalized fields = %q/%q/%d/%d", l.Brand, l.Model, l.Year, l.Price)
	}

	// Three candidates screened, the logo vetoed: two survive.
	if len(l.Images) != 2 {
		t.Errorf("images = %v, want the two genuine photos", l.Images)
	}
	for _, img := range l.Images {
		if strings.Contains(img, "logo") {
			t.Errorf("vetoed logo leaked into the listing: %v", l.Images)
		}
	}

	verdicts := store.imageVerdicts[id]
	if len(verdicts) != 3 {
		t.Fatalf("image verdict rows = %d, want 3 (every candidate is audited)", len(verdicts))
	}
	var failed int
	for _, v := range verdicts {
		if !v.Passed {
			failed++
			if !v.Critical {
				t.Errorf("logo verdict should be critical: %+v", v)
			}
		}
	}
	if failed != 1 {
		t.Errorf("failed verdicts = %d, want 1", failed)
	}

	if len(store.trustVerdicts) != 1 || !store.trustVerdicts[0].Approved {
		t.Fatalf("trust verdicts = %+v", store.trustVerdicts)
	}

	score, ok := store.scores[id]
	if !ok {
		t.Fatal("certified listing was not scored")
	}
	if score.PriceLabel != "At market price" {
		t.Errorf("price label = %q", score.PriceLabel)
	}
	if score.ListingScore <= 0 || score.ListingScore > 100 {
		t.Errorf("composite score %v out of bounds", score.ListingScore)
	}
}

func TestRunBatch_RejectsListingWithoutAuthenticImages(t *testing.T) {
	srv := newPortalServer(t)
	store := newMemStore()

	scraper := staticScraper{portal: "olx", urls: []string{srv.URL + "/listing/nexon"}}
	runner := newRunner(store, []pipeline.PortalScraper{scraper}, staticMarket{avg: 560000, demand: 0.5})

	if err := runner.RunBatch(context.Background(), []string{"Hyderabad"}); err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	if len(store.listings) != 0 {
		t.Errorf("rejected listing must not be persisted, stored %v", store.listings)
	}
	if len(store.trustVerdicts) != 1 || store.trustVerdicts[0].Approved {
		t.Fatalf("trust verdicts = %+v", store.trustVerdicts)
	}
	if !strings.Contains(store.trustVerdicts[0].Explanation, "no images passed") {
		t.Errorf("explanation = %q", store.trustVerdicts[0].Explanation)
	}
	if len(store.scores) != 0 {
		t.Error("rejected listings must not be scored")
	}
}

func TestRunBatch_PortalFailureDoesNotAbortBatch(t *testing.T) {
	srv := newPortalServer(t)
	store := newMemStore()

	scrapers := []pipeline.PortalScraper{
		staticScraper{portal: "cardekho", err: fmt.Errorf("search page: connection reset")},
		staticScraper{portal: "olx", urls: []string{srv.URL + "/listing/creta"}},
	}
	runner := newRunner(store, scrapers, staticMarket{avg: 920000, demand: 0.8})

	err := runner.RunBatch(context.Background(), []string{"Hyderabad"})
	if err == nil {
		t.Fatal("infrastructure failure must surface in the batch error")
	}
	if !strings.Contains(err.Error(), "cardekho") {
		t.Errorf("error should name the failed portal: %v", err)
	}

	// The healthy portal still completed.
	if len(store.listings) != 1 {
		t.Errorf("listings persisted = %d, want 1", len(store.listings))
	}
}

func TestRunBatch_StoreFailureSurfacesInBatchError(t *testing.T) {
	srv := newPortalServer(t)
	store := &failingStore{
		memStore:  newMemStore(),
		upsertErr: fmt.Errorf("connection refused"),
	}

	scraper := staticScraper{portal: "olx", urls: []string{srv.URL + "/listing/creta"}}
	runner := newRunner(store, []pipeline.PortalScraper{scraper}, staticMarket{avg: 920000, demand: 0.8})

	err := runner.RunBatch(context.Background(), []string{"Hyderabad"})
	if err == nil {
		t.Fatal("a persistence failure must surface in the batch error")
	}
	if !strings.Contains(err.Error(), "listing upsert") {
		t.Errorf("error should say what failed: %v", err)
	}
	if !strings.Contains(err.Error(), "/listing/creta") {
		t.Errorf("error should name the affected listing: %v", err)
	}

	// The audit rows made it in before the upsert blew up.
	if len(store.trustVerdicts) != 1 {
		t.Errorf("trust verdicts = %d, want 1", len(store.trustVerdicts))
	}
}

func TestRunBatch_ReingestionKeepsFirstSeenDate(t *testing.T) {
	srv := newPortalServer(t)
	store := newMemStore()

	id := "olx:" + srv.URL + "/listing/creta"
	firstSeen := time.Now().UTC().AddDate(0, 0, -40)
	store.listings[id] = &model.Listing{ID: id, ListingDate: firstSeen}

	scraper := staticScraper{portal: "olx", urls: []string{srv.URL + "/listing/creta"}}
	runner := newRunner(store, []pipeline.PortalScraper{scraper}, staticMarket{avg: 920000, demand: 0.8})

	if err := runner.RunBatch(context.Background(), []string{"Hyderabad"}); err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	l := store.listings[id]
	if !l.ListingDate.Equal(firstSeen) {
		t.Errorf("listing date = %v, want the first-seen %v", l.ListingDate, firstSeen)
	}
	score, ok := store.scores[id]
	if !ok {
		t.Fatal("re-ingested listing was not scored")
	}
	if score.Recency != 0 {
		t.Errorf("recency for a 40-day-old listing = %v, want 0", score.Recency)
	}
}

func TestRunBatch_ListingFailureIsLocal(t *testing.T) {
	srv := newPortalServer(t)
	store := newMemStore()

	scraper := staticScraper{portal: "olx", urls: []string{
		srv.URL + "/listing/does-not-exist",
		srv.URL + "/listing/creta",
	}}
	runner := newRunner(store, []pipeline.PortalScraper{scraper}, staticMarket{avg: 920000, demand: 0.8})

	if err := runner.RunBatch(context.Background(), []string{"Hyderabad"}); err != nil {
		t.Fatalf("a single bad listing must not fail the batch: %v", err)
	}
	if len(store.listings) != 1 {
		t.Errorf("listings persisted = %d, want 1", len(store.listings))
	}
}

// ── Search page scrapers ───────────────────────────────────────────────────

func TestSearchPageScraper_EnumeratesInDocumentOrder(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/hyderabad/cars_c84", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><body>
<li data-aut-id="itemBox"><a href="/item/swift-1">Swift</a></li>
<li data-aut-id="itemBox"><a href="/item/creta-2">Creta</a></li>
<li data-aut-id="itemBox"><a href="/item/swift-1">Swift again</a></li>
<li data-aut-id="itemBox"><a href="/item/nexon-3">Nexon</a></li>
</body></html>`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := pipeline.SearchConfig{
		Portal:       "olx",
		SearchURL:    srv.URL + "/%s/cars_c84",
		LinkSelector: `li[data-aut-id="itemBox"] a`,
		MaxListings:  10,
	}
	s := pipeline.NewSearchPageScraper(cfg, fetch.New(5*time.Second, zap.NewNop()), zap.NewNop())

	urls, err := s.ListingURLs(context.Background(), "Hyderabad")
	if err != nil {
		t.Fatalf("ListingURLs: %v", err)
	}
	want := []string{
		srv.URL + "/item/swift-1",
		srv.URL + "/item/creta-2",
		srv.URL + "/item/nexon-3",
	}
	if len(urls) != len(want) {
		t.Fatalf("urls = %v, want %v", urls, want)
	}
	for i := range want {
		if urls[i] != want[i] {
			t.Errorf("urls[%d] = %q, want %q", i, urls[i], want[i])
		}
	}
}

func TestSearchPageScraper_HonorsMaxListings(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		var b strings.Builder
		b.WriteString("<html><body>")
		for i := 0; i < 20; i++ {
			fmt.Fprintf(&b, `<a class="card" href="/item/%d">car</a>`, i)
		}
		b.WriteString("</body></html>")
		w.Write([]byte(b.String()))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := pipeline.SearchConfig{
		Portal:       "test",
		SearchURL:    srv.URL + "/%s",
		LinkSelector: "a.card",
		MaxListings:  5,
	}
	s := pipeline.NewSearchPageScraper(cfg, fetch.New(5*time.Second, zap.NewNop()), zap.NewNop())

	urls, err := s.ListingURLs(context.Background(), "Hyderabad")
	if err != nil {
		t.Fatalf("ListingURLs: %v", err)
	}
	if len(urls) != 5 {
		t.Errorf("urls = %d, want 5", len(urls))
	}
}
