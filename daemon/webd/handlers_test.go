package webd

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Wanan0708/tilemapd/scheduler"
	"github.com/Wanan0708/tilemapd/tiles"
	"github.com/tidwall/gjson"
)

func tilePNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{B: 200, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestWebDaemon_ping(t *testing.T) {
	req := httptest.NewRequest("GET", "http://tiles.local/ping", nil)
	w := httptest.NewRecorder()
	pingPong(w, req)
	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != 200 {
		t.Fatalf("status code not 200")
	}
	if string(body) != "pong" {
		t.Errorf("body is not pong: %s", string(body))
	}
}

func TestWebDaemon_statusReport(t *testing.T) {
	d := newTestWebDaemon(t, http.NotFoundHandler())
	req := httptest.NewRequest("GET", "http://tiles.local/status", nil)
	w := httptest.NewRecorder()
	d.statusReport(w, req)

	status := webDaemonStatus{}
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if status.Uptime == "" {
		t.Fatal("uptime is empty")
	}
}

func TestWebDaemon_getTileCached(t *testing.T) {
	d := newTestWebDaemon(t, http.NotFoundHandler())
	payload := tilePNG(t)
	k := tiles.TileKey{X: 3, Y: 2, Z: 4}
	if err := d.store.Write(k, payload); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest("GET", "http://tiles.local/tiles/4/3/2.png", nil)
	w := httptest.NewRecorder()
	d.NewRouter().ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != 200 {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("content type %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Equal(body, payload) {
		t.Error("served bytes differ from cached tile")
	}
}

func TestWebDaemon_getTileFetchesMiss(t *testing.T) {
	payload := tilePNG(t)
	d := newTestWebDaemon(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))

	req := httptest.NewRequest("GET", "http://tiles.local/tiles/5/10/11.png", nil)
	w := httptest.NewRecorder()
	d.NewRouter().ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("status %d", w.Code)
	}
	// The fetch path persisted the tile on its way through.
	if !d.store.Exists(tiles.TileKey{X: 10, Y: 11, Z: 5}) {
		t.Error("fetched tile not cached")
	}
}

func TestWebDaemon_getTileAbsentUpstream(t *testing.T) {
	d := newTestWebDaemon(t, http.NotFoundHandler())
	req := httptest.NewRequest("GET", "http://tiles.local/tiles/5/1/1.png", nil)
	w := httptest.NewRecorder()
	d.NewRouter().ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status %d, want 404", w.Code)
	}
}

func TestWebDaemon_getTileBadCoords(t *testing.T) {
	d := newTestWebDaemon(t, http.NotFoundHandler())
	// x=9 does not exist at z=2.
	req := httptest.NewRequest("GET", "http://tiles.local/tiles/2/9/0.png", nil)
	w := httptest.NewRecorder()
	d.NewRouter().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", w.Code)
	}
}

func TestWebDaemon_taskLifecycleOverHTTP(t *testing.T) {
	d := newTestWebDaemon(t, http.NotFoundHandler())
	router := d.NewRouter()

	body := `{"minLat":18,"maxLat":54,"minLon":73,"maxLon":135,"minZoom":3,"maxZoom":4}`
	req := httptest.NewRequest("POST", "http://tiles.local/tasks", strings.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status %d: %s", w.Code, w.Body.String())
	}
	id := gjson.GetBytes(w.Body.Bytes(), "id").String()
	if id == "" {
		t.Fatal("created task has no id")
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "http://tiles.local/tasks", nil))
	if w.Code != 200 {
		t.Fatalf("list status %d", w.Code)
	}
	var tasks []*scheduler.DownloadTask
	if err := json.Unmarshal(w.Body.Bytes(), &tasks); err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].ID != id {
		t.Fatalf("task list: %+v", tasks)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "http://tiles.local/tasks/"+id+"/pause", nil))
	if w.Code != 200 {
		t.Fatalf("pause status %d: %s", w.Code, w.Body.String())
	}
	if got := gjson.GetBytes(w.Body.Bytes(), "status").String(); got != "paused" {
		t.Errorf("status after pause %q", got)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "http://tiles.local/tasks/"+id+"/resume", nil))
	if got := gjson.GetBytes(w.Body.Bytes(), "status").String(); got != "pending" {
		t.Errorf("status after resume %q", got)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "http://tiles.local/tasks/"+id+"/cancel", nil))
	if got := gjson.GetBytes(w.Body.Bytes(), "status").String(); got != "cancelled" {
		t.Errorf("status after cancel %q", got)
	}

	// Unknown task ids are a 404, not an error.
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "http://tiles.local/tasks/nope/pause", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown task pause status %d", w.Code)
	}
}

func TestWebDaemon_createTaskValidation(t *testing.T) {
	d := newTestWebDaemon(t, http.NotFoundHandler())
	router := d.NewRouter()

	for _, body := range []string{
		`not json at all`,
		`{"minLat":18}`,
		`{"minLat":18,"maxLat":54,"minLon":73,"maxLon":135,"minZoom":9,"maxZoom":3}`,
	} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("POST", "http://tiles.local/tasks", strings.NewReader(body)))
		if w.Code == http.StatusCreated {
			t.Errorf("body %q was accepted", body)
		}
	}
}

func TestWebDaemon_cacheSummary(t *testing.T) {
	d := newTestWebDaemon(t, http.NotFoundHandler())
	if err := d.store.Write(tiles.TileKey{X: 1, Y: 1, Z: 3}, tilePNG(t)); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest("GET", "http://tiles.local/cache/summary", nil)
	w := httptest.NewRecorder()
	d.NewRouter().ServeHTTP(w, req)
	if w.Code != 200 {
		t.Fatalf("status %d", w.Code)
	}
	doc := gjson.ParseBytes(w.Body.Bytes())
	if !doc.IsArray() || len(doc.Array()) != 1 {
		t.Fatalf("summary body: %s", w.Body.String())
	}
	if z := doc.Get("0.Zoom").Int(); z != 3 {
		t.Errorf("summary zoom %d", z)
	}
}

func TestWebDaemon_concurrentGetsShareOneFetch(t *testing.T) {
	payload := tilePNG(t)
	var hits atomic.Int32
	release := make(chan struct{})
	d := newTestWebDaemon(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		w.Write(payload)
	}))

	router := d.NewRouter()
	results := make(chan *httptest.ResponseRecorder, 2)
	for i := 0; i < 2; i++ {
		go func() {
			req := httptest.NewRequest("GET", "http://tiles.local/tiles/6/20/21.png", nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			results <- w
		}()
	}

	// Both handlers have a worker available; an unmerged duplicate
	// would reach the provider within this window.
	time.Sleep(100 * time.Millisecond)
	close(release)

	for i := 0; i < 2; i++ {
		select {
		case w := <-results:
			if w.Code != 200 {
				t.Errorf("status %d", w.Code)
			}
			if !bytes.Equal(w.Body.Bytes(), payload) {
				t.Error("served bytes differ from fetched tile")
			}
		case <-time.After(10 * time.Second):
			t.Fatal("timed out waiting for tile responses")
		}
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("same tile fetched upstream %d times, want 1", got)
	}
}
