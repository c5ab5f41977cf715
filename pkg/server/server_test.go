package server

import (
	"bufio"
	"context"
	"encoding/json"
	"hash/fnv"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dimaginar/joplin-smart-search/pkg/embed"
	"github.com/dimaginar/joplin-smart-search/pkg/joplin"
	"github.com/dimaginar/joplin-smart-search/pkg/smartsearch"
	"github.com/dimaginar/joplin-smart-search/pkg/vector"
)

const testDims = 512

type wordEmbedder struct{}

func (wordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, testDims)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(word))
		v[h.Sum32()%testDims] += 1
	}
	vector.NormalizeInPlace(v)
	return v, nil
}

func (e wordEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (wordEmbedder) Dimensions() int          { return testDims }
func (wordEmbedder) ModelDescription() string { return "word embedder" }

type staticSource struct {
	notes []joplin.Note
}

func (s *staticSource) AllNotes(context.Context) ([]joplin.Note, error) {
	return s.notes, nil
}

func (s *staticSource) AllNoteMetadata(context.Context) ([]joplin.NoteMetadata, error) {
	out := make([]joplin.NoteMetadata, len(s.notes))
	for i, n := range s.notes {
		out[i] = n.Metadata()
	}
	return out, nil
}

func (s *staticSource) NotesSince(_ context.Context, sinceMS int64) ([]joplin.Note, error) {
	var out []joplin.Note
	for _, n := range s.notes {
		if n.UpdatedTime > sinceMS {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *staticSource) NoteByID(_ context.Context, id string) (joplin.Note, error) {
	for _, n := range s.notes {
		if n.ID == id {
			return n, nil
		}
	}
	return joplin.Note{}, joplin.ErrNotFound
}

func (s *staticSource) HasChangesSince(_ context.Context, sinceMS int64) (bool, error) {
	for _, n := range s.notes {
		if n.UpdatedTime > sinceMS {
			return true, nil
		}
	}
	return false, nil
}

func (s *staticSource) DeletedIDsSince(context.Context, int64) ([]string, error) {
	return nil, nil
}

func noteID(c byte) string {
	return strings.Repeat(string(c), 32)
}

func newTestServer(t *testing.T, build bool) (*httptest.Server, *smartsearch.Engine) {
	t.Helper()
	source := &staticSource{notes: []joplin.Note{
		{ID: noteID('a'), Title: "Cooking", Body: "pasta recipe with tomatoes", UpdatedTime: 100},
		{ID: noteID('b'), Title: "Workout", Body: "morning run and stretching", UpdatedTime: 200},
	}}
	loader := func(context.Context, func(float64)) (embed.Embedder, error) {
		return wordEmbedder{}, nil
	}
	engine := smartsearch.NewEngine(smartsearch.Config{
		IndexPath:  filepath.Join(t.TempDir(), "index.bin"),
		Dimensions: testDims,
	}, source, loader)
	if build {
		require.NoError(t, engine.FullBuild(context.Background()))
	}

	srv := httptest.NewServer(New(engine, "unused").Handler())
	t.Cleanup(srv.Close)
	return srv, engine
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestSearchEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, true)

	var body searchResponse
	code := getJSON(t, srv.URL+"/search?q=pasta+recipe", &body)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body.Results, 1)
	assert.Equal(t, noteID('a'), body.Results[0].ID)
	assert.Equal(t, "Cooking", body.Results[0].Title)
	assert.GreaterOrEqual(t, body.Results[0].Score, float32(0.30))
}

func TestSearchEndpointNoMatches(t *testing.T) {
	srv, _ := newTestServer(t, true)

	var body searchResponse
	code := getJSON(t, srv.URL+"/search?q=quantum+entanglement", &body)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, body.Results)
	assert.NotNil(t, body.Results)
}

func TestSearchEndpointValidation(t *testing.T) {
	srv, _ := newTestServer(t, true)

	code := getJSON(t, srv.URL+"/search", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code = getJSON(t, srv.URL+"/search?q=x&k=zero", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestSearchEndpointNotReady(t *testing.T) {
	srv, _ := newTestServer(t, false)

	var body errorResponse
	code := getJSON(t, srv.URL+"/search?q=pasta", &body)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.NotEmpty(t, body.Error)
}

func TestNoteEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, true)

	var note joplin.Note
	code := getJSON(t, srv.URL+"/note/"+noteID('a'), &note)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Cooking", note.Title)
	assert.Equal(t, "pasta recipe with tomatoes", note.Body)

	code = getJSON(t, srv.URL+"/note/"+noteID('f'), nil)
	assert.Equal(t, http.StatusNotFound, code)

	code = getJSON(t, srv.URL+"/note/short-id", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestStatusEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, true)

	var status smartsearch.Status
	code := getJSON(t, srv.URL+"/status", &status)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, smartsearch.PhaseReady, status.Phase)
	assert.True(t, status.IsReady)
	assert.Equal(t, 2, status.Total)
}

func TestRebuildEndpoint(t *testing.T) {
	srv, engine := newTestServer(t, true)

	resp, err := http.Post(srv.URL+"/rebuild", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	assert.Eventually(t, func() bool {
		return engine.Status().Phase == smartsearch.PhaseReady
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStatusStreamSendsCurrentState(t *testing.T) {
	srv, _ := newTestServer(t, true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/status/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "data: "))

	var status smartsearch.Status
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &status))
	assert.True(t, status.IsReady)
}
