package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/S-Moer/DeepCTR/api"
	"github.com/S-Moer/DeepCTR/fs"
	"github.com/S-Moer/DeepCTR/ml"
	"github.com/S-Moer/DeepCTR/model"
	_ "github.com/S-Moer/DeepCTR/model/models"
	"github.com/S-Moer/DeepCTR/version"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	m, err := model.New(fs.KV{
		"general.architecture":    "ple",
		"ple.task_names":          []string{"ctr", "ctcvr"},
		"ple.task_types":          []string{"binary", "regression"},
		"ple.expert_hidden_units": []uint32{4},
		"ple.tower_hidden_units":  []uint32{2},
		"ple.features": []map[string]any{
			{"name": "user_id", "kind": "sparse", "vocabulary_size": int64(5), "embedding_dim": int64(2)},
			{"name": "price", "kind": "dense"},
		},
	}, ml.BackendParams{})
	require.NoError(t, err)

	return NewServer(m)
}

func createRequest(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var b bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&b).Encode(body))
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, path, &b))
	return w
}

func TestPredict(t *testing.T) {
	h := newTestServer(t).GenerateRoutes()

	w := createRequest(t, h, http.MethodPost, "/api/predict", api.PredictRequest{
		Size:   2,
		Sparse: map[string][]int32{"user_id": {0, 4}},
		Dense:  map[string][]float32{"price": {1.5, -0.5}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))

	var resp api.PredictResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, w.Header().Get("X-Request-Id"), resp.ID)

	require.Len(t, resp.Predictions, 2)
	assert.Equal(t, "ctr", resp.Predictions[0].Task)
	assert.Equal(t, "ctcvr", resp.Predictions[1].Task)
	for _, v := range resp.Predictions[0].Values {
		assert.Greater(t, v, float32(0))
		assert.Less(t, v, float32(1))
	}
	assert.Len(t, resp.Predictions[1].Values, 2)
}

func TestPredictErrors(t *testing.T) {
	h := newTestServer(t).GenerateRoutes()

	cases := []struct {
		name string
		body any
	}{
		{"no body", nil},
		{"missing feature", api.PredictRequest{Size: 1, Sparse: map[string][]int32{"user_id": {1}}}},
		{"wrong length", api.PredictRequest{Size: 2, Sparse: map[string][]int32{"user_id": {1}}, Dense: map[string][]float32{"price": {1, 2}}}},
		{"id out of range", api.PredictRequest{Size: 1, Sparse: map[string][]int32{"user_id": {5}}, Dense: map[string][]float32{"price": {1}}}},
		{"empty batch", api.PredictRequest{}},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			w := createRequest(t, h, http.MethodPost, "/api/predict", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)

			var resp api.StatusError
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.NotEmpty(t, resp.ErrorMessage)
		})
	}
}

func TestShow(t *testing.T) {
	h := newTestServer(t).GenerateRoutes()

	w := createRequest(t, h, http.MethodPost, "/api/show", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp api.ShowResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))

	assert.Equal(t, "ple", resp.Architecture)
	assert.Equal(t, []api.Task{{Name: "ctr", Type: "binary"}, {Name: "ctcvr", Type: "regression"}}, resp.Tasks)
	assert.Equal(t, []api.Feature{{Name: "user_id", Kind: "sparse", Width: 2}, {Name: "price", Kind: "dense", Width: 1}}, resp.Features)
	assert.NotEmpty(t, resp.Components)
	assert.Contains(t, resp.Parameters, "embedding.user_id.weight")
	assert.Greater(t, resp.ParameterCount, uint64(len(resp.Parameters)))
	assert.Greater(t, resp.L2Penalty, float32(0))
}

func TestVersion(t *testing.T) {
	h := newTestServer(t).GenerateRoutes()

	w := createRequest(t, h, http.MethodGet, "/api/version", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp api.VersionResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, version.Version, resp.Version)

	w = createRequest(t, h, http.MethodGet, "/", nil)
	assert.Equal(t, "PLE is running", w.Body.String())
}

func TestClientAgainstServer(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t).GenerateRoutes())
	defer ts.Close()

	t.Setenv("PLE_HOST", ts.Listener.Addr().String())
	client, err := api.ClientFromEnvironment()
	require.NoError(t, err)

	resp, err := client.Predict(context.Background(), &api.PredictRequest{
		Size:   1,
		Sparse: map[string][]int32{"user_id": {3}},
		Dense:  map[string][]float32{"price": {2}},
	})
	require.NoError(t, err)
	assert.Len(t, resp.Predictions, 2)

	_, err = client.Predict(context.Background(), &api.PredictRequest{Size: 1})
	var serr api.StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusBadRequest, serr.StatusCode)
}
