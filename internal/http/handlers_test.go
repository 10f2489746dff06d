package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"oximeter-vitals/internal/store"
	"oximeter-vitals/internal/vitals"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

type fakeStats struct{}

func (fakeStats) Connections() int                   { return 3 }
func (fakeStats) Watchers(key vitals.SessionKey) int { return len(key) }

type fakeHistory struct {
	gotKey   vitals.SessionKey
	gotLimit int
}

func (f *fakeHistory) Recent(_ context.Context, key vitals.SessionKey, limit int) (vitals.Buffer, error) {
	f.gotKey, f.gotLimit = key, limit
	return vitals.Buffer{{Timestamp: 1, SpO2: 95, Pulse: 70}}, nil
}

func setupRouter(t *testing.T, history History) (http.Handler, *store.MemoryStore) {
	s := store.NewMemoryStore(50)
	ctx := context.Background()
	_, err := s.Append(ctx, "", vitals.RawRecord{"timestamp": "1700000000", "spo2": "97", "pulse": "72"})
	require.NoError(t, err)
	_, err = s.Append(ctx, "ABC123", vitals.RawRecord{"timestamp": "1700000001", "spo2": "bad", "pulse": "72"})
	require.NoError(t, err)
	_, err = s.Append(ctx, "ABC123", vitals.RawRecord{"timestamp": "1700000002", "spo2": "95", "pulse": "80"})
	require.NoError(t, err)

	v := NewVitalsHandler(s, history, fakeStats{}, zap.NewNop())
	v.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }
	return NewRouter(v, nil, zap.NewNop()), s
}

func do(h http.Handler, method, path string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, path, nil))
	return rr
}

func TestHealth(t *testing.T) {
	h, _ := setupRouter(t, nil)

	rr := do(h, http.MethodGet, "/")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))

	var body Health
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, Health{Status: "ok", BufferSize: 1, Sessions: 1, Connections: 3}, body)
}

func TestGetData(t *testing.T) {
	h, _ := setupRouter(t, nil)

	rr := do(h, http.MethodGet, "/data")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[{"timestamp":"1700000000","spo2":"97","pulse":"72"}]`, rr.Body.String())

	// key 大小写不敏感
	rr = do(h, http.MethodGet, "/data/abc123")
	require.Equal(t, http.StatusOK, rr.Code)
	var raw []map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &raw))
	assert.Len(t, raw, 2)

	rr = do(h, http.MethodGet, "/data/NOPE")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.JSONEq(t, `{"error":"session not found"}`, rr.Body.String())

	rr = do(h, http.MethodGet, "/data/TOOLONGKEY")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCreateAndListSessions(t *testing.T) {
	h, s := setupRouter(t, nil)

	rr := do(h, http.MethodPost, "/sessions")
	require.Equal(t, http.StatusCreated, rr.Code)

	var info SessionInfo
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &info))
	key, err := vitals.ParseSessionKey(info.Session)
	require.NoError(t, err)
	assert.Len(t, info.Session, vitals.MaxSessionKeyLen)
	assert.Equal(t, "vitals_"+info.Session, info.Channel)

	buf, err := s.Snapshot(context.Background(), key)
	require.NoError(t, err)
	assert.Empty(t, buf)

	rr = do(h, http.MethodGet, "/data/"+info.Session)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[]`, rr.Body.String())

	rr = do(h, http.MethodGet, "/sessions")
	require.Equal(t, http.StatusOK, rr.Code)
	var list []SessionInfo
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	assert.Len(t, list, 2)
}

func TestExportData(t *testing.T) {
	h, _ := setupRouter(t, nil)

	rr := do(h, http.MethodGet, "/data/ABC123/export.xlsx")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "attachment; filename=vitals-ABC123-20240102-030405.xlsx", rr.Header().Get("Content-Disposition"))

	f, err := excelize.OpenReader(bytes.NewReader(rr.Body.Bytes()))
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows("Vitals")
	require.NoError(t, err)
	// 格式错误的读数被跳过，Index 保留输入位置
	require.Len(t, rows, 2)
	assert.Equal(t, "1", rows[1][0])
	assert.Equal(t, "95", rows[1][3])

	rr = do(h, http.MethodGet, "/data/export.xlsx")
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = do(h, http.MethodGet, "/data/NOPE/export.xlsx")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHistory(t *testing.T) {
	h, _ := setupRouter(t, nil)
	rr := do(h, http.MethodGet, "/data/history")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	hist := &fakeHistory{}
	h, _ = setupRouter(t, hist)
	rr = do(h, http.MethodGet, "/data/K1/history?limit=5")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, vitals.SessionKey("K1"), hist.gotKey)
	assert.Equal(t, 5, hist.gotLimit)
	assert.JSONEq(t, `[{"timestamp":1,"spo2":95,"pulse":70,"index":0}]`, rr.Body.String())

	rr = do(h, http.MethodGet, "/data/history?limit=-1")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCORSPreflight(t *testing.T) {
	h, _ := setupRouter(t, nil)
	rr := do(h, http.MethodOptions, "/data")
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}
