package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeysapp/axi-server-sub001/pkg/channel"
	"github.com/joeysapp/axi-server-sub001/pkg/device"
	"github.com/joeysapp/axi-server-sub001/pkg/ebbsim"
	"github.com/joeysapp/axi-server-sub001/pkg/errors"
	"github.com/joeysapp/axi-server-sub001/pkg/log"
	"github.com/joeysapp/axi-server-sub001/pkg/metrics"
	"github.com/joeysapp/axi-server-sub001/pkg/queue"
	"github.com/joeysapp/axi-server-sub001/pkg/spatial"
)

type stack struct {
	ts      *httptest.Server
	srv     *Server
	board   *ebbsim.Board
	dev     *device.Controller
	spatial *spatial.Processor
}

func newStack(t *testing.T) *stack {
	t.Helper()
	board := ebbsim.New()
	ch := channel.New(channel.WithOpener(board.Dial), channel.WithLogger(log.Discard()))
	t.Cleanup(func() { ch.Close() })

	cfg := device.DefaultConfig()
	cfg.Port = "sim0"
	cfg.Heartbeat = 0
	dev, err := device.New(ch, cfg, device.WithLogger(log.Discard()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	q := queue.New(dev, queue.WithLogger(log.Discard()))
	q.Start(ctx)
	t.Cleanup(func() {
		q.Stop()
		cancel()
	})

	sp, err := spatial.New(dev, spatial.DefaultConfig(), spatial.WithLogger(log.Discard()))
	require.NoError(t, err)

	srv := New(Config{
		Device:  dev,
		Queue:   q,
		Spatial: sp,
		Metrics: metrics.New(),
		Logger:  log.Discard(),
		Version: "test",
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return &stack{ts: ts, srv: srv, board: board, dev: dev, spatial: sp}
}

type result struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *apiError       `json:"error"`
}

func (s *stack) call(t *testing.T, method, path string, body any) (int, result) {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.ts.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func decodeData[T any](t *testing.T, r result) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(r.Data, &v))
	return v
}

func TestStatusEnvelope(t *testing.T) {
	s := newStack(t)

	code, res := s.call(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, res.Success)
	assert.Nil(t, res.Error)

	st := decodeData[map[string]any](t, res)
	assert.Equal(t, "DISCONNECTED", st["device"].(map[string]any)["state"])
	assert.Contains(t, st, "queue")
	assert.Contains(t, st, "spatial")
}

func TestMoveConnectsAndMoves(t *testing.T) {
	s := newStack(t)

	code, res := s.call(t, http.MethodPost, "/api/move", map[string]float64{"dx": 10, "dy": 5})
	require.Equal(t, http.StatusOK, code, "%+v", res.Error)
	pos := decodeData[device.Position](t, res)
	assert.Equal(t, 10.0, pos.XMM)
	assert.Equal(t, 5.0, pos.YMM)
	assert.Equal(t, device.StateReady, s.dev.State())
	assert.NotEmpty(t, s.board.Lines("SM"))
}

func TestErrorsMapToStatus(t *testing.T) {
	s := newStack(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   errors.ErrorCode
	}{
		{"out of bounds", http.MethodPost, "/api/move/to", map[string]float64{"x": 1000, "y": 0}, http.StatusBadRequest, errors.ErrValidation},
		{"bad json", http.MethodPost, "/api/move", "{bad", http.StatusBadRequest, errors.ErrValidation},
		{"unknown field", http.MethodPost, "/api/line/to", map[string]float64{"z": 1}, http.StatusBadRequest, errors.ErrValidation},
		{"unknown job", http.MethodGet, "/api/jobs/nope", nil, http.StatusNotFound, errors.ErrNotFound},
		{"cancel unknown job", http.MethodDelete, "/api/jobs/nope", nil, http.StatusNotFound, errors.ErrNotFound},
		{"empty batch", http.MethodPost, "/api/execute", map[string]any{"steps": []any{}}, http.StatusBadRequest, errors.ErrValidation},
		{"bad limit", http.MethodGet, "/api/history?limit=x", nil, http.StatusBadRequest, errors.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, res := s.call(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, code)
			assert.False(t, res.Success)
			require.NotNil(t, res.Error)
			assert.Equal(t, string(tt.code), res.Error.Code)
		})
	}
}

func TestStatusForCodes(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{errors.Validation("x", "bad"), http.StatusBadRequest},
		{errors.New(errors.ErrNotFound, "gone"), http.StatusNotFound},
		{errors.InvalidState("move", "PAUSED"), http.StatusConflict},
		{errors.New(errors.ErrPortBusy, "busy"), http.StatusConflict},
		{errors.NotConnected("move"), http.StatusServiceUnavailable},
		{errors.LinkLost("move", io.EOF), http.StatusServiceUnavailable},
		{errors.Timeout("SM", time.Second), http.StatusGatewayTimeout},
		{errors.Malformed("QS", "?", "no comma"), http.StatusBadGateway},
		{errors.Firmware("SM", "!8 Err"), http.StatusBadGateway},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, statusFor(tt.err), "%v", tt.err)
	}
}

func TestPausedControllerConflicts(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	require.NoError(t, s.dev.Initialize(ctx))
	require.NoError(t, s.dev.Pause(ctx))

	code, res := s.call(t, http.MethodPost, "/api/pen/down", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, string(errors.ErrInvalidState), res.Error.Code)
}

func TestExecuteBatch(t *testing.T) {
	s := newStack(t)

	body := map[string]any{"steps": []map[string]any{
		{"type": "move_to", "x": 10, "y": 10},
		{"type": "line_to", "x": 20, "y": 10},
		{"type": "pen_up"},
	}}
	code, res := s.call(t, http.MethodPost, "/api/execute", body)
	require.Equal(t, http.StatusOK, code, "%+v", res.Error)
	pos := decodeData[device.Position](t, res)
	assert.Equal(t, 20.0, pos.XMM)
	assert.True(t, s.board.PenUp())
}

func waitJob(t *testing.T, s *stack, id string, want queue.Status) queue.Job {
	t.Helper()
	var job queue.Job
	require.Eventually(t, func() bool {
		code, res := s.call(t, http.MethodGet, "/api/jobs/"+id, nil)
		if code != http.StatusOK {
			return false
		}
		job = decodeData[queue.Job](t, res)
		return job.Status == want
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

func TestJobLifecycle(t *testing.T) {
	s := newStack(t)

	code, res := s.call(t, http.MethodPost, "/api/jobs", map[string]any{
		"name":     "square",
		"priority": "high",
		"steps": []map[string]any{
			{"type": "move_to", "x": 10, "y": 10},
			{"type": "line_to", "x": 20, "y": 10},
			{"type": "line_to", "x": 20, "y": 20},
			{"type": "pen_up"},
		},
	})
	require.Equal(t, http.StatusCreated, code, "%+v", res.Error)
	job := decodeData[queue.Job](t, res)
	assert.Equal(t, "square", job.Name)
	assert.Equal(t, queue.PriorityHigh, job.Priority)
	assert.Equal(t, 4, job.Total)

	done := waitJob(t, s, job.ID, queue.StatusCompleted)
	assert.Equal(t, 4, done.Done)

	code, res = s.call(t, http.MethodGet, "/api/jobs/history", nil)
	require.Equal(t, http.StatusOK, code)
	hist := decodeData[[]queue.Job](t, res)
	require.NotEmpty(t, hist)
	assert.Equal(t, job.ID, hist[0].ID)
}

func TestSVGJob(t *testing.T) {
	s := newStack(t)
	doc := `<svg xmlns="http://www.w3.org/2000/svg" width="100mm" height="100mm" viewBox="0 0 100 100">` +
		`<line x1="10" y1="10" x2="50" y2="10"/></svg>`

	code, res := s.call(t, http.MethodPost, "/api/jobs", map[string]any{"svg": doc})
	require.Equal(t, http.StatusCreated, code, "%+v", res.Error)
	job := decodeData[queue.Job](t, res)
	assert.Equal(t, "svg", job.Type)
	assert.Equal(t, queue.PriorityNormal, job.Priority, "omitted priority")
	assert.Greater(t, job.Total, 0)
	waitJob(t, s, job.ID, queue.StatusCompleted)
	assert.Equal(t, 50.0, s.dev.Status().Position.XMM)

	code, res = s.call(t, http.MethodPost, "/api/jobs", map[string]any{
		"svg":   doc,
		"steps": []map[string]any{{"type": "home"}},
	})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.call(t, http.MethodPost, "/api/jobs", map[string]any{"svg": "<html/>"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestPenConfigAndSpeedPatches(t *testing.T) {
	s := newStack(t)

	code, res := s.call(t, http.MethodPut, "/api/pen/config", map[string]any{"pos_up": 80, "sweep_time": "100ms"})
	require.Equal(t, http.StatusOK, code, "%+v", res.Error)
	assert.Equal(t, 80.0, s.dev.ServoConfig().PosUp)
	assert.Equal(t, 100*time.Millisecond, s.dev.ServoConfig().SweepTime)

	code, _ = s.call(t, http.MethodPut, "/api/pen/config", map[string]any{"pos_up": 200})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, 80.0, s.dev.ServoConfig().PosUp)

	code, res = s.call(t, http.MethodPut, "/api/speed", map[string]any{"pen_down": 40})
	require.Equal(t, http.StatusOK, code, "%+v", res.Error)
	assert.Equal(t, 40.0, s.dev.Speeds().PenDown)
	assert.Equal(t, 75.0, s.dev.Speeds().PenUp)

	code, _ = s.call(t, http.MethodPut, "/api/speed", map[string]any{"pen_up": -1})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = s.call(t, http.MethodPut, "/api/speed", map[string]any{"warp": 9})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestQueueControls(t *testing.T) {
	s := newStack(t)

	code, res := s.call(t, http.MethodPost, "/api/queue/pause", nil)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, decodeData[queue.Snapshot](t, res).Paused)

	for i := 0; i < 2; i++ {
		code, _ = s.call(t, http.MethodPost, "/api/jobs", map[string]any{"steps": []map[string]any{{"type": "home"}}})
		require.Equal(t, http.StatusCreated, code)
	}
	_, res = s.call(t, http.MethodGet, "/api/queue", nil)
	assert.Len(t, decodeData[queue.Snapshot](t, res).Queued, 2)

	code, res = s.call(t, http.MethodDelete, "/api/queue", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]int{"cancelled": 2}, decodeData[map[string]int](t, res))

	code, res = s.call(t, http.MethodPost, "/api/queue/resume", nil)
	require.Equal(t, http.StatusOK, code)
	snap := decodeData[queue.Snapshot](t, res)
	assert.False(t, snap.Paused)
	assert.Empty(t, snap.Queued)
}

func TestDeviceInfoRoutes(t *testing.T) {
	s := newStack(t)

	code, res := s.call(t, http.MethodGet, "/api/version", nil)
	require.Equal(t, http.StatusOK, code, "%+v", res.Error)
	v := decodeData[map[string]string](t, res)
	assert.Equal(t, "test", v["server"])
	assert.True(t, strings.HasPrefix(v["firmware"], "EBB"))

	code, _ = s.call(t, http.MethodPut, "/api/nickname", map[string]string{"nickname": "studio"})
	require.Equal(t, http.StatusOK, code)
	_, res = s.call(t, http.MethodGet, "/api/nickname", nil)
	assert.Equal(t, "studio", decodeData[map[string]string](t, res)["nickname"])

	code, _ = s.call(t, http.MethodPost, "/api/pen/down", nil)
	require.Equal(t, http.StatusOK, code)
	_, res = s.call(t, http.MethodGet, "/api/history?limit=1", nil)
	hist := decodeData[[]device.HistoryEntry](t, res)
	require.Len(t, hist, 1)
	assert.Equal(t, "pen_down", hist[0].Op)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newStack(t)

	resp, err := http.Get(s.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "axi_ws_clients")
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"http://studio.local"})
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, check(req))
	req.Header.Set("Origin", "http://studio.local")
	assert.True(t, check(req))
	req.Header.Set("Origin", "http://elsewhere")
	assert.False(t, check(req))
	assert.True(t, originChecker(nil)(req))
}

type wsMessage struct {
	Type    string          `json:"type"`
	Request string          `json:"request"`
	ID      any             `json:"id"`
	Data    json.RawMessage `json:"data"`
	Error   *apiError       `json:"error"`
	Tick    uint64          `json:"tick"`
	State   string          `json:"state"`
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(wsMessage) bool) wsMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var m wsMessage
		require.NoError(t, conn.ReadJSON(&m))
		if match(m) {
			return m
		}
	}
}

func TestWebSocketStream(t *testing.T) {
	s := newStack(t)
	url := "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	first := readUntil(t, conn, func(wsMessage) bool { return true })
	assert.Equal(t, "status", first.Type)
	assert.Equal(t, "DISCONNECTED", first.State)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "action", "action": "pen_down", "id": 7}))
	m := readUntil(t, conn, func(m wsMessage) bool { return m.Request == "action" })
	require.Equal(t, "result", m.Type, "%+v", m.Error)
	assert.EqualValues(t, 7, m.ID)
	assert.False(t, s.board.PenUp())

	assert.Equal(t, device.StateReady, s.dev.State())

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "nudge", "direction": "sideways", "distance": 1}))
	m = readUntil(t, conn, func(m wsMessage) bool { return m.Request == "nudge" })
	assert.Equal(t, "error", m.Type)
	assert.Equal(t, string(errors.ErrValidation), m.Error.Code)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "config", "config": map[string]any{"deadzone": 0.3}}))
	m = readUntil(t, conn, func(m wsMessage) bool { return m.Request == "config" })
	assert.Equal(t, "result", m.Type)
	assert.Equal(t, 0.3, s.spatial.Config().Deadzone)

	s.spatial.Tick()
	m = readUntil(t, conn, func(m wsMessage) bool { return m.Type == "frame" })
	assert.Equal(t, uint64(1), m.Tick)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "teleport"}))
	m = readUntil(t, conn, func(m wsMessage) bool { return m.Request == "teleport" })
	assert.Equal(t, "error", m.Type)
}
