package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/daviddao/shepherd/pkg/clock"
	"github.com/daviddao/shepherd/pkg/config"
	"github.com/daviddao/shepherd/pkg/model"
	"github.com/daviddao/shepherd/pkg/store"
)

const (
	app1  = "app1"
	app2  = "app2"
	host1 = "10.0.0.1"
	host2 = "10.0.0.2"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Logs.Server = "logs.example:5000"
	cfg.Apps = map[string]config.App{
		app1: {
			Hosts: map[string]config.Host{
				host1: {Workflows: 4},
				host2: {Workflows: 2},
			},
			Pools: map[string][]string{"gpu": {host2}},
		},
		app2: {
			Hosts: map[string]config.Host{"10.0.0.9": {Workflows: 1}},
		},
	}
	return cfg
}

type harness struct {
	*Engine
	store *store.Store
	clock *clock.Manual
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	clk := clock.NewManual(epoch)
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"), store.WithClock(clk))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return &harness{Engine: New(s, testConfig(), opts...), store: s, clock: clk}
}

func (h *harness) create(t *testing.T, appID string, data string) int64 {
	t.Helper()
	id, err := h.CreateWorker(context.Background(), appID, CreateRequest{Data: json.RawMessage(data)})
	require.NoError(t, err)
	return id
}

func (h *harness) messages(t *testing.T, appID string, workerID int64) []model.Message {
	t.Helper()
	msgs, err := h.store.ListMessages(context.Background(), appID, workerID)
	require.NoError(t, err)
	return msgs
}

// codes lists the codes of a worker's messages in id order.
func (h *harness) codes(t *testing.T, appID string, workerID int64) []string {
	t.Helper()
	var out []string
	for _, m := range h.messages(t, appID, workerID) {
		out = append(out, m.Code)
	}
	return out
}

// head returns the worker's head message and checks there is exactly one.
func (h *harness) head(t *testing.T, appID string, workerID int64) model.Message {
	t.Helper()
	var heads []model.Message
	for _, m := range h.messages(t, appID, workerID) {
		if m.State == model.MessageHead {
			heads = append(heads, m)
		}
	}
	require.Len(t, heads, 1, "worker %d heads", workerID)
	return heads[0]
}

// requireSingleHead fails if any of the workers has more than one head.
func (h *harness) requireSingleHead(t *testing.T, appID string, workers ...int64) {
	t.Helper()
	for _, w := range workers {
		var n int
		for _, m := range h.messages(t, appID, w) {
			if m.State == model.MessageHead {
				n++
			}
		}
		require.LessOrEqual(t, n, 1, "worker %d has %d heads", w, n)
	}
}

// step commits req against the worker's current head message.
func (h *harness) step(t *testing.T, appID string, workerID int64, req model.CommitRequest) {
	t.Helper()
	req.WorkerID = workerID
	req.MsgID = h.head(t, appID, workerID).ID
	if req.Continuation == nil {
		req.Continuation = json.RawMessage(`{"step":1}`)
	}
	require.NoError(t, h.Commit(context.Background(), appID, &req))
}

func (h *harness) worker(t *testing.T, id int64) *model.Worker {
	t.Helper()
	w, err := h.store.GetWorker(context.Background(), id)
	require.NoError(t, err)
	return w
}

func TestCreateWorker_EnqueuesInitHead(t *testing.T) {
	h := newHarness(t)
	w := h.create(t, app1, `{"x":1}`)

	msgs := h.messages(t, app1, w)
	require.Len(t, msgs, 1)
	require.Equal(t, model.CodeInit, msgs[0].Code)
	require.Equal(t, model.MessageHead, msgs[0].State)
	require.Equal(t, w, msgs[0].SenderID)
	require.Equal(t, model.DefaultPool, msgs[0].Pool)
	require.Equal(t, model.DefaultPriority, msgs[0].Priority)

	got := h.worker(t, w)
	require.Equal(t, model.WorkerActive, got.State)
	require.JSONEq(t, `{"x":1}`, string(got.Continuation))
	require.Equal(t, int64(0), got.Session)
}

func TestCreateWorker_WrapsWorkflow(t *testing.T) {
	h := newHarness(t)
	id, err := h.CreateWorker(context.Background(), app1, CreateRequest{
		Workflow: "billing",
		Data:     json.RawMessage(`[1,2]`),
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"workflow":"billing","input":[1,2]}`, string(h.worker(t, id).Continuation))
}

func TestCreateWorker_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.CreateWorker(ctx, app1, CreateRequest{})
	require.ErrorIs(t, err, ErrInvalidArgument)

	bad := 300
	_, err = h.CreateWorker(ctx, app1, CreateRequest{Data: json.RawMessage(`1`), Priority: &bad})
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = h.CreateWorker(ctx, "nobody", CreateRequest{Data: json.RawMessage(`1`)})
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestGetWorkers_OmitsForeignAndMissing(t *testing.T) {
	h := newHarness(t)
	mine := h.create(t, app1, `{}`)
	theirs := h.create(t, app2, `{}`)

	got, err := h.GetWorkers(context.Background(), app1, []int64{mine, theirs, 9999})
	require.NoError(t, err)
	require.Len(t, got, 1)
	info := got[mine]
	require.Equal(t, model.WorkerActive, info.State)
	require.JSONEq(t, `null`, string(info.Status))
	require.Equal(t, fmt.Sprintf("http://logs.example:5000/logs/%d", mine), info.Logs)
}

func TestScenario_CreateDispatchCommitFinalize(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := h.create(t, app1, `{"x":1}`)

	claim, err := h.Dispatch(ctx, app1, host1)
	require.NoError(t, err)
	require.Equal(t, w, claim.WorkerID)
	require.Equal(t, model.CodeInit, claim.Code)
	require.Equal(t, int64(1), claim.Session)
	require.JSONEq(t, `{"x":1}`, string(claim.Continuation))

	require.NoError(t, h.Commit(ctx, app1, &model.CommitRequest{
		MsgID:        claim.MsgID,
		WorkerID:     w,
		Continuation: json.RawMessage(`{"step":2}`),
	}))
	require.JSONEq(t, `{"step":2}`, string(h.worker(t, w).Continuation))
	require.Empty(t, h.messages(t, app1, w))

	// A stop request plus a stray message queued behind it.
	_, err = h.SendMessage(ctx, app1, w, SendRequest{Code: "stop"})
	require.NoError(t, err)
	claim, err = h.Dispatch(ctx, app1, host1)
	require.NoError(t, err)
	require.Equal(t, int64(2), claim.Session)
	_, err = h.SendMessage(ctx, app1, w, SendRequest{Code: "stray"})
	require.NoError(t, err)
	h.requireSingleHead(t, app1, w)

	require.NoError(t, h.Commit(ctx, app1, &model.CommitRequest{
		MsgID:    claim.MsgID,
		WorkerID: w,
		Status:   json.RawMessage(`"done"`),
	}))
	got := h.worker(t, w)
	require.Equal(t, model.WorkerDone, got.State)
	require.JSONEq(t, `"done"`, string(got.Status))
	require.Nil(t, got.Continuation)
	require.Empty(t, h.messages(t, app1, w))
}

func TestSendMessage_RejectsInvalidDestination(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	other := h.create(t, app2, `{}`)

	_, err := h.SendMessage(ctx, app1, 9999, SendRequest{Code: "x"})
	require.ErrorIs(t, err, ErrInvalidDestination)
	_, err = h.SendMessage(ctx, app1, other, SendRequest{Code: "x"})
	require.ErrorIs(t, err, ErrInvalidDestination)
	require.Equal(t, []string{model.CodeInit}, h.codes(t, app2, other))
}

func TestSendMessage_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := h.create(t, app1, `{}`)

	_, err := h.SendMessage(ctx, app1, w, SendRequest{})
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = h.SendMessage(ctx, app1, w, SendRequest{Code: "x", Delay: -1})
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestSendMessage_ToFinishedWorker(t *testing.T) {
	h := newHarness(t)
	w := h.create(t, app1, `{}`)

	req := model.CommitRequest{
		MsgID:     h.head(t, app1, w).ID,
		WorkerID:  w,
		Exception: json.RawMessage(`"boom"`),
	}
	require.NoError(t, h.Commit(context.Background(), app1, &req))
	require.Equal(t, model.WorkerException, h.worker(t, w).State)

	_, err := h.SendMessage(context.Background(), app1, w, SendRequest{Code: "late"})
	require.ErrorIs(t, err, ErrInvalidDestination)
}

func TestCounters_CountCommittedRequests(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	w := h.create(t, app1, `{}`)
	_, err := h.GetWorkers(ctx, app1, []int64{w})
	require.NoError(t, err)
	_, err = h.SendMessage(ctx, app1, 9999, SendRequest{Code: "x"})
	require.Error(t, err)

	counters, err := h.Counters(ctx)
	require.NoError(t, err)
	require.Len(t, counters, 1)
	require.Equal(t, app1, counters[0].AppID)
	require.Equal(t, int64(2), counters[0].Count)
}

func TestClassify(t *testing.T) {
	require.ErrorIs(t, classify(errors.New("disk full")), ErrStore)
	wrapped := classify(errors.Join(ErrNotFound, errors.New("x")))
	require.ErrorIs(t, wrapped, ErrNotFound)
	require.NotErrorIs(t, wrapped, ErrStore)
	require.ErrorIs(t, classify(context.Canceled), context.Canceled)
}

func TestWithLogger_RecordsLifecycle(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	h := newHarness(t, WithLogger(zap.New(core)))
	w := h.create(t, app1, `{}`)

	created := logs.FilterMessage("worker created").All()
	require.Len(t, created, 1)
	fields := created[0].ContextMap()
	require.Equal(t, app1, fields["app"])
	require.Equal(t, w, fields["worker"])
	require.NotEmpty(t, fields["request"])
}
