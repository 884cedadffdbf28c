package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/daviddao/shepherd/pkg/config"
	"github.com/daviddao/shepherd/pkg/engine"
	"github.com/daviddao/shepherd/pkg/model"
	"github.com/daviddao/shepherd/pkg/store"
)

// --- envOr tests ---

func TestEnvOr_EnvSet(t *testing.T) {
	t.Setenv("TEST_SHEPHERD_ENV", "hello")
	if got := envOr("TEST_SHEPHERD_ENV", "default"); got != "hello" {
		t.Fatalf("envOr with set env: got %q, want %q", got, "hello")
	}
}

func TestEnvOr_EnvUnset(t *testing.T) {
	if got := envOr("TEST_SHEPHERD_UNSET_KEY_XYZ", "fallback"); got != "fallback" {
		t.Fatalf("envOr with unset env: got %q, want %q", got, "fallback")
	}
}

func TestEnvOr_EmptyEnv(t *testing.T) {
	t.Setenv("TEST_SHEPHERD_EMPTY", "")
	if got := envOr("TEST_SHEPHERD_EMPTY", "default"); got != "default" {
		t.Fatalf("envOr with empty env: got %q, want %q", got, "default")
	}
}

// --- resolveApp / resolveAddr tests ---

func TestResolveApp_FlagValue(t *testing.T) {
	a := &app{appID: "env-app"}
	got, err := a.resolveApp("flag-app")
	if err != nil || got != "flag-app" {
		t.Fatalf("resolveApp with flag: got %q, err=%v", got, err)
	}
}

func TestResolveApp_EnvFallback(t *testing.T) {
	a := &app{appID: "env-app"}
	got, err := a.resolveApp("")
	if err != nil || got != "env-app" {
		t.Fatalf("resolveApp with env: got %q, err=%v", got, err)
	}
}

func TestResolveApp_NoApp(t *testing.T) {
	a := &app{}
	if _, err := a.resolveApp(""); err == nil {
		t.Fatal("resolveApp with no app should return error")
	}
}

func TestResolveAddr(t *testing.T) {
	a := &app{addr: "10.0.0.1"}
	if got, _ := a.resolveAddr(""); got != "10.0.0.1" {
		t.Fatalf("resolveAddr env fallback: got %q", got)
	}
	if got, _ := a.resolveAddr("10.0.0.2"); got != "10.0.0.2" {
		t.Fatalf("resolveAddr flag: got %q", got)
	}
	if _, err := (&app{}).resolveAddr(""); err == nil {
		t.Fatal("resolveAddr with no address should return error")
	}
}

// --- parsing helpers ---

func TestParseIDs(t *testing.T) {
	ids, err := parseIDs("3, 1,,7")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 3 || ids[0] != 3 || ids[1] != 1 || ids[2] != 7 {
		t.Fatalf("parseIDs: got %v", ids)
	}
	if _, err := parseIDs("1,x"); err == nil {
		t.Fatal("parseIDs should reject non-numeric ids")
	}
	if _, err := parseIDs(" , "); err == nil {
		t.Fatal("parseIDs should reject an empty list")
	}
}

func TestPriorityFlag(t *testing.T) {
	if priorityFlag(-1) != nil {
		t.Fatal("-1 should mean unset")
	}
	if p := priorityFlag(0); p == nil || *p != 0 {
		t.Fatal("0 is a valid priority")
	}
}

func TestReadPayload(t *testing.T) {
	a := &app{stdin: strings.NewReader(" {\"from\":\"stdin\"}\n")}
	got, err := a.readPayload("-")
	if err != nil || string(got) != `{"from":"stdin"}` {
		t.Fatalf("stdin payload: got %q, err=%v", got, err)
	}

	path := filepath.Join(t.TempDir(), "req.json")
	os.WriteFile(path, []byte(`[1,2]`), 0o644)
	got, err = a.readPayload("@" + path)
	if err != nil || string(got) != `[1,2]` {
		t.Fatalf("file payload: got %q, err=%v", got, err)
	}

	got, err = a.readPayload(`"inline"`)
	if err != nil || string(got) != `"inline"` {
		t.Fatalf("inline payload: got %q, err=%v", got, err)
	}

	if _, err := a.readPayload("{not json"); err == nil {
		t.Fatal("invalid JSON should be rejected")
	}
}

func TestOneLine(t *testing.T) {
	if got := oneLine(nil); got != "-" {
		t.Fatalf("oneLine(nil) = %q", got)
	}
	if got := oneLine(json.RawMessage("{\n  \"a\": 1\n}")); got != `{ "a": 1 }` {
		t.Fatalf("oneLine collapses whitespace: got %q", got)
	}
	long := json.RawMessage(`"` + strings.Repeat("x", 100) + `"`)
	if got := oneLine(long); len(got) != 63 || !strings.HasSuffix(got, "...") {
		t.Fatalf("oneLine truncation: got %q", got)
	}
}

func TestFail_ExitCodes(t *testing.T) {
	var code int
	out := captureStderr(t, func() { code = fail("dispatch", engine.ErrNotFound) })
	if code != 2 {
		t.Fatalf("not found exit code: got %d, want 2", code)
	}
	if !strings.Contains(out, "shepherd: dispatch:") {
		t.Fatalf("fail output: %q", out)
	}
	captureStderr(t, func() { code = fail("commit", errors.New("boom")) })
	if code != 1 {
		t.Fatalf("generic exit code: got %d, want 1", code)
	}
}

func TestNewLogger(t *testing.T) {
	if _, err := newLogger(config.LogConfig{Level: "debug", Format: "json"}); err != nil {
		t.Fatalf("json logger: %v", err)
	}
	if _, err := newLogger(config.LogConfig{Level: "warn", Format: "console"}); err != nil {
		t.Fatalf("console logger: %v", err)
	}
	if _, err := newLogger(config.LogConfig{Level: "loud"}); err == nil {
		t.Fatal("unknown level should be rejected")
	}
}

// --- command integration tests ---

const testConfigYAML = `
database: unused.db
logs:
  server: logs.example:5000
apps:
  app1:
    hosts:
      10.0.0.1:
        workflows: 2
      10.0.0.2:
        workflows: 1
    pools:
      gpu:
        - 10.0.0.2
`

func newTestApp(t *testing.T) *app {
	t.Helper()
	cfg, err := config.Parse([]byte(testConfigYAML))
	if err != nil {
		t.Fatalf("config.Parse: %v", err)
	}
	dir := t.TempDir()
	cfg.Database = filepath.Join(dir, "test.db")
	s, err := store.New(cfg.Database)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return &app{
		cfgPath: filepath.Join(dir, "config.yaml"),
		cfg:     cfg,
		log:     zap.NewNop(),
		store:   s,
		engine:  engine.New(s, cfg),
		appID:   "app1",
		addr:    "10.0.0.1",
		stdin:   strings.NewReader(""),
	}
}

// runCmd runs a subcommand and returns its exit code and stdout.
func runCmd(t *testing.T, a *app, args ...string) (int, string) {
	t.Helper()
	var code int
	out := captureStdout(t, func() {
		captureStderr(t, func() { code = a.run(args[0], args[1:]) })
	})
	return code, out
}

func createWorker(t *testing.T, a *app, data string) int64 {
	t.Helper()
	code, out := runCmd(t, a, "create", data)
	if code != 0 {
		t.Fatalf("create: exit %d", code)
	}
	id, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if err != nil {
		t.Fatalf("create output %q: %v", out, err)
	}
	return id
}

func TestCmd_UnknownCommand(t *testing.T) {
	a := newTestApp(t)
	if code, _ := runCmd(t, a, "frobnicate"); code != 1 {
		t.Fatalf("unknown command exit code: got %d", code)
	}
}

func TestCmd_AgentLoop(t *testing.T) {
	a := newTestApp(t)
	id := createWorker(t, a, `{"x":1}`)

	code, out := runCmd(t, a, "dispatch")
	if code != 0 {
		t.Fatalf("dispatch: exit %d", code)
	}
	var claim model.Claim
	if err := json.Unmarshal([]byte(out), &claim); err != nil {
		t.Fatalf("dispatch output %q: %v", out, err)
	}
	if claim.WorkerID != id || claim.Code != model.CodeInit || claim.Session != 1 {
		t.Fatalf("unexpected claim: %+v", claim)
	}

	if code, _ := runCmd(t, a, "dispatch"); code != 2 {
		t.Fatalf("empty dispatch: exit %d, want 2", code)
	}

	req := `{"msgid":` + strconv.FormatInt(claim.MsgID, 10) +
		`,"workerid":` + strconv.FormatInt(id, 10) + `,"status":"done"}`
	code, out = runCmd(t, a, "commit", req)
	if code != 0 || strings.TrimSpace(out) != "OK" {
		t.Fatalf("commit: exit %d, out %q", code, out)
	}

	code, out = runCmd(t, a, "workers", "--json", strconv.FormatInt(id, 10))
	if code != 0 {
		t.Fatalf("workers: exit %d", code)
	}
	var infos map[string]model.WorkerInfo
	if err := json.Unmarshal([]byte(out), &infos); err != nil {
		t.Fatalf("workers output %q: %v", out, err)
	}
	info := infos[strconv.FormatInt(id, 10)]
	if info.State != model.WorkerDone || string(info.Status) != `"done"` {
		t.Fatalf("worker after commit: %+v", info)
	}
	if !strings.HasSuffix(info.Logs, "/logs/"+strconv.FormatInt(id, 10)) {
		t.Fatalf("logs url: %q", info.Logs)
	}

	// The message is gone, so a second commit is rejected as not found.
	if code, _ := runCmd(t, a, "commit", req); code != 2 {
		t.Fatalf("second commit: exit %d, want 2", code)
	}
}

func TestCmd_CommitFromStdin(t *testing.T) {
	a := newTestApp(t)
	id := createWorker(t, a, `{}`)
	msgs, _ := a.store.ListMessages(context.Background(), "app1", id)
	a.stdin = strings.NewReader(`{"msgid":` + strconv.FormatInt(msgs[0].ID, 10) +
		`,"workerid":` + strconv.FormatInt(id, 10) + `,"continuation":{"n":2}}`)

	if code, _ := runCmd(t, a, "commit"); code != 0 {
		t.Fatalf("commit from stdin: exit %d", code)
	}
	w, _ := a.store.GetWorker(context.Background(), id)
	if string(w.Continuation) != `{"n":2}` {
		t.Fatalf("continuation: %s", w.Continuation)
	}
}

func TestCmd_SendWithDelay(t *testing.T) {
	a := newTestApp(t)
	id := createWorker(t, a, `{}`)

	code, out := runCmd(t, a, "send", "--delay", "3600", strconv.FormatInt(id, 10), "later", `{"k":1}`)
	if code != 0 || strings.TrimSpace(out) != "OK" {
		t.Fatalf("send: exit %d, out %q", code, out)
	}
	msgs, _ := a.store.ListMessages(context.Background(), "app1", id)
	if len(msgs) != 2 || msgs[1].Code != "later" || string(msgs[1].Data) != `{"k":1}` {
		t.Fatalf("messages after send: %+v", msgs)
	}

	if code, _ := runCmd(t, a, "send", "9999", "x"); code != 1 {
		t.Fatalf("send to missing worker: exit %d, want 1", code)
	}
	if code, _ := runCmd(t, a, "send", "nope", "x"); code != 1 {
		t.Fatalf("send with bad id: exit %d, want 1", code)
	}
}

func TestCmd_CreateInPoolAndPending(t *testing.T) {
	a := newTestApp(t)
	createWorker(t, a, `{}`)
	createWorker(t, a, `{}`)
	createWorker(t, a, `{}`)
	if code, _ := runCmd(t, a, "create", "--pool", "gpu", `{}`); code != 0 {
		t.Fatalf("create in pool: exit %d", code)
	}

	code, out := runCmd(t, a, "pending", "--json")
	if code != 0 {
		t.Fatalf("pending: exit %d", code)
	}
	var alloc map[string]map[string]int
	if err := json.Unmarshal([]byte(out), &alloc); err != nil {
		t.Fatalf("pending output %q: %v", out, err)
	}
	if alloc["10.0.0.1"]["app1"] != 2 || alloc["10.0.0.2"]["app1"] != 1 {
		t.Fatalf("allocation: %v", alloc)
	}

	code, out = runCmd(t, a, "tasks")
	if code != 0 || strings.Count(out, "worker ") != 4 {
		t.Fatalf("tasks: exit %d, out %q", code, out)
	}

	// 10.0.0.1 is not in the gpu pool, so after the three default
	// workers it has nothing left.
	for i := 0; i < 3; i++ {
		if code, _ := runCmd(t, a, "dispatch"); code != 0 {
			t.Fatalf("dispatch %d: exit %d", i, code)
		}
	}
	if code, _ := runCmd(t, a, "dispatch"); code != 2 {
		t.Fatalf("dispatch outside pool: exit %d, want 2", code)
	}
	if code, _ := runCmd(t, a, "dispatch", "--addr", "10.0.0.2"); code != 0 {
		t.Fatalf("dispatch from pool member: exit %d", code)
	}
}

func TestCmd_LocksAndUnlock(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	w1 := createWorker(t, a, `{}`)
	w2 := createWorker(t, a, `{}`)
	for _, w := range []int64{w1, w2} {
		msgs, _ := a.store.ListMessages(ctx, "app1", w)
		err := a.engine.Commit(ctx, "app1", &model.CommitRequest{
			MsgID: msgs[0].ID, WorkerID: w,
			Continuation: json.RawMessage(`{}`),
			Lock:         []string{"db"},
		})
		if err != nil {
			t.Fatalf("lock commit: %v", err)
		}
	}

	code, out := runCmd(t, a, "locks")
	if code != 0 || !strings.Contains(out, "holder") || !strings.Contains(out, "waiting") {
		t.Fatalf("locks: exit %d, out %q", code, out)
	}

	code, _ = runCmd(t, a, "unlock", strconv.FormatInt(w1, 10), "db")
	if code != 0 {
		t.Fatalf("unlock: exit %d", code)
	}
	msgs, _ := a.store.ListMessages(ctx, "app1", w2)
	if len(msgs) != 1 || msgs[0].Code != model.CodeLocked {
		t.Fatalf("waiter not woken: %+v", msgs)
	}
	if code, _ := runCmd(t, a, "unlock", strconv.FormatInt(w1, 10), "db"); code != 2 {
		t.Fatalf("second unlock: exit %d, want 2", code)
	}
}

func TestCmd_Counters(t *testing.T) {
	a := newTestApp(t)
	createWorker(t, a, `{}`)
	createWorker(t, a, `{}`)

	code, out := runCmd(t, a, "counters", "--json")
	if code != 0 {
		t.Fatalf("counters: exit %d", code)
	}
	var counters []model.Counter
	if err := json.Unmarshal([]byte(out), &counters); err != nil {
		t.Fatalf("counters output %q: %v", out, err)
	}
	if len(counters) != 1 || counters[0].AppID != "app1" || counters[0].Count != 2 {
		t.Fatalf("counters: %+v", counters)
	}
}

func TestCmd_InitWritesConfigOnce(t *testing.T) {
	a := newTestApp(t)
	code, out := runCmd(t, a, "init")
	if code != 0 || !strings.Contains(out, "wrote default config") {
		t.Fatalf("init: exit %d, out %q", code, out)
	}
	if _, err := os.Stat(a.cfgPath); err != nil {
		t.Fatalf("config not written: %v", err)
	}
	_, out = runCmd(t, a, "init")
	if !strings.Contains(out, "kept existing config") {
		t.Fatalf("second init: %q", out)
	}
}

func TestCmd_ConfigShowsPools(t *testing.T) {
	a := newTestApp(t)
	a.addr = "10.0.0.2"
	code, out := runCmd(t, a, "config")
	if code != 0 {
		t.Fatalf("config: exit %d", code)
	}
	if !strings.Contains(out, "logs.example:5000") || !strings.Contains(out, "[default gpu]") {
		t.Fatalf("config output: %q", out)
	}

	code, out = runCmd(t, a, "config", "--json")
	if code != 0 || !strings.Contains(out, `"agentip": "10.0.0.2"`) {
		t.Fatalf("config --json: exit %d, out %q", code, out)
	}
}

// --- Helpers ---

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	fn()

	w.Close()
	os.Stdout = old
	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.String()
}

func captureStderr(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stderr
	r, w, _ := os.Pipe()
	os.Stderr = w

	fn()

	w.Close()
	os.Stderr = old
	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.String()
}
