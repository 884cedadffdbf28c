package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/daviddao/shepherd/pkg/config"
	"github.com/daviddao/shepherd/pkg/engine"
	"github.com/daviddao/shepherd/pkg/store"
)

// app holds shared state for all CLI subcommands.
type app struct {
	cfgPath string
	cfg     *config.Config
	log     *zap.Logger
	store   *store.Store
	engine  *engine.Engine
	appID   string // default caller app from SHEPHERD_APP
	addr    string // default agent address from SHEPHERD_ADDR
	stdin   io.Reader
}

// newApp loads the config, builds the logger and opens the database.
// The database directory is created if it does not exist.
func newApp() (*app, error) {
	cfgPath := envOr("SHEPHERD_CONFIG", config.DefaultPath)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	if dir := filepath.Dir(cfg.Database); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cannot create %s: %w", dir, err)
		}
	}
	s, err := store.New(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("cannot open database %q: %w", cfg.Database, err)
	}
	return &app{
		cfgPath: cfgPath,
		cfg:     cfg,
		log:     logger,
		store:   s,
		engine:  engine.New(s, cfg, engine.WithLogger(logger)),
		appID:   envOr("SHEPHERD_APP", ""),
		addr:    envOr("SHEPHERD_ADDR", ""),
		stdin:   os.Stdin,
	}, nil
}

// Close flushes the logger and releases the database connection.
func (a *app) Close() {
	_ = a.log.Sync()
	a.store.Close()
}

// newLogger builds a stderr logger so stdout stays machine readable.
func newLogger(c config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	var zc zap.Config
	if c.Format == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
		zc.DisableStacktrace = true
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc.Build()
}

// resolveApp returns the app id from the flag (if non-empty), falling back
// to the SHEPHERD_APP environment variable.
func (a *app) resolveApp(flagVal string) (string, error) {
	if flagVal != "" {
		return flagVal, nil
	}
	if a.appID != "" {
		return a.appID, nil
	}
	return "", fmt.Errorf("no app id: pass --app or set SHEPHERD_APP")
}

// resolveAddr returns the agent address from the flag or SHEPHERD_ADDR.
func (a *app) resolveAddr(flagVal string) (string, error) {
	if flagVal != "" {
		return flagVal, nil
	}
	if a.addr != "" {
		return a.addr, nil
	}
	return "", fmt.Errorf("no agent address: pass --addr or set SHEPHERD_ADDR")
}

// readPayload returns a JSON document given inline, from a file (@path),
// or from stdin ("-" or empty).
func (a *app) readPayload(arg string) (json.RawMessage, error) {
	var data []byte
	var err error
	switch {
	case arg == "" || arg == "-":
		data, err = io.ReadAll(a.stdin)
	case strings.HasPrefix(arg, "@"):
		data, err = os.ReadFile(arg[1:])
	default:
		data = []byte(arg)
	}
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	data = []byte(strings.TrimSpace(string(data)))
	if !json.Valid(data) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return data, nil
}

// parseIDs parses a comma separated list of worker ids.
func parseIDs(s string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid worker id %q", part)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no worker ids")
	}
	return ids, nil
}

// priorityFlag maps the "unset" sentinel -1 to nil.
func priorityFlag(p int) *int {
	if p < 0 {
		return nil
	}
	return &p
}

// fail reports err for cmd and returns the exit code it maps to.
func fail(cmd string, err error) int {
	fmt.Fprintf(os.Stderr, "shepherd: %s: %v\n", cmd, err)
	if errors.Is(err, engine.ErrNotFound) {
		return 2
	}
	return 1
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// oneLine shortens a JSON payload for single-line listings.
func oneLine(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "-"
	}
	s := strings.Join(strings.Fields(string(raw)), " ")
	if len(s) > 60 {
		s = s[:60] + "..."
	}
	return s
}
