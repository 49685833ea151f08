package commands

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/MEKXH/quorum/internal/config"
)

func captureOutput(t *testing.T, fn func()) string {
	t.Helper()

	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}

	os.Stdout = w
	fn()
	_ = w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	_, _ = io.Copy(&buf, r)
	_ = r.Close()

	return buf.String()
}

// writeTestConfig saves a config with two leads and a temp workspace, and returns its path.
func writeTestConfig(t *testing.T, mutate func(*config.Config)) string {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Workspace = filepath.Join(dir, "workspace")
	cfg.Gateway.Token = "secret"
	cfg.Directory.Groups["leads"] = config.GroupConfig{
		Name:         "Tech Leads",
		MinApprovals: 1,
		Members: []config.MemberConfig{
			{ID: "L1", Name: "Lee", Handles: []string{"telegram:100"}},
			{ID: "L2", Name: "Lin", Handles: []string{"slack:U2"}},
		},
	}
	cfg.Directory.Groups["cto"] = config.GroupConfig{
		Name:         "CTO Office",
		MinApprovals: 1,
		Members:      []config.MemberConfig{{ID: "C1", Name: "Cam"}},
	}
	if mutate != nil {
		mutate(cfg)
	}
	path := filepath.Join(dir, "config.json")
	if err := config.SaveTo(path, cfg); err != nil {
		t.Fatalf("SaveTo: %v", err)
	}
	return path
}

// runRoot executes the root command with args and returns captured stdout.
func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var runErr error
	out := captureOutput(t, func() {
		root := NewRootCmd()
		root.SetArgs(args)
		root.SetErr(io.Discard)
		runErr = root.Execute()
	})
	return out, runErr
}
